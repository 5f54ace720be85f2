package settlement_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-raffle/internal/inventory"
	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
	"ms-raffle/internal/reservation"
	"ms-raffle/internal/settlement"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	settled []models.EngineEvent
	closed  []models.EngineEvent
}

func (p *recordingPublisher) PublishPaymentSettled(event models.EngineEvent) error {
	p.settled = append(p.settled, event)
	return nil
}

func (p *recordingPublisher) PublishDrawClosed(event models.EngineEvent) error {
	p.closed = append(p.closed, event)
	return nil
}

type fixture struct {
	bunDB        *bun.DB
	store        *inventory.Store
	reservations *reservation.Manager
	service      *settlement.Service
	events       *recordingPublisher
	draw         *models.Draw
}

func setupFixture(t *testing.T) *fixture {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.Draw)(nil),
		(*models.Slot)(nil),
		(*models.Reservation)(nil),
		(*models.Payment)(nil),
	} {
		_, err := bunDB.NewCreateTable().Model(model).Exec(ctx)
		require.NoError(t, err)
	}

	log := logger.NewLogger()
	store := inventory.NewStore(bunDB, log)
	draw, err := store.OpenDraw(ctx)
	require.NoError(t, err)

	events := &recordingPublisher{}
	return &fixture{
		bunDB:        bunDB,
		store:        store,
		reservations: reservation.NewManager(bunDB, log, 15*time.Minute),
		service:      settlement.NewService(bunDB, log, events),
		events:       events,
		draw:         draw,
	}
}

func TestSettleMarksSlotsSold(t *testing.T) {
	f := setupFixture(t)
	defer f.bunDB.Close()
	ctx := context.Background()

	res, err := f.reservations.Reserve(ctx, f.draw.ID, "owner-1", []int{1, 2, 3})
	require.NoError(t, err)

	payment, err := f.service.Settle(ctx, res.ID, "pi_100", 1500)
	assert.NoError(t, err)
	assert.Equal(t, models.PaymentID("pi_100"), payment.ID)
	assert.Equal(t, models.PaymentApproved, payment.Status)
	assert.Equal(t, []int{1, 2, 3}, payment.Numbers)

	var updated models.Reservation
	err = f.bunDB.NewSelect().Model(&updated).Where("id = ?", res.ID).Scan(ctx)
	assert.NoError(t, err)
	assert.Equal(t, models.ReservationPaid, updated.Status)
	assert.Equal(t, payment.ID, updated.PaymentID)

	var slots []models.Slot
	err = f.bunDB.NewSelect().
		Model(&slots).
		Where("draw_id = ?", f.draw.ID).
		Where("number IN (1, 2, 3)").
		Scan(ctx)
	assert.NoError(t, err)
	for _, slot := range slots {
		assert.Equal(t, models.SlotSold, slot.State)
	}

	assert.Len(t, f.events.settled, 1)
	assert.Equal(t, payment.ID, f.events.settled[0].PaymentID)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	defer f.bunDB.Close()
	ctx := context.Background()

	res, err := f.reservations.Reserve(ctx, f.draw.ID, "owner-1", []int{10})
	require.NoError(t, err)

	first, err := f.service.Settle(ctx, res.ID, "pi_200", 500)
	require.NoError(t, err)

	second, err := f.service.Settle(ctx, res.ID, "pi_200", 500)
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	count, err := f.bunDB.NewSelect().Model((*models.Payment)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, f.events.settled, 1)
}

func TestSettlePaidReservationReturnsStoredPayment(t *testing.T) {
	f := setupFixture(t)
	defer f.bunDB.Close()
	ctx := context.Background()

	res, err := f.reservations.Reserve(ctx, f.draw.ID, "owner-1", []int{12, 13})
	require.NoError(t, err)

	first, err := f.service.Settle(ctx, res.ID, "pi_250", 1000)
	require.NoError(t, err)

	// Force the repeat past the fast no-op check so it takes the locked
	// already-paid path; the stored row must come back, never a zero value.
	_, err = f.bunDB.NewUpdate().
		Model((*models.Payment)(nil)).
		Set("status = ?", "pending").
		Where("id = ?", first.ID).
		Exec(ctx)
	require.NoError(t, err)

	repeat, err := f.service.Settle(ctx, res.ID, "pi_250", 1000)
	assert.NoError(t, err)
	assert.Equal(t, first.ID, repeat.ID)
	assert.Equal(t, "owner-1", repeat.OwnerID)
	assert.Equal(t, []int{12, 13}, repeat.Numbers)
	assert.Len(t, f.events.settled, 1)
}

func TestSettlePaidReservationWithMissingPaymentErrors(t *testing.T) {
	f := setupFixture(t)
	defer f.bunDB.Close()
	ctx := context.Background()

	res, err := f.reservations.Reserve(ctx, f.draw.ID, "owner-1", []int{14})
	require.NoError(t, err)

	// A paid reservation whose payment row is gone must surface an error
	// instead of answering with an empty payment.
	paymentID := models.PaymentID("pi_260")
	_, err = f.bunDB.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", models.ReservationPaid).
		Set("payment_id = ?", paymentID).
		Where("id = ?", res.ID).
		Exec(ctx)
	require.NoError(t, err)

	payment, err := f.service.Settle(ctx, res.ID, "pi_260", 500)
	assert.Error(t, err)
	assert.Nil(t, payment)
}

func TestSettleReleasedReservationIsStale(t *testing.T) {
	f := setupFixture(t)
	defer f.bunDB.Close()
	ctx := context.Background()

	res, err := f.reservations.Reserve(ctx, f.draw.ID, "owner-1", []int{20})
	require.NoError(t, err)
	require.NoError(t, f.reservations.Release(ctx, res.ID))

	_, err = f.service.Settle(ctx, res.ID, "pi_300", 500)
	assert.ErrorIs(t, err, settlement.ErrStaleReservation)

	assert.Equal(t, models.SlotAvailable, mustSlot(t, f, 20).State)
}

func TestSettleReassignedSlotsAreStale(t *testing.T) {
	f := setupFixture(t)
	defer f.bunDB.Close()
	ctx := context.Background()

	log := logger.NewLogger()
	staleMgr := reservation.NewManager(f.bunDB, log, -time.Minute)
	stale, err := staleMgr.Reserve(ctx, f.draw.ID, "owner-1", []int{30})
	require.NoError(t, err)

	// The number is reclaimed and handed to another owner before the
	// original charge confirmation lands.
	winner, err := f.reservations.Reserve(ctx, f.draw.ID, "owner-2", []int{30})
	require.NoError(t, err)

	_, err = f.service.Settle(ctx, stale.ID, "pi_400", 500)
	assert.ErrorIs(t, err, settlement.ErrStaleReservation)

	slot := mustSlot(t, f, 30)
	assert.Equal(t, models.SlotReserved, slot.State)
	assert.Equal(t, winner.ID, slot.ReservationID)
}

func TestSettleLastSlotRollsDrawOver(t *testing.T) {
	f := setupFixture(t)
	defer f.bunDB.Close()
	ctx := context.Background()

	all := make([]int, models.SlotsPerDraw)
	for i := range all {
		all[i] = i
	}
	res, err := f.reservations.Reserve(ctx, f.draw.ID, "owner-1", all)
	require.NoError(t, err)

	_, err = f.service.Settle(ctx, res.ID, "pi_500", 50000)
	assert.NoError(t, err)

	closed, err := f.store.GetDraw(ctx, f.draw.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.DrawStatusClosed, closed.Status)
	assert.False(t, closed.ClosedAt.IsZero())

	successor, err := f.store.CurrentDraw(ctx)
	assert.NoError(t, err)
	assert.NotEqual(t, f.draw.ID, successor.ID)

	views, err := f.store.Snapshot(ctx, successor.ID)
	assert.NoError(t, err)
	assert.Len(t, views, models.SlotsPerDraw)
	for _, view := range views {
		assert.Equal(t, models.SlotAvailable, view.State)
	}

	assert.Len(t, f.events.closed, 1)
	assert.Equal(t, f.draw.ID, f.events.closed[0].DrawID)
}

func mustSlot(t *testing.T, f *fixture, number int) models.Slot {
	var slot models.Slot
	err := f.bunDB.NewSelect().
		Model(&slot).
		Where("draw_id = ? AND number = ?", f.draw.ID, number).
		Scan(context.Background())
	require.NoError(t, err)
	return slot
}
