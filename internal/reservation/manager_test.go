package reservation_test

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
)

func setupTest(t *testing.T) (*reservation.Manager, *bun.DB, *models.Draw) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.Draw)(nil),
		(*models.Slot)(nil),
		(*models.Reservation)(nil),
	} {
		_, err := bunDB.NewCreateTable().Model(model).Exec(ctx)
		require.NoError(t, err)
	}

	log := logger.NewLogger()
	store := inventory.NewStore(bunDB, log)
	draw, err := store.OpenDraw(ctx)
	require.NoError(t, err)

	return reservation.NewManager(bunDB, log, 15*time.Minute), bunDB, draw
}

func slotState(t *testing.T, bunDB *bun.DB, drawID string, number int) models.Slot {
	var slot models.Slot
	err := bunDB.NewSelect().
		Model(&slot).
		Where("draw_id = ? AND number = ?", drawID, number).
		Scan(context.Background())
	require.NoError(t, err)
	return slot
}

func TestReserveGrantsHold(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, draw.ID, "owner-1", []int{5, 17, 99})
	assert.NoError(t, err)
	assert.Equal(t, []int{5, 17, 99}, res.Numbers)
	assert.Equal(t, models.ReservationActive, res.Status)
	assert.True(t, res.ExpiresAt.After(time.Now()))

	for _, n := range []int{5, 17, 99} {
		slot := slotState(t, bunDB, draw.ID, n)
		assert.Equal(t, models.SlotReserved, slot.State)
		assert.Equal(t, res.ID, slot.ReservationID)
	}
}

func TestReserveAllOrNothingOnConflict(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	_, err := mgr.Reserve(ctx, draw.ID, "owner-1", []int{3, 4})
	require.NoError(t, err)

	_, err = mgr.Reserve(ctx, draw.ID, "owner-2", []int{4, 5, 3})
	var conflict *reservation.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.ElementsMatch(t, []int{3, 4}, conflict.Numbers)

	// Nothing was granted; the free number stays free.
	assert.Equal(t, models.SlotAvailable, slotState(t, bunDB, draw.ID, 5).State)
}

func TestReserveRejectsInvalidNumbers(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	cases := [][]int{
		{},
		{-1},
		{100},
		{1, 2, 1},
	}
	for _, numbers := range cases {
		_, err := mgr.Reserve(ctx, draw.ID, "owner-1", numbers)
		assert.ErrorIs(t, err, reservation.ErrInvalidNumbers)
	}
}

func TestReserveReclaimsExpiredHold(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	// Negative ttl makes the hold stale the moment it is granted.
	staleMgr := reservation.NewManager(bunDB, logger.NewLogger(), -time.Minute)
	stale, err := staleMgr.Reserve(ctx, draw.ID, "owner-1", []int{10, 11})
	require.NoError(t, err)

	res, err := mgr.Reserve(ctx, draw.ID, "owner-2", []int{10, 11})
	assert.NoError(t, err)
	assert.Equal(t, []int{10, 11}, res.Numbers)

	var old models.Reservation
	err = bunDB.NewSelect().Model(&old).Where("id = ?", stale.ID).Scan(ctx)
	assert.NoError(t, err)
	assert.Equal(t, models.ReservationExpired, old.Status)

	for _, n := range []int{10, 11} {
		assert.Equal(t, res.ID, slotState(t, bunDB, draw.ID, n).ReservationID)
	}
}

func TestReserveAvailableGrantsSubset(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	_, err := mgr.Reserve(ctx, draw.ID, "owner-1", []int{1, 2})
	require.NoError(t, err)

	granted, res, err := mgr.ReserveAvailable(ctx, draw.ID, "owner-2", []int{1, 2, 3, 4})
	assert.NoError(t, err)
	assert.Equal(t, []int{3, 4}, granted)
	assert.Equal(t, []int{3, 4}, res.Numbers)
}

func TestReserveAvailableNothingFree(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	_, err := mgr.Reserve(ctx, draw.ID, "owner-1", []int{20, 21})
	require.NoError(t, err)

	granted, res, err := mgr.ReserveAvailable(ctx, draw.ID, "owner-2", []int{20, 21})
	assert.NoError(t, err)
	assert.Nil(t, granted)
	assert.Nil(t, res)

	// No empty reservation row was written.
	count, err := bunDB.NewSelect().
		Model((*models.Reservation)(nil)).
		Where("owner_id = ?", "owner-2").
		Count(ctx)
	assert.NoError(t, err)
	assert.Zero(t, count)
}

func TestReleaseFreesSlots(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, draw.ID, "owner-1", []int{30, 31})
	require.NoError(t, err)

	assert.NoError(t, mgr.Release(ctx, res.ID))
	for _, n := range []int{30, 31} {
		slot := slotState(t, bunDB, draw.ID, n)
		assert.Equal(t, models.SlotAvailable, slot.State)
		assert.Empty(t, slot.ReservationID)
	}

	// Releasing twice is a no-op.
	assert.NoError(t, mgr.Release(ctx, res.ID))
}

func TestReleaseKeepsReassignedSlots(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	staleMgr := reservation.NewManager(bunDB, logger.NewLogger(), -time.Minute)
	stale, err := staleMgr.Reserve(ctx, draw.ID, "owner-1", []int{40})
	require.NoError(t, err)

	// The number was reclaimed and granted to someone else in the meantime.
	res, err := mgr.Reserve(ctx, draw.ID, "owner-2", []int{40})
	require.NoError(t, err)

	assert.NoError(t, mgr.Release(ctx, stale.ID))
	slot := slotState(t, bunDB, draw.ID, 40)
	assert.Equal(t, models.SlotReserved, slot.State)
	assert.Equal(t, res.ID, slot.ReservationID)
}

func TestReleaseRefusesPaidReservation(t *testing.T) {
	mgr, bunDB, draw := setupTest(t)
	defer bunDB.Close()
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, draw.ID, "owner-1", []int{50})
	require.NoError(t, err)

	_, err = bunDB.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", models.ReservationPaid).
		Where("id = ?", res.ID).
		Exec(ctx)
	require.NoError(t, err)

	assert.Error(t, mgr.Release(ctx, res.ID))
}
