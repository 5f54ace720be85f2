package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
)

// ErrNoOpenDraw is returned when an operation needs the open draw and none exists.
var ErrNoOpenDraw = errors.New("no open draw")

// Store holds the canonical state of draws and their 100-slot inventories.
// All slot mutation goes through the reservation and settlement transactions;
// the store itself only creates inventory and answers queries.
type Store struct {
	Bun *bun.DB
	Log *logger.Logger
}

func NewStore(b *bun.DB, log *logger.Logger) *Store {
	return &Store{Bun: b, Log: log}
}

// OpenDraw creates a new open draw with its full slot inventory.
// Fails if another draw is still open; only one selling round runs at a time.
func (s *Store) OpenDraw(ctx context.Context) (*models.Draw, error) {
	var draw *models.Draw
	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*models.Draw)(nil)).
			Where("status = ?", models.DrawStatusOpen).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("cannot open draw: another draw is still open")
		}
		draw, err = CreateDrawTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("INVENTORY", fmt.Sprintf("Opened draw %s with %d slots", draw.ID, models.SlotsPerDraw))
	return draw, nil
}

// CreateDrawTx inserts a fresh open draw and its slots inside the caller's
// transaction. Settlement uses it for the rollover on sell-out.
func CreateDrawTx(ctx context.Context, idb bun.IDB) (*models.Draw, error) {
	draw := &models.Draw{
		ID:       uuid.NewString(),
		Status:   models.DrawStatusOpen,
		OpenedAt: time.Now(),
	}
	if _, err := idb.NewInsert().Model(draw).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to insert draw: %w", err)
	}
	if err := EnsureSlotsTx(ctx, idb, draw.ID); err != nil {
		return nil, err
	}
	return draw, nil
}

// CurrentDraw returns the single open draw.
func (s *Store) CurrentDraw(ctx context.Context) (*models.Draw, error) {
	var draw models.Draw
	err := s.Bun.NewSelect().
		Model(&draw).
		Where("status = ?", models.DrawStatusOpen).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOpenDraw
	}
	if err != nil {
		return nil, err
	}
	return &draw, nil
}

// GetDraw fetches one draw by id.
func (s *Store) GetDraw(ctx context.Context, drawID string) (*models.Draw, error) {
	var draw models.Draw
	err := s.Bun.NewSelect().
		Model(&draw).
		Where("id = ?", drawID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOpenDraw
	}
	if err != nil {
		return nil, err
	}
	return &draw, nil
}

// EnsureSlots idempotently guarantees the draw has all slots 0..99.
// Safe to call on a draw with partial rows: only the missing numbers are inserted.
func (s *Store) EnsureSlots(ctx context.Context, drawID string) error {
	return EnsureSlotsTx(ctx, s.Bun, drawID)
}

// EnsureSlotsTx is the transaction-composable form of EnsureSlots.
func EnsureSlotsTx(ctx context.Context, idb bun.IDB, drawID string) error {
	var existing []int
	err := idb.NewSelect().
		Model((*models.Slot)(nil)).
		Column("number").
		Where("draw_id = ?", drawID).
		Scan(ctx, &existing)
	if err != nil {
		return fmt.Errorf("failed to list slots for draw %s: %w", drawID, err)
	}

	present := make(map[int]bool, len(existing))
	for _, n := range existing {
		present[n] = true
	}

	var missing []models.Slot
	for n := 0; n < models.SlotsPerDraw; n++ {
		if !present[n] {
			missing = append(missing, models.Slot{
				DrawID: drawID,
				Number: n,
				State:  models.SlotAvailable,
			})
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if _, err := idb.NewInsert().Model(&missing).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert slots for draw %s: %w", drawID, err)
	}
	return nil
}

// Snapshot returns the externally visible state of every number in the draw.
// Confirmed sales and live holds are overlaid on the available base; holds
// whose ttl elapsed are reported available and opportunistically reclaimed,
// but a reclaim failure never fails the read.
func (s *Store) Snapshot(ctx context.Context, drawID string) ([]models.SlotView, error) {
	var slots []models.Slot
	err := s.Bun.NewSelect().
		Model(&slots).
		Where("draw_id = ?", drawID).
		Order("number ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read slots for draw %s: %w", drawID, err)
	}
	if len(slots) == 0 {
		return nil, ErrNoOpenDraw
	}

	reservationIDs := make([]string, 0)
	seen := make(map[string]bool)
	for _, slot := range slots {
		if slot.State == models.SlotReserved && slot.ReservationID != "" && !seen[slot.ReservationID] {
			seen[slot.ReservationID] = true
			reservationIDs = append(reservationIDs, slot.ReservationID)
		}
	}

	expired := make(map[string]bool)
	if len(reservationIDs) > 0 {
		var reservations []models.Reservation
		err = s.Bun.NewSelect().
			Model(&reservations).
			Where("id IN (?)", bun.In(reservationIDs)).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read reservations: %w", err)
		}
		now := time.Now()
		for _, res := range reservations {
			if res.Expired(now) {
				expired[res.ID] = true
			}
		}
	}

	views := make([]models.SlotView, 0, len(slots))
	for _, slot := range slots {
		view := models.SlotView{Number: slot.Number, State: slot.State}
		if slot.State == models.SlotReserved {
			if expired[slot.ReservationID] {
				view.State = models.SlotAvailable
			} else {
				view.ReservationID = slot.ReservationID
			}
		}
		views = append(views, view)
	}

	// Best effort: fold the stale holds back into the inventory so the next
	// writer does not have to. Errors are logged, never surfaced.
	for id := range expired {
		if err := s.reclaim(ctx, id); err != nil {
			s.Log.Warn("INVENTORY", fmt.Sprintf("Failed to reclaim expired reservation %s: %v", id, err))
		}
	}

	return views, nil
}

// SoldCount returns how many of the draw's slots are sold.
func (s *Store) SoldCount(ctx context.Context, drawID string) (int, error) {
	return s.Bun.NewSelect().
		Model((*models.Slot)(nil)).
		Where("draw_id = ?", drawID).
		Where("state = ?", models.SlotSold).
		Count(ctx)
}

// MarkAutopayProcessed flags the draw so a finished orchestration run is not repeated.
func (s *Store) MarkAutopayProcessed(ctx context.Context, drawID string) error {
	_, err := s.Bun.NewUpdate().
		Model((*models.Draw)(nil)).
		Set("autopay_processed = ?", true).
		Where("id = ?", drawID).
		Exec(ctx)
	return err
}

func (s *Store) reclaim(ctx context.Context, reservationID string) error {
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.Reservation)(nil)).
			Set("status = ?", models.ReservationExpired).
			Where("id = ?", reservationID).
			Where("status = ?", models.ReservationActive).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race against reserve/settle; nothing to free.
			return nil
		}
		_, err = tx.NewUpdate().
			Model((*models.Slot)(nil)).
			Set("state = ?", models.SlotAvailable).
			Set("reservation_id = NULL").
			Where("reservation_id = ?", reservationID).
			Where("state = ?", models.SlotReserved).
			Exec(ctx)
		return err
	})
}
