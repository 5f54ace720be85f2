package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-raffle/internal/database"
	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
)

// ErrInvalidNumbers rejects an empty set, out-of-range values or duplicates.
var ErrInvalidNumbers = errors.New("invalid numbers: requested set must be non-empty, unique and within 0..99")

// ConflictError carries the exact numbers that blocked a reservation so the
// caller can retry with a reduced set instead of guessing.
type ConflictError struct {
	Numbers []int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("numbers unavailable: %v", e.Numbers)
}

// Manager grants exclusive, time-bounded holds over slot numbers and
// reclaims stale holds lazily inside its own transactions.
type Manager struct {
	Bun *bun.DB
	Log *logger.Logger
	TTL time.Duration
}

func NewManager(b *bun.DB, log *logger.Logger, ttl time.Duration) *Manager {
	return &Manager{Bun: b, Log: log, TTL: ttl}
}

// Reserve grants a hold over all requested numbers or none of them.
// Conflicting numbers are returned in full via ConflictError.
func (m *Manager) Reserve(ctx context.Context, drawID, ownerID string, numbers []int) (*models.Reservation, error) {
	granted, res, err := m.reserve(ctx, drawID, ownerID, numbers, false)
	if err != nil {
		return nil, err
	}
	m.Log.LogReservation("RESERVE", res.ID, fmt.Sprintf("owner %s holds %v until %s", ownerID, granted, res.ExpiresAt.Format(time.RFC3339)))
	return res, nil
}

// ReserveAvailable grants whatever subset of the requested numbers is still
// free. An empty grant returns (nil, nil, nil); the autopay path records it
// as skipped rather than treating it as a failure.
func (m *Manager) ReserveAvailable(ctx context.Context, drawID, ownerID string, numbers []int) ([]int, *models.Reservation, error) {
	granted, res, err := m.reserve(ctx, drawID, ownerID, numbers, true)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	m.Log.LogReservation("RESERVE", res.ID, fmt.Sprintf("owner %s holds subset %v of %v", ownerID, granted, numbers))
	return granted, res, nil
}

func (m *Manager) reserve(ctx context.Context, drawID, ownerID string, numbers []int, partial bool) ([]int, *models.Reservation, error) {
	if err := validateNumbers(numbers); err != nil {
		return nil, nil, err
	}

	// Ascending lock order keeps concurrent requests with overlapping sets
	// from deadlocking each other.
	requested := append([]int(nil), numbers...)
	sort.Ints(requested)

	var reservation *models.Reservation
	var granted []int

	err := m.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var slots []models.Slot
		q := tx.NewSelect().
			Model(&slots).
			Where("draw_id = ?", drawID).
			Where("number IN (?)", bun.In(requested)).
			Order("number ASC")
		if err := database.LockForUpdate(m.Bun, q).Scan(ctx); err != nil {
			return fmt.Errorf("failed to lock slots: %w", err)
		}
		if len(slots) != len(requested) {
			return fmt.Errorf("draw %s is missing slots for %v: %w", drawID, requested, ErrInvalidNumbers)
		}

		if err := m.reclaimExpired(ctx, tx, slots); err != nil {
			return err
		}

		// Re-read post-reclaim so freed slots count as available.
		slots = slots[:0]
		q = tx.NewSelect().
			Model(&slots).
			Where("draw_id = ?", drawID).
			Where("number IN (?)", bun.In(requested)).
			Order("number ASC")
		if err := database.LockForUpdate(m.Bun, q).Scan(ctx); err != nil {
			return fmt.Errorf("failed to re-read slots: %w", err)
		}

		var conflicts []int
		granted = granted[:0]
		for _, slot := range slots {
			if slot.State == models.SlotAvailable {
				granted = append(granted, slot.Number)
			} else {
				conflicts = append(conflicts, slot.Number)
			}
		}

		if !partial && len(conflicts) > 0 {
			return &ConflictError{Numbers: conflicts}
		}
		if len(granted) == 0 {
			// Partial mode with nothing free: no reservation row at all.
			reservation = nil
			return nil
		}

		now := time.Now()
		reservation = &models.Reservation{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			DrawID:    drawID,
			Numbers:   granted,
			Status:    models.ReservationActive,
			CreatedAt: now,
			ExpiresAt: now.Add(m.TTL),
		}
		if _, err := tx.NewInsert().Model(reservation).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		_, err := tx.NewUpdate().
			Model((*models.Slot)(nil)).
			Set("state = ?", models.SlotReserved).
			Set("reservation_id = ?", reservation.ID).
			Where("draw_id = ?", drawID).
			Where("number IN (?)", bun.In(granted)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to flip slots to reserved: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return granted, reservation, nil
}

// reclaimExpired expires stale holds found on the locked slots and frees
// their numbers inside the same transaction, so the conflict check that
// follows sees up-to-date state.
func (m *Manager) reclaimExpired(ctx context.Context, tx bun.Tx, slots []models.Slot) error {
	ids := make([]string, 0)
	seen := make(map[string]bool)
	for _, slot := range slots {
		if slot.State == models.SlotReserved && slot.ReservationID != "" && !seen[slot.ReservationID] {
			seen[slot.ReservationID] = true
			ids = append(ids, slot.ReservationID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var reservations []models.Reservation
	q := tx.NewSelect().
		Model(&reservations).
		Where("id IN (?)", bun.In(ids)).
		Order("id ASC")
	if err := database.LockForUpdate(m.Bun, q).Scan(ctx); err != nil {
		return fmt.Errorf("failed to lock owning reservations: %w", err)
	}

	now := time.Now()
	for _, res := range reservations {
		if !res.Expired(now) {
			continue
		}
		_, err := tx.NewUpdate().
			Model((*models.Reservation)(nil)).
			Set("status = ?", models.ReservationExpired).
			Where("id = ?", res.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to expire reservation %s: %w", res.ID, err)
		}
		_, err = tx.NewUpdate().
			Model((*models.Slot)(nil)).
			Set("state = ?", models.SlotAvailable).
			Set("reservation_id = NULL").
			Where("reservation_id = ?", res.ID).
			Where("state = ?", models.SlotReserved).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to free slots of reservation %s: %w", res.ID, err)
		}
		m.Log.LogReservation("RECLAIM", res.ID, fmt.Sprintf("expired hold over %v reclaimed", res.Numbers))
	}
	return nil
}

// Get fetches one reservation by id.
func (m *Manager) Get(ctx context.Context, reservationID string) (*models.Reservation, error) {
	var res models.Reservation
	err := m.Bun.NewSelect().
		Model(&res).
		Where("id = ?", reservationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("reservation %s not found: %w", reservationID, err)
	}
	return &res, nil
}

// Release marks a reservation expired and frees only the slots that still
// reference it. A slot reassigned through another path is left untouched.
// Used for saga compensation and background cleanup.
func (m *Manager) Release(ctx context.Context, reservationID string) error {
	err := m.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var res models.Reservation
		q := tx.NewSelect().
			Model(&res).
			Where("id = ?", reservationID).
			Limit(1)
		if err := database.LockForUpdate(m.Bun, q).Scan(ctx); err != nil {
			return fmt.Errorf("reservation %s not found: %w", reservationID, err)
		}
		if res.Status == models.ReservationPaid {
			return fmt.Errorf("cannot release paid reservation %s", reservationID)
		}
		if res.Status == models.ReservationExpired {
			return nil
		}

		_, err := tx.NewUpdate().
			Model((*models.Reservation)(nil)).
			Set("status = ?", models.ReservationExpired).
			Where("id = ?", reservationID).
			Exec(ctx)
		if err != nil {
			return err
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
	if err != nil {
		return err
	}
	m.Log.LogReservation("RELEASE", reservationID, "hold released")
	return nil
}

func validateNumbers(numbers []int) error {
	if len(numbers) == 0 {
		return ErrInvalidNumbers
	}
	seen := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		if n < 0 || n >= models.SlotsPerDraw {
			return ErrInvalidNumbers
		}
		if seen[n] {
			return ErrInvalidNumbers
		}
		seen[n] = true
	}
	return nil
}
