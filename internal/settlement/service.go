package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-raffle/internal/database"
	"ms-raffle/internal/inventory"
	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
)

// ErrStaleReservation means settlement arrived for a hold whose slots were
// reclaimed and possibly resold through another path. Non-fatal; logged for
// reconciliation.
var ErrStaleReservation = errors.New("stale reservation: slots no longer reference this hold")

type EventPublisher interface {
	PublishPaymentSettled(event models.EngineEvent) error
	PublishDrawClosed(event models.EngineEvent) error
}

// Service converts a paid hold into a permanent sale and rolls the draw
// over when the 100th slot is sold. Both the synchronous post-charge check
// and the async provider callback funnel into Settle, so every step must
// tolerate repeat delivery.
type Service struct {
	Bun    *bun.DB
	Log    *logger.Logger
	Events EventPublisher
}

func NewService(b *bun.DB, log *logger.Logger, events EventPublisher) *Service {
	return &Service{Bun: b, Log: log, Events: events}
}

// Settle finalizes the sale for a confirmed charge. Calling it twice with
// the same correlation id yields exactly one approved payment and one sold
// transition per number.
func (s *Service) Settle(ctx context.Context, reservationID, correlationID string, amount float64) (*models.Payment, error) {
	paymentID := models.PaymentID(correlationID)

	var existing models.Payment
	err := s.Bun.NewSelect().
		Model(&existing).
		Where("id = ?", paymentID).
		Limit(1).
		Scan(ctx)
	if err == nil && existing.Status == models.PaymentApproved {
		s.Log.Info("SETTLEMENT", fmt.Sprintf("Payment %s already approved, treating settle as no-op", paymentID))
		return &existing, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check payment %s: %w", paymentID, err)
	}

	var payment *models.Payment
	var alreadySettled bool
	var closedDraw *models.Draw
	var newDraw *models.Draw

	err = s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var res models.Reservation
		q := tx.NewSelect().
			Model(&res).
			Where("id = ?", reservationID).
			Limit(1)
		if err := database.LockForUpdate(s.Bun, q).Scan(ctx); err != nil {
			return fmt.Errorf("reservation %s not found: %w", reservationID, err)
		}

		if res.Status == models.ReservationPaid {
			if res.PaymentID == paymentID {
				// A concurrent settle won the race after the pre-check ran.
				// Return the committed row, not whatever the pre-check saw.
				var settled models.Payment
				err := tx.NewSelect().
					Model(&settled).
					Where("id = ?", paymentID).
					Limit(1).
					Scan(ctx)
				if err != nil {
					return fmt.Errorf("reservation %s is paid but payment %s is missing: %w", res.ID, paymentID, err)
				}
				payment = &settled
				alreadySettled = true
				return nil
			}
			return fmt.Errorf("reservation %s already paid by %s: %w", reservationID, res.PaymentID, ErrStaleReservation)
		}
		if res.Status == models.ReservationExpired {
			return ErrStaleReservation
		}

		// The slots must still point at this hold. A reclaim that raced the
		// payment confirmation would have reassigned or freed them, and a
		// stale settle must never resurrect a slot sold elsewhere.
		var held []models.Slot
		q = tx.NewSelect().
			Model(&held).
			Where("draw_id = ?", res.DrawID).
			Where("reservation_id = ?", res.ID).
			Where("state = ?", models.SlotReserved).
			Order("number ASC")
		if err := database.LockForUpdate(s.Bun, q).Scan(ctx); err != nil {
			return fmt.Errorf("failed to lock held slots: %w", err)
		}
		if len(held) != len(res.Numbers) {
			return ErrStaleReservation
		}

		now := time.Now()
		payment = &models.Payment{
			ID:          paymentID,
			OwnerID:     res.OwnerID,
			DrawID:      res.DrawID,
			Numbers:     res.Numbers,
			Amount:      amount,
			Status:      models.PaymentApproved,
			ProviderRef: correlationID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err := tx.NewInsert().
			Model(payment).
			On("CONFLICT (id) DO UPDATE").
			Set("status = EXCLUDED.status").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to upsert payment %s: %w", paymentID, err)
		}

		_, err = tx.NewUpdate().
			Model((*models.Reservation)(nil)).
			Set("status = ?", models.ReservationPaid).
			Set("payment_id = ?", paymentID).
			Where("id = ?", res.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark reservation paid: %w", err)
		}

		_, err = tx.NewUpdate().
			Model((*models.Slot)(nil)).
			Set("state = ?", models.SlotSold).
			Where("reservation_id = ?", res.ID).
			Where("state = ?", models.SlotReserved).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to flip slots to sold: %w", err)
		}

		sold, err := tx.NewSelect().
			Model((*models.Slot)(nil)).
			Where("draw_id = ?", res.DrawID).
			Where("state = ?", models.SlotSold).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("failed to count sold slots: %w", err)
		}
		if sold < models.SlotsPerDraw {
			return nil
		}

		// Sell-out: close this draw and open the next one with a fresh
		// inventory inside the same transaction.
		_, err = tx.NewUpdate().
			Model((*models.Draw)(nil)).
			Set("status = ?", models.DrawStatusClosed).
			Set("closed_at = ?", now).
			Where("id = ?", res.DrawID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to close draw %s: %w", res.DrawID, err)
		}
		closedDraw = &models.Draw{ID: res.DrawID}
		newDraw, err = inventory.CreateDrawTx(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to open successor draw: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleReservation) {
			s.Log.Warn("SETTLEMENT", fmt.Sprintf("Stale settlement for reservation %s (payment %s), flagged for reconciliation", reservationID, paymentID))
		}
		return nil, err
	}
	if alreadySettled {
		return payment, nil
	}

	s.Log.Info("SETTLEMENT", fmt.Sprintf("Settled payment %s for reservation %s (%d numbers)", paymentID, reservationID, len(payment.Numbers)))
	if s.Events != nil {
		if err := s.Events.PublishPaymentSettled(models.EngineEvent{
			Type:          "payment_settled",
			DrawID:        payment.DrawID,
			ReservationID: reservationID,
			PaymentID:     payment.ID,
			Numbers:       payment.Numbers,
			Timestamp:     time.Now(),
		}); err != nil {
			s.Log.Warn("SETTLEMENT", fmt.Sprintf("Kafka publish error (payment settled): %v", err))
		}
		if closedDraw != nil {
			if err := s.Events.PublishDrawClosed(models.EngineEvent{
				Type:      "draw_closed",
				DrawID:    closedDraw.ID,
				Timestamp: time.Now(),
			}); err != nil {
				s.Log.Warn("SETTLEMENT", fmt.Sprintf("Kafka publish error (draw closed): %v", err))
			}
		}
	}
	if newDraw != nil {
		s.Log.Info("SETTLEMENT", fmt.Sprintf("Draw %s sold out, opened successor draw %s", payment.DrawID, newDraw.ID))
	}
	return payment, nil
}
