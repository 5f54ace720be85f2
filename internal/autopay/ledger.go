package autopay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
)

// Ledger is the append-then-update audit trail of orchestration attempts.
// Every write commits on its own connection, outside the business
// transactions, so the trail survives any rollback of the step it records.
type Ledger struct {
	Bun *bun.DB
	Log *logger.Logger
}

func NewLedger(b *bun.DB, log *logger.Logger) *Ledger {
	return &Ledger{Bun: b, Log: log}
}

// Begin appends the attempt row for one (profile, draw) pair. The row
// exists before any reservation or provider call is made.
func (l *Ledger) Begin(ctx context.Context, profile *models.AutopayProfile, drawID string) (*models.AutopayRun, error) {
	run := &models.AutopayRun{
		ID:           uuid.NewString(),
		ProfileID:    profile.ID,
		OwnerID:      profile.OwnerID,
		DrawID:       drawID,
		TriedNumbers: profile.DesiredNumbers,
		Status:       models.RunAttempt,
		CreatedAt:    time.Now(),
	}
	if _, err := l.Bun.NewInsert().Model(run).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to append run row for profile %s: %w", profile.ID, err)
	}
	l.Log.LogSaga("BEGIN", run.ID, fmt.Sprintf("profile %s trying %v in draw %s", profile.ID, profile.DesiredNumbers, drawID))
	return run, nil
}

// MarkReserved records the granted hold before the charge is attempted.
func (l *Ledger) MarkReserved(ctx context.Context, run *models.AutopayRun, reservationID string, numbers []int) error {
	run.Status = models.RunReserved
	run.ReservationID = reservationID
	run.ReservedNumbers = numbers
	return l.update(ctx, run, "status", "reservation_id", "reserved_numbers")
}

// MarkBilled records the amount about to be charged.
func (l *Ledger) MarkBilled(ctx context.Context, run *models.AutopayRun, amount float64) error {
	run.Status = models.RunBilled
	run.Amount = amount
	return l.update(ctx, run, "status", "amount")
}

// MarkCharged records the provider's charge reference the moment the
// charge is confirmed, before settlement runs. A crash after this point
// leaves enough on disk to reconcile the money.
func (l *Ledger) MarkCharged(ctx context.Context, run *models.AutopayRun, providerRef string) error {
	run.Status = models.RunCharged
	run.ProviderRef = providerRef
	return l.update(ctx, run, "status", "provider_ref")
}

// MarkChargedOK is the terminal success state. Its presence is what makes
// a re-run of the same draw skip this profile.
func (l *Ledger) MarkChargedOK(ctx context.Context, run *models.AutopayRun, paymentID string) error {
	run.Status = models.RunChargedOK
	run.PaymentID = paymentID
	return l.update(ctx, run, "status", "payment_id")
}

// MarkFailed is the terminal failure state, recorded after compensation.
func (l *Ledger) MarkFailed(ctx context.Context, run *models.AutopayRun, cause string) error {
	run.Status = models.RunChargedFail
	run.Error = cause
	return l.update(ctx, run, "status", "error")
}

// MarkSkipped is the terminal state for a profile whose desired numbers
// were all taken. Not a failure; the profile is retried on the next run.
func (l *Ledger) MarkSkipped(ctx context.Context, run *models.AutopayRun, reason string) error {
	run.Status = models.RunSkipped
	run.Error = reason
	return l.update(ctx, run, "status", "error")
}

// HasChargedOK reports whether the profile already holds a successful
// charge for the draw.
func (l *Ledger) HasChargedOK(ctx context.Context, profileID, drawID string) (bool, error) {
	return l.Bun.NewSelect().
		Model((*models.AutopayRun)(nil)).
		Where("profile_id = ?", profileID).
		Where("draw_id = ?", drawID).
		Where("status = ?", models.RunChargedOK).
		Exists(ctx)
}

// RunsForDraw lists the audit rows of one draw, oldest first.
func (l *Ledger) RunsForDraw(ctx context.Context, drawID string) ([]models.AutopayRun, error) {
	var runs []models.AutopayRun
	err := l.Bun.NewSelect().
		Model(&runs).
		Where("draw_id = ?", drawID).
		Order("created_at ASC").
		Scan(ctx)
	return runs, err
}

func (l *Ledger) update(ctx context.Context, run *models.AutopayRun, columns ...string) error {
	run.UpdatedAt = time.Now()
	columns = append(columns, "updated_at")
	_, err := l.Bun.NewUpdate().
		Model(run).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update run %s to %s: %w", run.ID, run.Status, err)
	}
	l.Log.LogSaga("UPDATE", run.ID, "status "+run.Status)
	return nil
}
