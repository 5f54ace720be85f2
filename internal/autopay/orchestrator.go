package autopay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-raffle/internal/gateway"
	"ms-raffle/internal/inventory"
	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
	"ms-raffle/internal/pricing"
	"ms-raffle/internal/reservation"
)

var (
	// ErrDrawLocked means another orchestration run holds the draw lock.
	ErrDrawLocked = errors.New("autopay run already in progress for this draw")
	// ErrDrawNotOpen means the draw is closed; no new inventory may be sold.
	ErrDrawNotOpen = errors.New("draw is not open for autopay")
	// ErrDrawProcessed means a finished run already marked the draw.
	ErrDrawProcessed = errors.New("draw already autopay-processed")
)

// LockManager serializes orchestration runs per draw.
type LockManager interface {
	AcquireDrawLock(ctx context.Context, drawID, runnerID string) (bool, error)
	ReleaseDrawLock(ctx context.Context, drawID, runnerID string) error
}

// Settler is the settlement surface the saga finishes through.
type Settler interface {
	Settle(ctx context.Context, reservationID, correlationID string, amount float64) (*models.Payment, error)
}

// Orchestrator walks every active autopay profile through the
// reserve, charge, settle saga for one draw. Each step is journaled to the
// ledger before the next external call, and every failure path compensates:
// the hold is released, and money moves back only when a capture was
// confirmed.
type Orchestrator struct {
	Bun          *bun.DB
	Log          *logger.Logger
	Inventory    *inventory.Store
	Reservations *reservation.Manager
	Settlement   Settler
	Gateway      gateway.Client
	Pricing      *pricing.Service
	Lock         LockManager
	Ledger       *Ledger
}

func NewOrchestrator(
	b *bun.DB,
	log *logger.Logger,
	inv *inventory.Store,
	res *reservation.Manager,
	settle Settler,
	gw gateway.Client,
	price *pricing.Service,
	lock LockManager,
	ledger *Ledger,
) *Orchestrator {
	return &Orchestrator{
		Bun:          b,
		Log:          log,
		Inventory:    inv,
		Reservations: res,
		Settlement:   settle,
		Gateway:      gw,
		Pricing:      price,
		Lock:         lock,
		Ledger:       ledger,
	}
}

// Run processes all eligible profiles for the draw. Safe to call again
// after a crash: profiles with a successful charge on record are skipped,
// and the draw lock keeps concurrent runs out entirely.
func (o *Orchestrator) Run(ctx context.Context, drawID string) (*models.RunSummary, error) {
	draw, err := o.Inventory.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}
	// Charging against a closed draw would sell inventory in a dead round,
	// a processed draw already had its run.
	if draw.Status != models.DrawStatusOpen {
		return nil, ErrDrawNotOpen
	}
	if draw.AutopayProcessed {
		return nil, ErrDrawProcessed
	}

	runnerID := uuid.NewString()
	acquired, err := o.Lock.AcquireDrawLock(ctx, drawID, runnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire draw lock: %w", err)
	}
	if !acquired {
		return nil, ErrDrawLocked
	}
	defer func() {
		if err := o.Lock.ReleaseDrawLock(context.Background(), drawID, runnerID); err != nil {
			o.Log.Warn("AUTOPAY", fmt.Sprintf("Failed to release draw lock for %s: %v", drawID, err))
		}
	}()

	if err := o.Inventory.EnsureSlots(ctx, draw.ID); err != nil {
		return nil, err
	}

	profiles, err := o.eligibleProfiles(ctx, draw.ID)
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{DrawID: draw.ID, Eligible: len(profiles)}
	o.Log.Info("AUTOPAY", fmt.Sprintf("Processing %d eligible profiles for draw %s", len(profiles), draw.ID))

	for i := range profiles {
		outcome := o.processProfile(ctx, &profiles[i], draw.ID)
		summary.Outcomes = append(summary.Outcomes, outcome)
		switch outcome.Status {
		case models.RunChargedOK:
			summary.Charged++
		case models.RunSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	if summary.Eligible > 0 {
		if err := o.Inventory.MarkAutopayProcessed(ctx, draw.ID); err != nil {
			o.Log.Warn("AUTOPAY", fmt.Sprintf("Failed to flag draw %s as processed: %v", draw.ID, err))
		}
	}

	o.Log.Info("AUTOPAY", fmt.Sprintf("Draw %s run complete: %d charged, %d skipped, %d failed",
		draw.ID, summary.Charged, summary.Skipped, summary.Failed))
	return summary, nil
}

// eligibleProfiles returns active profiles with desired numbers that do not
// yet hold a successful charge for the draw.
func (o *Orchestrator) eligibleProfiles(ctx context.Context, drawID string) ([]models.AutopayProfile, error) {
	var profiles []models.AutopayProfile
	err := o.Bun.NewSelect().
		Model(&profiles).
		Where("active = ?", true).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list autopay profiles: %w", err)
	}

	eligible := profiles[:0]
	for _, p := range profiles {
		if len(p.DesiredNumbers) == 0 || p.PaymentMethodID == "" {
			continue
		}
		done, err := o.Ledger.HasChargedOK(ctx, p.ID, drawID)
		if err != nil {
			return nil, err
		}
		if !done {
			eligible = append(eligible, p)
		}
	}
	return eligible, nil
}

// processProfile runs one profile's saga. Never returns an error; every
// path ends in a terminal ledger state that the outcome mirrors.
func (o *Orchestrator) processProfile(ctx context.Context, profile *models.AutopayProfile, drawID string) models.RunOutcome {
	outcome := models.RunOutcome{ProfileID: profile.ID}

	run, err := o.Ledger.Begin(ctx, profile, drawID)
	if err != nil {
		// Without the attempt row there is no audit trail to hang the saga
		// on, so nothing else is attempted either.
		o.Log.Error("AUTOPAY", fmt.Sprintf("Ledger append failed for profile %s: %v", profile.ID, err))
		outcome.Status = models.RunChargedFail
		outcome.Error = err.Error()
		return outcome
	}

	granted, res, err := o.Reservations.ReserveAvailable(ctx, drawID, profile.OwnerID, profile.DesiredNumbers)
	if err != nil {
		o.fail(ctx, run, &outcome, fmt.Sprintf("reserve failed: %v", err))
		return outcome
	}
	if res == nil {
		if err := o.Ledger.MarkSkipped(ctx, run, "no desired numbers available"); err != nil {
			o.Log.Warn("AUTOPAY", fmt.Sprintf("Ledger update failed for run %s: %v", run.ID, err))
		}
		outcome.Status = models.RunSkipped
		return outcome
	}
	if err := o.Ledger.MarkReserved(ctx, run, res.ID, granted); err != nil {
		o.compensate(ctx, run, res.ID, nil)
		o.fail(ctx, run, &outcome, fmt.Sprintf("ledger write failed: %v", err))
		return outcome
	}
	outcome.Numbers = granted

	amount, currency := o.Pricing.Quote(ctx, len(granted))
	if err := o.Ledger.MarkBilled(ctx, run, amount); err != nil {
		o.compensate(ctx, run, res.ID, nil)
		o.fail(ctx, run, &outcome, fmt.Sprintf("ledger write failed: %v", err))
		return outcome
	}

	// The key is stable across re-runs of the same (draw, profile) pair, so
	// a crashed run retried later lands on the same provider-side charge.
	result, err := o.Gateway.Charge(ctx, &gateway.ChargeRequest{
		IdempotencyKey:  chargeIdempotencyKey(drawID, profile.ID),
		OwnerID:         profile.OwnerID,
		PaymentMethodID: profile.PaymentMethodID,
		Amount:          amount,
		Currency:        currency,
		Description:     fmt.Sprintf("raffle numbers %v", granted),
		Metadata:        map[string]string{"run_id": run.ID, "draw_id": drawID},
	})
	if err != nil || result == nil || result.Status != gateway.ChargeApproved {
		o.compensate(ctx, run, res.ID, result)
		cause := "charge not approved"
		if err != nil {
			cause = err.Error()
		}
		o.fail(ctx, run, &outcome, cause)
		return outcome
	}
	if err := o.Ledger.MarkCharged(ctx, run, result.CorrelationID); err != nil {
		o.compensate(ctx, run, res.ID, result)
		o.fail(ctx, run, &outcome, fmt.Sprintf("ledger write failed: %v", err))
		return outcome
	}

	payment, err := o.Settlement.Settle(ctx, res.ID, result.CorrelationID, amount)
	if err != nil {
		o.compensate(ctx, run, res.ID, result)
		o.fail(ctx, run, &outcome, fmt.Sprintf("settle failed: %v", err))
		return outcome
	}

	if err := o.Ledger.MarkChargedOK(ctx, run, payment.ID); err != nil {
		// The sale is final; a lost terminal write only risks one duplicate
		// attempt on re-run, which the settle no-op absorbs.
		o.Log.Warn("AUTOPAY", fmt.Sprintf("Ledger update failed for run %s: %v", run.ID, err))
	}
	outcome.Status = models.RunChargedOK
	outcome.PaymentID = payment.ID
	return outcome
}

// compensate undoes the side effects of a failed saga step. The hold is
// released, and provider money is touched only when a charge reference
// exists: refund when the capture is confirmed, cancel otherwise. When the
// outcome is unknown the provider is asked first.
func (o *Orchestrator) compensate(ctx context.Context, run *models.AutopayRun, reservationID string, result *gateway.ChargeResult) {
	if reservationID != "" {
		if err := o.Reservations.Release(ctx, reservationID); err != nil {
			o.Log.Error("AUTOPAY", fmt.Sprintf("Compensation release failed for run %s: %v", run.ID, err))
		}
	}

	if result == nil || result.CorrelationID == "" {
		if run.Status == models.RunBilled {
			// A charge was attempted but no reference came back. An intent
			// that captured anyway is only reachable on the provider side
			// through the idempotency key.
			o.Log.Warn("AUTOPAY", fmt.Sprintf("No charge reference for run %s, reconcile with provider via idempotency key %s",
				run.ID, chargeIdempotencyKey(run.DrawID, run.ProfileID)))
		}
		return
	}

	captured := result.Captured
	if !captured && result.Status == gateway.ChargePending {
		current, err := o.Gateway.Status(ctx, result.CorrelationID)
		if err != nil {
			o.Log.Error("AUTOPAY", fmt.Sprintf("Compensation status lookup failed for run %s (%s): %v", run.ID, result.CorrelationID, err))
		} else {
			captured = current.Captured
		}
	}

	if captured {
		if err := o.Gateway.Refund(ctx, result.CorrelationID); err != nil {
			o.Log.Error("AUTOPAY", fmt.Sprintf("Compensation refund failed for run %s (%s): %v", run.ID, result.CorrelationID, err))
		}
		return
	}
	if err := o.Gateway.Cancel(ctx, result.CorrelationID); err != nil {
		o.Log.Error("AUTOPAY", fmt.Sprintf("Compensation cancel failed for run %s (%s): %v", run.ID, result.CorrelationID, err))
	}
}

// chargeIdempotencyKey is stable per (draw, profile) so retries of the same
// attempt land on the same provider-side charge.
func chargeIdempotencyKey(drawID, profileID string) string {
	return fmt.Sprintf("autopay_%s_%s", drawID, profileID)
}

func (o *Orchestrator) fail(ctx context.Context, run *models.AutopayRun, outcome *models.RunOutcome, cause string) {
	if err := o.Ledger.MarkFailed(ctx, run, cause); err != nil {
		o.Log.Warn("AUTOPAY", fmt.Sprintf("Ledger update failed for run %s: %v", run.ID, err))
	}
	outcome.Status = models.RunChargedFail
	outcome.Error = cause
}
