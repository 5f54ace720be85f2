package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-raffle/internal/logger"
)

// StripeClient charges saved payment methods off-session through Stripe
// payment intents.
type StripeClient struct {
	client *client.API
	log    *logger.Logger
}

func NewStripeClient(log *logger.Logger) (*StripeClient, error) {
	stripeKey := os.Getenv("STRIPE_SECRET_KEY")
	if stripeKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrClientInitFailed
	}

	sc := client.New(stripeKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeClient{client: sc, log: log}, nil
}

// Charge confirms a payment intent against the stored payment method.
// The idempotency key ties retries to the same intent on Stripe's side.
func (s *StripeClient) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("invalid charge amount: %.2f", req.Amount)
	}
	if req.PaymentMethodID == "" {
		return nil, fmt.Errorf("%w: no payment method on file", ErrChargeFailed)
	}

	amountInCents := int64(req.Amount * 100)
	metadata := map[string]string{"owner_id": req.OwnerID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amountInCents),
		Currency:           stripe.String(req.Currency),
		PaymentMethod:      stripe.String(req.PaymentMethodID),
		Description:        stripe.String(req.Description),
		Metadata:           metadata,
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
		PaymentMethodTypes: []*string{stripe.String("card")},
	}
	piParams.Context = ctx
	if req.IdempotencyKey != "" {
		piParams.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Creating payment intent for owner %s, amount: %.2f %s", req.OwnerID, req.Amount, req.Currency))
	pi, err := s.client.PaymentIntents.New(piParams)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.log.Error("STRIPE", fmt.Sprintf("Payment intent timed out for owner %s (idempotency key %s): %v", req.OwnerID, req.IdempotencyKey, err))
			return nil, fmt.Errorf("%w: %v", ErrChargeTimeout, err)
		}
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			s.log.Warn("STRIPE", fmt.Sprintf("Card declined for owner %s: %v", req.OwnerID, stripeErr.Msg))
			return &ChargeResult{Status: ChargeRejected}, fmt.Errorf("%w: %s", ErrChargeFailed, stripeErr.Msg)
		}
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrChargeFailed, err)
	}

	result := resultFromIntent(pi)
	s.log.Info("STRIPE", fmt.Sprintf("Payment intent %s status: %s", pi.ID, pi.Status))
	if result.Status == ChargeRejected {
		return result, fmt.Errorf("%w: intent status %s", ErrChargeFailed, pi.Status)
	}
	return result, nil
}

// Refund returns captured funds for a charge. Only called after the capture
// was confirmed, either by the charge response or a Status lookup.
func (s *StripeClient) Refund(ctx context.Context, correlationID string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(correlationID),
	}
	params.Context = ctx
	refund, err := s.client.Refunds.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Refund failed for intent %s: %v", correlationID, err))
		return fmt.Errorf("refund failed for %s: %w", correlationID, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Refund %s issued for intent %s", refund.ID, correlationID))
	return nil
}

// Cancel voids an intent that never reached capture.
func (s *StripeClient) Cancel(ctx context.Context, correlationID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.client.PaymentIntents.Cancel(correlationID, params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Cancel failed for intent %s: %v", correlationID, err))
		return fmt.Errorf("cancel failed for %s: %w", correlationID, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Canceled intent %s", correlationID))
	return nil
}

// Status queries the provider for the current outcome of a charge. Used to
// resolve timeouts before choosing between refund and cancel.
func (s *StripeClient) Status(ctx context.Context, correlationID string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.client.PaymentIntents.Get(correlationID, params)
	if err != nil {
		return nil, fmt.Errorf("status lookup failed for %s: %w", correlationID, err)
	}
	return resultFromIntent(pi), nil
}

func resultFromIntent(pi *stripe.PaymentIntent) *ChargeResult {
	result := &ChargeResult{CorrelationID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = ChargeApproved
		result.Captured = true
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction:
		result.Status = ChargePending
	default:
		result.Status = ChargeRejected
	}
	return result
}
