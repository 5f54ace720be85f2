package gateway

import (
	"context"
	"errors"
)

var (
	// ErrChargeFailed means the provider definitively declined the charge.
	// No funds moved; compensation only has to release the hold.
	ErrChargeFailed = errors.New("charge declined by payment provider")
	// ErrChargeTimeout means the charge outcome is unknown. The caller must
	// query Status before deciding between refund and cancel.
	ErrChargeTimeout = errors.New("charge timed out with unknown outcome")
	// ErrClientInitFailed means the provider client could not be constructed.
	ErrClientInitFailed = errors.New("failed to initialize payment gateway client")
)

type ChargeStatus string

const (
	ChargeApproved ChargeStatus = "approved"
	ChargeRejected ChargeStatus = "rejected"
	ChargePending  ChargeStatus = "pending"
)

type ChargeRequest struct {
	// IdempotencyKey makes provider-side retries safe. The autopay saga
	// derives it from the draw and profile ids so a crashed run retried
	// later never double-charges.
	IdempotencyKey  string
	OwnerID         string
	PaymentMethodID string
	Amount          float64
	Currency        string
	Description     string
	Metadata        map[string]string
}

type ChargeResult struct {
	Status ChargeStatus
	// CorrelationID is the provider's charge reference. Settlement derives
	// the payment id from it, which is what makes settle idempotent.
	CorrelationID string
	Captured      bool
}

// Client is the payment provider surface the engine depends on. The saga
// compensation rules hinge on it: Refund only after a confirmed capture,
// Cancel when the capture never happened.
type Client interface {
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, correlationID string) error
	Cancel(ctx context.Context, correlationID string) error
	Status(ctx context.Context, correlationID string) (*ChargeResult, error)
}
