package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentCanceled PaymentStatus = "canceled"
)

// Payment records money received (or attempted) for a set of numbers.
// Autopay payments use a deterministic id derived from the provider
// correlation id so settlement retries upsert instead of duplicating.
type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID          string        `bun:"id,pk" json:"id"`
	OwnerID     string        `bun:"owner_id,notnull" json:"owner_id"`
	DrawID      string        `bun:"draw_id,notnull" json:"draw_id"`
	Numbers     []int         `bun:"numbers" json:"numbers"`
	Amount      float64       `bun:"amount,notnull" json:"amount"`
	Status      PaymentStatus `bun:"status,notnull" json:"status"`
	ProviderRef string        `bun:"provider_ref,nullzero" json:"provider_ref,omitempty"`
	CreatedAt   time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time     `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// PaymentID derives the deterministic payment id for a provider charge.
func PaymentID(providerRef string) string {
	return "pay_" + providerRef
}

// SettleRequest is the input of the settlement trigger, used by both the
// synchronous post-charge check and the async provider callback.
type SettleRequest struct {
	ReservationID string `json:"reservation_id"`
	CorrelationID string `json:"correlation_id"`
}

// CallbackEvent is the payload of the asynchronous payment confirmation.
// Delivery is at-least-once, so processing must be idempotent.
type CallbackEvent struct {
	CorrelationID string `json:"correlation_id"`
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
}
