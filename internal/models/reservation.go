package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ReservationActive  = "active"
	ReservationPaid    = "paid"
	ReservationExpired = "expired"
)

// Reservation is a time-bounded hold over a set of numbers in one draw.
// Rows are never deleted; expired reservations stay behind as audit trail.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID        string    `bun:"id,pk" json:"id"`
	OwnerID   string    `bun:"owner_id,notnull" json:"owner_id"`
	DrawID    string    `bun:"draw_id,notnull" json:"draw_id"`
	Numbers   []int     `bun:"numbers" json:"numbers"`
	Status    string    `bun:"status,notnull" json:"status"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt time.Time `bun:"expires_at,notnull" json:"expires_at"`
	PaymentID string    `bun:"payment_id,nullzero" json:"payment_id,omitempty"`
}

// Expired reports whether the hold's ttl has elapsed at the given instant.
func (r *Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationActive && now.After(r.ExpiresAt)
}

type ReservationRequest struct {
	OwnerID string `json:"owner_id"`
	Numbers []int  `json:"numbers"`
}

type ReservationResponse struct {
	ReservationID string    `json:"reservation_id"`
	DrawID        string    `json:"draw_id"`
	Numbers       []int     `json:"numbers"`
	ExpiresAt     time.Time `json:"expires_at"`
}
