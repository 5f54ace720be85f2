package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	DrawStatusOpen   = "open"
	DrawStatusClosed = "closed"
)

// SlotsPerDraw is the fixed inventory size of one selling round.
const SlotsPerDraw = 100

type Draw struct {
	bun.BaseModel `bun:"table:draws"`

	ID               string    `bun:"id,pk" json:"id"`
	Status           string    `bun:"status,notnull" json:"status"`
	OpenedAt         time.Time `bun:"opened_at,notnull" json:"opened_at"`
	ClosedAt         time.Time `bun:"closed_at,nullzero" json:"closed_at,omitempty"`
	RealizedAt       time.Time `bun:"realized_at,nullzero" json:"realized_at,omitempty"`
	WinningNumber    *int      `bun:"winning_number" json:"winning_number,omitempty"`
	AutopayProcessed bool      `bun:"autopay_processed" json:"autopay_processed"`
}

const (
	SlotAvailable = "available"
	SlotReserved  = "reserved"
	SlotSold      = "sold"
)

// Slot is one number (0..99) of a draw. State moves available -> reserved -> sold,
// or reserved -> available when the owning reservation is reclaimed.
type Slot struct {
	bun.BaseModel `bun:"table:slots"`

	ID            int64  `bun:"id,pk,autoincrement" json:"-"`
	DrawID        string `bun:"draw_id,notnull" json:"draw_id"`
	Number        int    `bun:"number,notnull" json:"number"`
	State         string `bun:"state,notnull" json:"state"`
	ReservationID string `bun:"reservation_id,nullzero" json:"reservation_id,omitempty"`
}

// SlotView is the externally visible state of one number, with expired
// holds already overlaid as available.
type SlotView struct {
	Number        int    `json:"number"`
	State         string `json:"state"`
	ReservationID string `json:"reservation_id,omitempty"`
}
