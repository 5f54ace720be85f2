package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AutopayProfile is a subscriber's standing instruction. Profiles are
// created and edited elsewhere; the orchestrator only reads them.
type AutopayProfile struct {
	bun.BaseModel `bun:"table:autopay_profiles"`

	ID              string    `bun:"id,pk" json:"id"`
	OwnerID         string    `bun:"owner_id,notnull" json:"owner_id"`
	DesiredNumbers  []int     `bun:"desired_numbers" json:"desired_numbers"`
	Active          bool      `bun:"active" json:"active"`
	PaymentMethodID string    `bun:"payment_method_id,nullzero" json:"payment_method_id,omitempty"`
	CreatedAt       time.Time `bun:"created_at,notnull" json:"created_at"`
}

const (
	RunAttempt     = "attempt"
	RunReserved    = "reserved"
	RunBilled      = "billed"
	RunCharged     = "charged"
	RunChargedOK   = "charged_ok"
	RunChargedFail = "charged_fail"
	RunSkipped     = "skipped"
)

// AutopayRun is one audit row per orchestration attempt for a
// (profile, draw) pair. Append-then-update, never deleted. A charged_ok
// row makes re-runs of the same draw skip the profile.
type AutopayRun struct {
	bun.BaseModel `bun:"table:autopay_runs"`

	ID              string    `bun:"id,pk" json:"id"`
	ProfileID       string    `bun:"profile_id,notnull" json:"profile_id"`
	OwnerID         string    `bun:"owner_id,notnull" json:"owner_id"`
	DrawID          string    `bun:"draw_id,notnull" json:"draw_id"`
	TriedNumbers    []int     `bun:"tried_numbers" json:"tried_numbers"`
	ReservedNumbers []int     `bun:"reserved_numbers" json:"reserved_numbers,omitempty"`
	Amount          float64   `bun:"amount" json:"amount"`
	Status          string    `bun:"status,notnull" json:"status"`
	ReservationID   string    `bun:"reservation_id,nullzero" json:"reservation_id,omitempty"`
	PaymentID       string    `bun:"payment_id,nullzero" json:"payment_id,omitempty"`
	ProviderRef     string    `bun:"provider_ref,nullzero" json:"provider_ref,omitempty"`
	Error           string    `bun:"error,nullzero" json:"error,omitempty"`
	CreatedAt       time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// RunOutcome is the per-profile result returned by an orchestration run.
type RunOutcome struct {
	ProfileID string `json:"profile_id"`
	Status    string `json:"status"`
	Numbers   []int  `json:"numbers,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunSummary aggregates one orchestration run over a draw.
type RunSummary struct {
	DrawID   string       `json:"draw_id"`
	Eligible int          `json:"eligible"`
	Charged  int          `json:"charged"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Outcomes []RunOutcome `json:"outcomes"`
}
