package models

import "time"

// EngineEvent is the envelope streamed to Kafka on allocation and
// settlement state transitions.
type EngineEvent struct {
	Type          string    `json:"type"`
	DrawID        string    `json:"draw_id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	Numbers       []int     `json:"numbers,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
