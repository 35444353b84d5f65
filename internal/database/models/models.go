package models

import "time"

// Call event kinds stored in the journal.
const (
	CallEventBDial    = "b_dial"
	CallEventTransfer = "transfer"
)

// CallEvent is one journaled call event: a B dial or a transfer.
// The redirector fields are only populated for transfers.
type CallEvent struct {
	ID               int64     `json:"id"`
	EventID          string    `json:"event_id"` // UUID assigned at emission
	Kind             string    `json:"kind"`
	OccurredAt       time.Time `json:"occurred_at"`
	RedirectorCode   int       `json:"redirector_code,omitempty"`
	RedirectorName   string    `json:"redirector_name,omitempty"`
	RedirectorNumber string    `json:"redirector_number,omitempty"`
	CallerCode       int       `json:"caller_code"`
	CallerName       string    `json:"caller_name"`
	CallerNumber     string    `json:"caller_number"`
	CalleeCode       int       `json:"callee_code"`
	CalleeName       string    `json:"callee_name"`
	CalleeNumber     string    `json:"callee_number"`
}
