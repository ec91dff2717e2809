package domain

import "time"

// ProcessingStatus tracks a ledger entry through processing.
type ProcessingStatus string

const (
	ProcessingReceived   ProcessingStatus = "RECEIVED"
	ProcessingInProgress ProcessingStatus = "PROCESSING"
	ProcessingCompleted  ProcessingStatus = "COMPLETED"
	ProcessingFailed     ProcessingStatus = "FAILED"
	ProcessingDuplicate  ProcessingStatus = "DUPLICATE"
)

// WebhookKind identifies which gateway notification endpoint received an event.
type WebhookKind string

const (
	WebhookPayment      WebhookKind = "payment"
	WebhookVerification WebhookKind = "threeds"
	WebhookRefund       WebhookKind = "refund"
	WebhookCard         WebhookKind = "card"
)

// Valid reports whether k is a known kind.
func (k WebhookKind) Valid() bool {
	switch k {
	case WebhookPayment, WebhookVerification, WebhookRefund, WebhookCard:
		return true
	}
	return false
}

// WebhookEvent is an Event Ledger record. EventID is globally unique.
type WebhookEvent struct {
	ID                   string           `json:"id"`
	EventID              string           `json:"event_id"`
	Kind                 WebhookKind      `json:"kind"`
	EventType            string           `json:"event_type"`
	Payload              []byte           `json:"-"`
	ProcessingStatus     ProcessingStatus `json:"processing_status"`
	ProcessingTimeMillis *int64           `json:"processing_time_ms,omitempty"`
	ErrorMessage         *string          `json:"error_message,omitempty"`
	Synthesized          bool             `json:"synthesized"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}
