package models

import (
	"time"
)

// PaymentEvent is an inbound payment-processor webhook event. ID is the
// processor's event id and doubles as the settlement idempotency key.
type PaymentEvent struct {
	ID       string        `json:"id" validate:"required"`
	Type     string        `json:"type" validate:"required"`
	Amount   int64         `json:"amount" validate:"gte=0"`
	Currency string        `json:"currency" validate:"omitempty,len=3"`
	Metadata EventMetadata `json:"metadata"`
}

type EventMetadata struct {
	OrderID   string `json:"order_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// ReconciliationException records an event that could not be correlated to
// an order. It is kept for manual review instead of being retried blindly.
type ReconciliationException struct {
	ID        int       `json:"id" db:"id"`
	EventID   string    `json:"event_id" db:"event_id"`
	EventType string    `json:"event_type" db:"event_type"`
	Reason    string    `json:"reason" db:"reason"`
	Payload   []byte    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
