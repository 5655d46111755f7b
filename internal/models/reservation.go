package models

import (
	"time"
)

type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationReleased ReservationStatus = "released"
	ReservationCaptured ReservationStatus = "captured"
)

// Reservation is a hold against available balance pending capture or release.
// Released and captured are terminal; exactly one of the two may ever apply.
type Reservation struct {
	ID         string            `json:"id" db:"id"`
	AccountID  string            `json:"account_id" db:"account_id"`
	Amount     int64             `json:"amount" db:"amount"`
	Status     ReservationStatus `json:"status" db:"status"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
}
