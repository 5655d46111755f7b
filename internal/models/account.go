package models

import (
	"time"
)

// EntryKind is the closed set of ledger entry kinds. Values arriving on any
// boundary are validated against this set before they reach the ledger.
type EntryKind string

const (
	EntryTopup              EntryKind = "topup"
	EntryPurchase           EntryKind = "purchase"
	EntryTransferIn         EntryKind = "transfer_in"
	EntryTransferOut        EntryKind = "transfer_out"
	EntryTaskReward         EntryKind = "task_reward"
	EntryReservationHold    EntryKind = "reservation_hold"
	EntryReservationRelease EntryKind = "reservation_release"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryTopup, EntryPurchase, EntryTransferIn, EntryTransferOut,
		EntryTaskReward, EntryReservationHold, EntryReservationRelease:
		return true
	}
	return false
}

// Account holds a user's credit balance in minor units (cents). Balance and
// Reserved are materialized from ledger entries and are never written outside
// a ledger mutation.
type Account struct {
	ID        string    `json:"id" db:"id"`
	UserID    int       `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Reserved  int64     `json:"reserved" db:"reserved"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Available is the balance not currently held by a reservation.
func (a *Account) Available() int64 {
	return a.Balance - a.Reserved
}

// LedgerEntry is an immutable balance-affecting record. ExternalRef, when
// set, is the idempotency key: at most one entry per (account, external_ref).
type LedgerEntry struct {
	ID          string    `json:"id" db:"id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	Delta       int64     `json:"delta" db:"delta"` // in cents
	Kind        EntryKind `json:"kind" db:"kind"`
	ExternalRef *string   `json:"external_ref,omitempty" db:"external_ref"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
