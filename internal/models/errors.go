package models

import "errors"

var (
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrInvalidState          = errors.New("illegal state transition")
	ErrInvalidDelta          = errors.New("delta would underflow balance")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrNotFound              = errors.New("not found")
	ErrBusy                  = errors.New("account busy, retry later")
	// ErrDuplicateEvent marks an idempotent replay. Callers treat it as
	// success and return the prior result.
	ErrDuplicateEvent = errors.New("event already processed")
)
