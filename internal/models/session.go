package models

import "time"

// SessionNote is a tutor's dictated summary of a tutoring session, stored
// once transcribed.
type SessionNote struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	SessionID    string    `json:"session_id"`
	Transcript   string    `json:"transcript"`
	Confidence   float32   `json:"confidence"`
	LanguageCode string    `json:"language_code"`
	CreatedAt    time.Time `json:"created_at"`
}
