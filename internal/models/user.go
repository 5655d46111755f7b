package models

import "time"

type User struct {
	ID        int    `json:"id" example:"1"`                   // User ID
	Email     string `json:"email" example:"user@example.com"` // User email
	FirstName string `json:"FirstName" example:"Aisha"`        // User first name
	LastName  string `json:"LastName" example:"Bello"`         // User last name
	AccountID string `json:"AccountId"`                        // Credit account ID
	Role      string `json:"role" example:"parent"`            // parent, student or tutor
	LastLogin *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
