package models

import (
	"time"
)

type FamilyRole string

const (
	RoleParent FamilyRole = "parent"
	RoleChild  FamilyRole = "child"
)

// FamilyGroup is the canonical relationship model: a parent owns a group,
// children join it. A child belongs to at most one group (enforced by a
// unique constraint on family_members.account_id).
type FamilyGroup struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	OwnerAccount string    `json:"owner_account" db:"owner_account"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type FamilyMember struct {
	GroupID   string     `json:"group_id" db:"group_id"`
	AccountID string     `json:"account_id" db:"account_id"`
	Role      FamilyRole `json:"role" db:"role"`
	JoinedAt  time.Time  `json:"joined_at" db:"joined_at"`
}
