package userstore

import (
	"context"
	"errors"
	"time"
)

// Role represents a high level capability within the service.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Status captures whether a user is active or suspended.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var ErrNotFound = errors.New("userstore: user not found")

// User is the owner of tasks, ledger accounts and redemptions.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	Entitlements  []string  `json:"entitlements"`
	ArtifactCount int64     `json:"artifactCount"`
	ConceptCount  int64     `json:"conceptCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasEntitlement reports whether flag was granted to the user.
func (u User) HasEntitlement(flag string) bool {
	for _, f := range u.Entitlements {
		if f == flag {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user may call administrative operations.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin && u.Status == StatusActive
}

// Store persists users and their entitlement flags.
//
// GrantEntitlement is conditional: it returns false when the flag was
// already present.
type Store interface {
	GetUser(ctx context.Context, id string) (User, error)
	EnsureUser(ctx context.Context, u User) (User, error)
	SetUserRole(ctx context.Context, id string, role Role) error
	GrantEntitlement(ctx context.Context, userID, flag string) (bool, error)
}
