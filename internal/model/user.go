package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is a user's authorization level.
type Role string

// Roles in ascending order of privilege.
const (
	RoleViewer Role = "viewer"
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer: 0,
	RoleUser:   1,
	RoleAdmin:  2,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// RoleAtLeast reports whether have meets or exceeds want.
func RoleAtLeast(have, want Role) bool {
	return roleRank[have] >= roleRank[want]
}

// User is an authenticated principal. Exactly one credential shape is set:
// a password hash, or an OAuth (provider, id) pair. The storage layer
// enforces the XOR with a CHECK constraint.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          Role       `json:"role"`
	PasswordHash  *string    `json:"-"` // Never serialized.
	OAuthProvider *string    `json:"oauth_provider,omitempty"`
	OAuthID       *string    `json:"-"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// ValidateCredentialShape checks the password/OAuth XOR before a user reaches
// the database, so callers get a typed error instead of a check violation.
func (u User) ValidateCredentialShape() error {
	hasPassword := u.PasswordHash != nil
	hasOAuth := u.OAuthProvider != nil && u.OAuthID != nil
	if hasPassword == hasOAuth {
		return fmt.Errorf("model: user must have exactly one of password or oauth credentials")
	}
	return nil
}
