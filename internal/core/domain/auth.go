package domain

import (
	"time"
)

// Role scopes what a bearer API key may do.
type Role string

const (
	RoleAdmin   Role = "admin"   // issue and deactivate keys, manage subscriptions
	RoleService Role = "service" // redeem on behalf of users, read status
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleService
}

// APIKey authenticates a calling backend. Only the SHA-256 digest of the
// raw key is stored.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"key_prefix"`
	Role      Role       `json:"role"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the key has a deadline at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}
