// Package domain contains the core entities and invariants for cloudLicense.
package domain

import (
	"time"
)

// LifetimeDurationDays is the product duration sentinel meaning "no practical expiry".
const LifetimeDurationDays = 999999

// LifetimeYears is how far a lifetime subscription's expiry is pushed out.
const LifetimeYears = 100

// MaxExtensionDays caps a single admin extension.
const MaxExtensionDays = 36500

// KeyState is the stored lifecycle state of a license key.
type KeyState string

const (
	// KeyAvailable means the key can still be redeemed (unless it is past its expiry).
	KeyAvailable KeyState = "available"
	// KeyRedeemed is terminal: the key is bound to a user and device.
	KeyRedeemed KeyState = "redeemed"
	// KeyDeactivated is terminal: an admin revoked the key before redemption.
	KeyDeactivated KeyState = "deactivated"
	// KeyExpired is derived from ExpiresAt and never stored.
	KeyExpired KeyState = "expired"
)

// Key is a single-use license credential.
type Key struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	ProductID    string     `json:"product_id"`
	GeneratedBy  string     `json:"generated_by"`
	PurchasedBy  *string    `json:"purchased_by,omitempty"`
	RedeemedBy   *string    `json:"redeemed_by,omitempty"`
	HWIDLock     *string    `json:"hwid_lock,omitempty"`
	RedeemedAt   *time.Time `json:"redeemed_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	RedemptionIP *string    `json:"redemption_ip,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsRedeemed reports whether the key has been consumed.
func (k *Key) IsRedeemed() bool {
	return k.RedeemedBy != nil
}

// IsExpired reports whether the key's own redemption deadline has passed.
func (k *Key) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// State derives the key's lifecycle state at the given instant.
// Redeemed wins over everything, then deactivation, then expiry.
func (k *Key) State(now time.Time) KeyState {
	switch {
	case k.IsRedeemed():
		return KeyRedeemed
	case !k.IsActive:
		return KeyDeactivated
	case k.IsExpired(now):
		return KeyExpired
	default:
		return KeyAvailable
	}
}

// KeyStatusView is the public, read-only projection of a key.
// It never carries the redeemer or device identity.
type KeyStatusView struct {
	Exists     bool     `json:"exists"`
	IsRedeemed bool     `json:"is_redeemed"`
	IsExpired  bool     `json:"is_expired"`
	Status     KeyState `json:"status,omitempty"`
}

// StatusView builds the public projection of k.
func (k *Key) StatusView(now time.Time) KeyStatusView {
	return KeyStatusView{
		Exists:     true,
		IsRedeemed: k.IsRedeemed(),
		IsExpired:  k.IsExpired(now),
		Status:     k.State(now),
	}
}

// Subscription is the time-bounded entitlement created by a redemption.
type Subscription struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	ProductID          string    `json:"product_id"`
	KeyID              string    `json:"key_id"`
	HWID               string    `json:"hwid"`
	StartsAt           time.Time `json:"starts_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	IsActive           bool      `json:"is_active"`
	DeactivationReason *string   `json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Product is the slice of the catalog this service consumes.
type Product struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	DurationDays int     `json:"duration_days"`
	Price        float64 `json:"price"`
	IsActive     bool    `json:"is_active"`
}

// IsLifetime reports whether the product uses the lifetime sentinel.
func (p *Product) IsLifetime() bool {
	return p.DurationDays == LifetimeDurationDays
}

// Purchase is the billing record attached to a redeemed key. At most one exists per key.
type Purchase struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	KeyID     string    `json:"key_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// HWIDChange is an append-only record of a subscription moving to another device.
type HWIDChange struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	OldHWID        string    `json:"old_hwid"`
	NewHWID        string    `json:"new_hwid"`
	CreatedAt      time.Time `json:"created_at"`
}

// Redemption is the result of a successful redeem call.
type Redemption struct {
	Subscription *Subscription `json:"subscription"`
	Key          *Key          `json:"key"`
}

// SubscriptionSummary is what the notification side effect receives.
type SubscriptionSummary struct {
	SubscriptionID string    `json:"subscription_id"`
	ProductID      string    `json:"product_id"`
	HWID           string    `json:"hwid"`
	StartsAt       time.Time `json:"starts_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Lifetime       bool      `json:"lifetime"`
}

// Summary builds the notification payload for s.
func (s *Subscription) Summary() SubscriptionSummary {
	return SubscriptionSummary{
		SubscriptionID: s.ID,
		ProductID:      s.ProductID,
		HWID:           s.HWID,
		StartsAt:       s.StartsAt,
		ExpiresAt:      s.ExpiresAt,
		Lifetime:       s.ExpiresAt.Sub(s.StartsAt) >= lifetimeThreshold,
	}
}

// Audit actions.
const (
	AuditKeysIssued             = "KEYS_ISSUED"
	AuditKeyRedeemed            = "KEY_REDEEMED"
	AuditKeyDeactivated         = "KEY_DEACTIVATED"
	AuditSubscriptionExtended   = "SUBSCRIPTION_EXTENDED"
	AuditSubscriptionDeactivate = "SUBSCRIPTION_DEACTIVATED"
	AuditSubscriptionsSwept     = "SUBSCRIPTIONS_SWEPT"
	AuditHWIDChanged            = "HWID_CHANGED"
)

// AuditEvent is a best-effort record of an administrative or redemption action.
type AuditEvent struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	ActorID   *string           `json:"actor_id,omitempty"`
	Details   map[string]string `json:"details"`
	IP        *string           `json:"ip,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
