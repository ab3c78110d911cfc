package domain

import (
	"fmt"
	"time"
)

// lifetimeThreshold is the minimum span a lifetime window is guaranteed to cover.
const lifetimeThreshold = 36500 * 24 * time.Hour

// SubscriptionWindow computes [startsAt, expiresAt) for a product duration starting at now.
// The lifetime sentinel maps to now + LifetimeYears.
func SubscriptionWindow(now time.Time, durationDays int) (time.Time, time.Time, error) {
	if durationDays <= 0 {
		return time.Time{}, time.Time{}, NewError(KindValidation, fmt.Sprintf("invalid product duration: %d days", durationDays))
	}
	if durationDays == LifetimeDurationDays {
		return now, now.AddDate(LifetimeYears, 0, 0), nil
	}
	return now, now.AddDate(0, 0, durationDays), nil
}

// IsActiveAt reports whether s grants access at now.
func (s *Subscription) IsActiveAt(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now)
}

// Extend pushes the expiry forward from the current expiry, not from now,
// so remaining time is preserved.
func (s *Subscription) Extend(additionalDays int) (time.Time, error) {
	if additionalDays <= 0 || additionalDays > MaxExtensionDays {
		return time.Time{}, NewError(KindValidation, fmt.Sprintf("extension must be between 1 and %d days", MaxExtensionDays))
	}
	s.ExpiresAt = s.ExpiresAt.AddDate(0, 0, additionalDays)
	return s.ExpiresAt, nil
}
