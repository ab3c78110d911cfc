package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSubscriptionWindow(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("Thirty days", func(t *testing.T) {
		start, end, err := SubscriptionWindow(now, 30)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !start.Equal(now) {
			t.Errorf("start = %v, want %v", start, now)
		}
		if want := now.AddDate(0, 0, 30); !end.Equal(want) {
			t.Errorf("end = %v, want %v", end, want)
		}
	})

	t.Run("Lifetime sentinel", func(t *testing.T) {
		start, end, err := SubscriptionWindow(now, LifetimeDurationDays)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if end.Sub(start) < 36500*24*time.Hour {
			t.Errorf("lifetime window too short: %v", end.Sub(start))
		}
		if end.Year() != now.Year()+LifetimeYears {
			t.Errorf("expected expiry in %d, got %d", now.Year()+LifetimeYears, end.Year())
		}
	})

	t.Run("Invalid duration", func(t *testing.T) {
		if _, _, err := SubscriptionWindow(now, 0); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestSubscriptionIsActiveAt(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		sub    Subscription
		active bool
	}{
		{"Active and in window", Subscription{IsActive: true, ExpiresAt: now.Add(time.Hour)}, true},
		{"Flag off", Subscription{IsActive: false, ExpiresAt: now.Add(time.Hour)}, false},
		{"Expired but flag on", Subscription{IsActive: true, ExpiresAt: now.Add(-time.Second)}, false},
		{"Expires exactly now", Subscription{IsActive: true, ExpiresAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.IsActiveAt(now); got != tt.active {
				t.Errorf("IsActiveAt = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestSubscriptionExtend(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{ExpiresAt: expiry, IsActive: true}

	got, err := sub.Extend(10)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if want := expiry.AddDate(0, 0, 10); !got.Equal(want) || !sub.ExpiresAt.Equal(want) {
		t.Errorf("Extend = %v, want %v", got, want)
	}

	if _, err := sub.Extend(0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for zero days, got %v", err)
	}
	before := sub.ExpiresAt
	if _, err := sub.Extend(MaxExtensionDays + 1); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error above the cap, got %v", err)
	}
	if !sub.ExpiresAt.Equal(before) {
		t.Errorf("rejected extension changed expiry to %v", sub.ExpiresAt)
	}
}

func TestKeyState(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	user := "u1"
	hwid := "DEAD-BEEF-0002-9F31"

	tests := []struct {
		name string
		key  Key
		want KeyState
	}{
		{"Fresh", Key{IsActive: true}, KeyAvailable},
		{"Expired unredeemed", Key{IsActive: true, ExpiresAt: &past}, KeyExpired},
		{"Deactivated", Key{IsActive: false}, KeyDeactivated},
		{"Redeemed wins", Key{IsActive: true, RedeemedBy: &user, HWIDLock: &hwid, ExpiresAt: &past}, KeyRedeemed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.State(now); got != tt.want {
				t.Errorf("State = %s, want %s", got, tt.want)
			}
		})
	}

	view := (&Key{IsActive: true, ExpiresAt: &past}).StatusView(now)
	if !view.Exists || view.IsRedeemed || !view.IsExpired || view.Status != KeyExpired {
		t.Errorf("unexpected status view: %+v", view)
	}
}

func TestErrorKinds(t *testing.T) {
	err := WrapError(KindTransientStore, "lock timeout", errors.New("55P03"))
	if !errors.Is(err, ErrTransientStore) {
		t.Errorf("expected errors.Is to match on kind")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("different kinds must not match")
	}
	if !IsRetryable(err) {
		t.Errorf("transient errors must be retryable")
	}
	if IsRetryable(ErrAlreadyRedeemed) {
		t.Errorf("terminal errors must not be retryable")
	}
	wrapped := errors.Join(errors.New("context"), NewError(KindHWIDConflict, "conflict"))
	if KindOf(wrapped) != KindHWIDConflict {
		t.Errorf("KindOf = %q", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Errorf("plain errors have no kind")
	}
}
