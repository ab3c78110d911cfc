package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeem_Success(t *testing.T) {
	f := newFixture(t)
	keyID := f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")

	res, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{
		Code:     "abcd efgh jklm npqr",
		UserID:   "U1",
		HWID:     "ab12ab34cd56cd78",
		SourceIP: "203.0.113.7",
	})
	require.NoError(t, err)

	sub := res.Subscription
	assert.Equal(t, "U1", sub.UserID)
	assert.Equal(t, keyID, sub.KeyID)
	assert.Equal(t, hwidA, sub.HWID)
	assert.True(t, sub.IsActive)
	assert.Equal(t, f.now, sub.StartsAt)
	assert.Equal(t, f.now.AddDate(0, 0, 30), sub.ExpiresAt)

	key, _ := f.store.FindKeyByID(context.Background(), keyID)
	require.NotNil(t, key.RedeemedBy)
	assert.Equal(t, "U1", *key.RedeemedBy)
	assert.Equal(t, hwidA, *key.HWIDLock)
	assert.Equal(t, "203.0.113.7", *key.RedemptionIP)

	purchases := f.store.Purchases()
	require.Len(t, purchases, 1)
	assert.Equal(t, "U1", purchases[0].UserID)
	assert.Equal(t, 9.99, purchases[0].Amount)

	f.post.Wait()
	assert.Equal(t, []string{domain.AuditKeyRedeemed}, f.queue.AuditActions())
	assert.Equal(t, 1, f.queue.NotificationCount())
}

func TestRedeem_SecondUserRejected(t *testing.T) {
	f := newFixture(t)
	keyID := f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	ctx := context.Background()

	_, err := f.redeem.Redeem(ctx, ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)

	_, err = f.redeem.Redeem(ctx, ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U2", HWID: hwidB})
	assert.ErrorIs(t, err, domain.ErrAlreadyRedeemed)

	n, _ := f.store.CountSubscriptionsForKey(ctx, keyID)
	assert.Equal(t, 1, n)
}

func TestRedeem_Rejections(t *testing.T) {
	past := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		setup func(f *fixture)
		req   ports.RedeemRequest
		want  domain.Kind
	}{
		{
			name: "malformed code",
			req:  ports.RedeemRequest{Code: "ABCD-EFGH", UserID: "U1", HWID: hwidA},
			want: domain.KindValidation,
		},
		{
			name: "ambiguous symbol in code",
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQ0", UserID: "U1", HWID: hwidA},
			want: domain.KindValidation,
		},
		{
			name: "missing user",
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "  ", HWID: hwidA},
			want: domain.KindValidation,
		},
		{
			name: "bad hwid",
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: "short"},
			want: domain.KindValidation,
		},
		{
			name: "placeholder hwid",
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: "VMWARE-1234-ABCD-5678"},
			want: domain.KindValidation,
		},
		{
			name: "unknown code",
			req:  ports.RedeemRequest{Code: "ZZZZ-ZZZZ-ZZZZ-ZZZ2", UserID: "U1", HWID: hwidA},
			want: domain.KindNotFound,
		},
		{
			name: "expired key",
			setup: func(f *fixture) {
				f.store.AddKey(domain.Key{ID: "k", Code: "ABCD-EFGH-JKLM-NPQR", ProductID: "pro-30", IsActive: true, ExpiresAt: &past})
			},
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA},
			want: domain.KindExpired,
		},
		{
			name: "deactivated key",
			setup: func(f *fixture) {
				f.store.AddKey(domain.Key{ID: "k", Code: "ABCD-EFGH-JKLM-NPQR", ProductID: "pro-30", IsActive: false})
			},
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA},
			want: domain.KindDeactivated,
		},
		{
			name: "redeemed wins over expired",
			setup: func(f *fixture) {
				u, h := "U0", hwidC
				f.store.AddKey(domain.Key{ID: "k", Code: "ABCD-EFGH-JKLM-NPQR", ProductID: "pro-30", IsActive: true, ExpiresAt: &past, RedeemedBy: &u, HWIDLock: &h})
			},
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA},
			want: domain.KindAlreadyRedeemed,
		},
		{
			name: "product gone",
			setup: func(f *fixture) {
				f.seedKey("ABCD-EFGH-JKLM-NPQR", "no-such-product")
			},
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA},
			want: domain.KindNotFound,
		},
		{
			name: "retired product",
			setup: func(f *fixture) {
				f.seedKey("ABCD-EFGH-JKLM-NPQR", "retired")
			},
			req:  ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA},
			want: domain.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.redeem.Redeem(context.Background(), tt.req)
			if domain.KindOf(err) != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if len(f.store.Subscriptions()) != 0 {
				t.Errorf("rejected redemption must not create a subscription")
			}
			if len(f.store.Purchases()) != 0 {
				t.Errorf("rejected redemption must not create a purchase")
			}
		})
	}
}

func TestRedeem_HWIDConflict(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	second := f.seedKey("BCDE-FGHJ-KLMN-PQRS", "pro-30")
	ctx := context.Background()

	_, err := f.redeem.Redeem(ctx, ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)

	_, err = f.redeem.Redeem(ctx, ports.RedeemRequest{Code: "BCDE-FGHJ-KLMN-PQRS", UserID: "U2", HWID: hwidA})
	assert.ErrorIs(t, err, domain.ErrHWIDConflict)

	key, _ := f.store.FindKeyByID(ctx, second)
	assert.False(t, key.IsRedeemed(), "conflicting redemption must leave the key unredeemed")

	// Same user, same device, second key: still blocked while the first is active.
	_, err = f.redeem.Redeem(ctx, ports.RedeemRequest{Code: "BCDE-FGHJ-KLMN-PQRS", UserID: "U1", HWID: hwidA})
	assert.ErrorIs(t, err, domain.ErrHWIDConflict)
}

func TestRedeem_StaleActiveFlagDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	f.store.AddSubscription(domain.Subscription{
		ID: "old", UserID: "U0", KeyID: "old-key", HWID: hwidA,
		StartsAt: f.now.AddDate(0, -2, 0), ExpiresAt: f.now.Add(-time.Minute), IsActive: true,
	})

	_, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)

	old, _ := f.store.FindSubscription(context.Background(), "old")
	assert.False(t, old.IsActive, "expired subscription should be flipped inactive")
}

func TestRedeem_Lifetime(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-life")

	res, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)

	span := res.Subscription.ExpiresAt.Sub(res.Subscription.StartsAt)
	assert.GreaterOrEqual(t, span, 36500*24*time.Hour)
	assert.True(t, res.Subscription.Summary().Lifetime)
}

func TestRedeem_PurchaseBuyer(t *testing.T) {
	f := newFixture(t)
	buyer := "gift-giver"
	f.store.AddKey(domain.Key{ID: "k", Code: "ABCD-EFGH-JKLM-NPQR", ProductID: "pro-30", IsActive: true, PurchasedBy: &buyer})

	_, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)

	purchases := f.store.Purchases()
	require.Len(t, purchases, 1)
	assert.Equal(t, buyer, purchases[0].UserID)
}

func TestRedeem_ConcurrentSameCode(t *testing.T) {
	f := newFixture(t)
	keyID := f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.redeem.Redeem(context.Background(), ports.RedeemRequest{
				Code:   "ABCD-EFGH-JKLM-NPQR",
				UserID: fmt.Sprintf("user-%d", i),
				HWID:   fmt.Sprintf("AB%02d-AB34-CD56-CD78", i),
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrAlreadyRedeemed):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	n, _ := f.store.CountSubscriptionsForKey(context.Background(), keyID)
	assert.Equal(t, 1, n)
	assert.Len(t, f.store.Purchases(), 1)
}

func TestRedeem_ConcurrentSameHWID(t *testing.T) {
	f := newFixture(t)
	const workers = 8
	codes := []string{
		"AAAA-BBBB-CCCC-DDD2", "AAAA-BBBB-CCCC-DDD3", "AAAA-BBBB-CCCC-DDD4", "AAAA-BBBB-CCCC-DDD5",
		"AAAA-BBBB-CCCC-DDD6", "AAAA-BBBB-CCCC-DDD7", "AAAA-BBBB-CCCC-DDD8", "AAAA-BBBB-CCCC-DDD9",
	}
	for _, c := range codes {
		f.seedKey(c, "pro-30")
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.redeem.Redeem(context.Background(), ports.RedeemRequest{
				Code: codes[i], UserID: fmt.Sprintf("user-%d", i), HWID: hwidB,
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !errors.Is(err, domain.ErrHWIDConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Len(t, f.store.Subscriptions(), 1)
}

func TestRedeem_RetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	f.store.FailTransactions(domain.NewError(domain.KindTransientStore, "lock timeout"))

	_, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.TxCount())
}

func TestRedeem_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	transient := domain.NewError(domain.KindTransientStore, "serialization failure")
	f.store.FailTransactions(transient, transient, transient, transient)

	_, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int(DefaultTransientRetries)+1, f.store.TxCount())
	assert.Empty(t, f.store.Subscriptions())
}

func TestRedeem_UncertainCommitReconciles(t *testing.T) {
	f := newFixture(t)
	keyID := f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	f.store.FailCommits(domain.NewError(domain.KindTransientStore, "connection reset"))

	res, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)

	n, _ := f.store.CountSubscriptionsForKey(context.Background(), keyID)
	assert.Equal(t, 1, n)
	assert.Equal(t, keyID, res.Subscription.KeyID)
}

func TestRedeem_SideEffectFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	f.queue.Fail = true

	_, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: hwidA})
	require.NoError(t, err)
	f.post.Wait()
	assert.Len(t, f.store.Subscriptions(), 1)
}

func TestRedeem_SuspiciousHWIDIsAudited(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")

	_, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: "7K3M-Q9XR-2HWP-T4ZN"})
	require.NoError(t, err)
	f.post.Wait()

	require.Len(t, f.queue.Audits, 1)
	assert.Equal(t, "high_entropy", f.queue.Audits[0].Details["hwid_risk"])
}

func TestRedeem_StrictModeRejectsWarnings(t *testing.T) {
	f := newFixture(t)
	f.seedKey("ABCD-EFGH-JKLM-NPQR", "pro-30")
	f.redeem.hwid = NewHWIDValidator(true, nil, nil)

	_, err := f.redeem.Redeem(context.Background(), ports.RedeemRequest{Code: "ABCD-EFGH-JKLM-NPQR", UserID: "U1", HWID: "7K3M-Q9XR-2HWP-T4ZN"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
