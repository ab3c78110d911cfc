package services

import (
	"testing"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/testutil"
)

const (
	hwidA = "AB12-AB34-CD56-CD78"
	hwidB = "EF12-EF34-GH56-GH78"
	hwidC = "JK12-JK34-LM56-LM78"
)

type fixture struct {
	store *testutil.MemoryStore
	queue *testutil.RecordingQueue
	post  *PostCommit
	now   time.Time

	keys   *keyService
	redeem *redemptionService
	subs   *subscriptionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	store.AddProduct(domain.Product{ID: "pro-30", Name: "Pro Monthly", DurationDays: 30, Price: 9.99, IsActive: true})
	store.AddProduct(domain.Product{ID: "pro-life", Name: "Pro Lifetime", DurationDays: domain.LifetimeDurationDays, Price: 199, IsActive: true})
	store.AddProduct(domain.Product{ID: "retired", Name: "Retired", DurationDays: 30, IsActive: false})

	queue := &testutil.RecordingQueue{}
	post := NewPostCommit(queue, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	hwid := NewHWIDValidator(false, &testutil.CountingLimiter{Limit: domain.MaxHWIDChanges}, nil)

	keys := NewKeyService(store, store, nil, post, nil).(*keyService)
	keys.now = clock
	redeem := NewRedemptionService(store, store, hwid, post, nil).(*redemptionService)
	redeem.now = clock
	subs := NewSubscriptionService(store, hwid, post, nil).(*subscriptionService)
	subs.now = clock

	return &fixture{store: store, queue: queue, post: post, now: now, keys: keys, redeem: redeem, subs: subs}
}

// seedKey stores an available key for productID and returns its id.
func (f *fixture) seedKey(code, productID string) string {
	id := "key-" + code
	f.store.AddKey(domain.Key{
		ID:          id,
		Code:        code,
		ProductID:   productID,
		GeneratedBy: "admin",
		IsActive:    true,
		CreatedAt:   f.now.Add(-time.Hour),
	})
	return id
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
