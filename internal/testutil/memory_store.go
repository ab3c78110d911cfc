package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
)

// MemoryStore is an in-memory ports.LicenseStore with fully serialized
// transactions. A failed transaction restores the snapshot taken when it began.
// It also serves as ProductCatalog, AuditSink and APIKeyRepository.
type MemoryStore struct {
	mu        sync.Mutex
	keys      map[string]domain.Key
	codes     map[string]string
	subs      map[string]domain.Subscription
	purchases map[string]domain.Purchase
	changes   []domain.HWIDChange

	txFaults     []error
	commitFaults []error
	txCount      int

	catalogMu sync.RWMutex
	products  map[string]domain.Product

	auditMu sync.Mutex
	audit   []domain.AuditEvent

	apiMu   sync.Mutex
	apiKeys map[string]domain.APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:      make(map[string]domain.Key),
		codes:     make(map[string]string),
		subs:      make(map[string]domain.Subscription),
		purchases: make(map[string]domain.Purchase),
		products:  make(map[string]domain.Product),
		apiKeys:   make(map[string]domain.APIKey),
	}
}

// AddProduct seeds the catalog.
func (s *MemoryStore) AddProduct(p domain.Product) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	s.products[p.ID] = p
}

// AddKey seeds a key directly, bypassing issuance.
func (s *MemoryStore) AddKey(k domain.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
	s.codes[k.Code] = k.ID
}

// AddSubscription seeds a subscription directly.
func (s *MemoryStore) AddSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
}

// FailTransactions makes the next len(errs) transactions roll back with the given errors
// before fn runs.
func (s *MemoryStore) FailTransactions(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txFaults = append(s.txFaults, errs...)
}

// FailCommits makes the next len(errs) transactions apply their writes but report
// the given errors, like a commit whose acknowledgement was lost.
func (s *MemoryStore) FailCommits(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitFaults = append(s.commitFaults, errs...)
}

// TxCount is the number of transactions started so far.
func (s *MemoryStore) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

func (s *MemoryStore) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *MemoryStore) Subscriptions() []domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Purchases() []domain.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Purchase, 0, len(s.purchases))
	for _, p := range s.purchases {
		out = append(out, p)
	}
	return out
}

func (s *MemoryStore) HWIDChanges() []domain.HWIDChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HWIDChange(nil), s.changes...)
}

func (s *MemoryStore) AuditEvents() []domain.AuditEvent {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	return append([]domain.AuditEvent(nil), s.audit...)
}

type memSnapshot struct {
	keys      map[string]domain.Key
	codes     map[string]string
	subs      map[string]domain.Subscription
	purchases map[string]domain.Purchase
	changes   int
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		keys:      make(map[string]domain.Key, len(s.keys)),
		codes:     make(map[string]string, len(s.codes)),
		subs:      make(map[string]domain.Subscription, len(s.subs)),
		purchases: make(map[string]domain.Purchase, len(s.purchases)),
		changes:   len(s.changes),
	}
	for k, v := range s.keys {
		snap.keys[k] = v
	}
	for k, v := range s.codes {
		snap.codes[k] = v
	}
	for k, v := range s.subs {
		snap.subs[k] = v
	}
	for k, v := range s.purchases {
		snap.purchases[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.keys = snap.keys
	s.codes = snap.codes
	s.subs = snap.subs
	s.purchases = snap.purchases
	s.changes = s.changes[:snap.changes]
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx ports.LicenseTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	if len(s.txFaults) > 0 {
		err := s.txFaults[0]
		s.txFaults = s.txFaults[1:]
		return err
	}

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}

	if len(s.commitFaults) > 0 {
		err := s.commitFaults[0]
		s.commitFaults = s.commitFaults[1:]
		return err
	}
	return nil
}

func (s *MemoryStore) FindKeyByCode(_ context.Context, code string) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyByCode(code), nil
}

func (s *MemoryStore) FindKeyByID(_ context.Context, id string) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (s *MemoryStore) FindSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *MemoryStore) ListSubscriptionsForUser(_ context.Context, userID string) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountSubscriptionsForKey(_ context.Context, keyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.KeyID == keyID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindActiveSubscriptionByHWID(_ context.Context, hwid string, now time.Time) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeByHWID(hwid, now), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) keyByCode(code string) *domain.Key {
	id, ok := s.codes[code]
	if !ok {
		return nil
	}
	k := s.keys[id]
	return &k
}

func (s *MemoryStore) activeByHWID(hwid string, now time.Time) *domain.Subscription {
	for _, sub := range s.subs {
		if sub.HWID == hwid && sub.IsActiveAt(now) {
			return &sub
		}
	}
	return nil
}

// GetProduct implements ports.ProductCatalog.
func (s *MemoryStore) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// Record implements ports.AuditSink.
func (s *MemoryStore) Record(_ context.Context, event *domain.AuditEvent) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.audit = append(s.audit, *event)
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	s.apiMu.Lock()
	defer s.apiMu.Unlock()
	s.apiKeys[key.ID] = *key
	return nil
}

func (s *MemoryStore) GetAPIKeyByHash(_ context.Context, keyHash string) (*domain.APIKey, error) {
	s.apiMu.Lock()
	defer s.apiMu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash == keyHash {
			return &k, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]domain.APIKey, error) {
	s.apiMu.Lock()
	defer s.apiMu.Unlock()
	out := make([]domain.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteAPIKey(_ context.Context, id string) error {
	s.apiMu.Lock()
	defer s.apiMu.Unlock()
	delete(s.apiKeys, id)
	return nil
}

// memTx runs with MemoryStore.mu already held.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) KeyCodeExists(_ context.Context, code string) (bool, error) {
	_, ok := t.s.codes[code]
	return ok, nil
}

func (t *memTx) InsertKey(_ context.Context, key *domain.Key) error {
	if _, ok := t.s.codes[key.Code]; ok {
		return domain.NewError(domain.KindTransientStore, "key code collision")
	}
	t.s.keys[key.ID] = *key
	t.s.codes[key.Code] = key.ID
	return nil
}

func (t *memTx) LockKeyByCode(_ context.Context, code string) (*domain.Key, error) {
	return t.s.keyByCode(code), nil
}

func (t *memTx) LockKeyByID(_ context.Context, id string) (*domain.Key, error) {
	k, ok := t.s.keys[id]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (t *memTx) MarkKeyRedeemed(_ context.Context, keyID, userID, hwid, ip string, at time.Time) error {
	k, ok := t.s.keys[keyID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "key not found")
	}
	if k.RedeemedBy != nil {
		return domain.NewError(domain.KindAlreadyRedeemed, "key already redeemed")
	}
	k.RedeemedBy = &userID
	k.HWIDLock = &hwid
	k.RedeemedAt = &at
	if ip != "" {
		k.RedemptionIP = &ip
	}
	t.s.keys[keyID] = k
	return nil
}

func (t *memTx) DeactivateKey(_ context.Context, keyID, _ string, _ time.Time) error {
	k, ok := t.s.keys[keyID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "key not found")
	}
	k.IsActive = false
	t.s.keys[keyID] = k
	return nil
}

func (t *memTx) UpdateKeyHWIDLock(_ context.Context, keyID, hwid string) error {
	k, ok := t.s.keys[keyID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "key not found")
	}
	k.HWIDLock = &hwid
	t.s.keys[keyID] = k
	return nil
}

func (t *memTx) LockHWID(_ context.Context, _ string) error {
	return nil
}

func (t *memTx) FindActiveSubscriptionByHWID(_ context.Context, hwid string, now time.Time) (*domain.Subscription, error) {
	return t.s.activeByHWID(hwid, now), nil
}

func (t *memTx) ExpireSubscriptionsByHWID(_ context.Context, hwid string, now time.Time) (int64, error) {
	var n int64
	for id, sub := range t.s.subs {
		if sub.HWID == hwid && sub.IsActive && !sub.ExpiresAt.After(now) {
			sub.IsActive = false
			reason := "expired"
			sub.DeactivationReason = &reason
			t.s.subs[id] = sub
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertSubscription(_ context.Context, sub *domain.Subscription) error {
	for _, existing := range t.s.subs {
		if existing.KeyID == sub.KeyID {
			return domain.NewError(domain.KindAlreadyRedeemed, "key already redeemed")
		}
		if sub.IsActive && existing.IsActive && existing.HWID == sub.HWID {
			return domain.NewError(domain.KindHWIDConflict, "device already has an active subscription")
		}
	}
	t.s.subs[sub.ID] = *sub
	return nil
}

func (t *memTx) FindSubscriptionByKeyID(_ context.Context, keyID string) (*domain.Subscription, error) {
	for _, sub := range t.s.subs {
		if sub.KeyID == keyID {
			return &sub, nil
		}
	}
	return nil, nil
}

func (t *memTx) LockSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	sub, ok := t.s.subs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (t *memTx) UpdateSubscriptionExpiry(_ context.Context, id string, expiresAt time.Time) error {
	sub, ok := t.s.subs[id]
	if !ok {
		return domain.NewError(domain.KindNotFound, "subscription not found")
	}
	sub.ExpiresAt = expiresAt
	t.s.subs[id] = sub
	return nil
}

func (t *memTx) DeactivateSubscription(_ context.Context, id, reason string, _ time.Time) error {
	sub, ok := t.s.subs[id]
	if !ok {
		return domain.NewError(domain.KindNotFound, "subscription not found")
	}
	sub.IsActive = false
	sub.DeactivationReason = &reason
	t.s.subs[id] = sub
	return nil
}

func (t *memTx) UpdateSubscriptionHWID(_ context.Context, id, hwid string) error {
	sub, ok := t.s.subs[id]
	if !ok {
		return domain.NewError(domain.KindNotFound, "subscription not found")
	}
	sub.HWID = hwid
	t.s.subs[id] = sub
	return nil
}

func (t *memTx) InsertHWIDChange(_ context.Context, change *domain.HWIDChange) error {
	t.s.changes = append(t.s.changes, *change)
	return nil
}

func (t *memTx) SweepExpiredSubscriptions(_ context.Context, now time.Time, limit int) (int64, error) {
	ids := make([]string, 0)
	for id, sub := range t.s.subs {
		if sub.IsActive && !sub.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	reason := "expired"
	for _, id := range ids {
		sub := t.s.subs[id]
		sub.IsActive = false
		sub.DeactivationReason = &reason
		t.s.subs[id] = sub
	}
	return int64(len(ids)), nil
}

func (t *memTx) InsertPurchaseIfAbsent(_ context.Context, purchase *domain.Purchase) (bool, error) {
	if _, ok := t.s.purchases[purchase.KeyID]; ok {
		return false, nil
	}
	t.s.purchases[purchase.KeyID] = *purchase
	return true, nil
}

var (
	_ ports.LicenseStore     = (*MemoryStore)(nil)
	_ ports.ProductCatalog   = (*MemoryStore)(nil)
	_ ports.AuditSink        = (*MemoryStore)(nil)
	_ ports.APIKeyRepository = (*MemoryStore)(nil)
)
