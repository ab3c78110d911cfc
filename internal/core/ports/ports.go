package ports

import (
	"context"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
)

// LicenseStore is the shared relational store for keys and subscriptions.
// Every mutation goes through InTx; the read methods run outside any transaction.
type LicenseStore interface {
	// InTx runs fn inside one transaction. A non-nil error from fn rolls back every
	// write made through tx; a nil error commits.
	InTx(ctx context.Context, fn func(tx LicenseTx) error) error

	FindKeyByCode(ctx context.Context, code string) (*domain.Key, error)
	FindKeyByID(ctx context.Context, id string) (*domain.Key, error)
	FindSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptionsForUser(ctx context.Context, userID string) ([]domain.Subscription, error)
	CountSubscriptionsForKey(ctx context.Context, keyID string) (int, error)
	FindActiveSubscriptionByHWID(ctx context.Context, hwid string, now time.Time) (*domain.Subscription, error)
	Ping(ctx context.Context) error
}

// LicenseTx is the set of operations available inside a store transaction.
// Lookups return (nil, nil) when the row does not exist.
type LicenseTx interface {
	KeyCodeExists(ctx context.Context, code string) (bool, error)
	InsertKey(ctx context.Context, key *domain.Key) error
	// LockKeyByCode loads the key and holds a row lock until the transaction ends.
	LockKeyByCode(ctx context.Context, code string) (*domain.Key, error)
	LockKeyByID(ctx context.Context, id string) (*domain.Key, error)
	MarkKeyRedeemed(ctx context.Context, keyID, userID, hwid, ip string, at time.Time) error
	DeactivateKey(ctx context.Context, keyID, adminID string, at time.Time) error
	UpdateKeyHWIDLock(ctx context.Context, keyID, hwid string) error

	// LockHWID serializes every transaction touching the same device id.
	LockHWID(ctx context.Context, hwid string) error
	FindActiveSubscriptionByHWID(ctx context.Context, hwid string, now time.Time) (*domain.Subscription, error)
	// ExpireSubscriptionsByHWID flips subscriptions for hwid that are flagged active but past expiry.
	ExpireSubscriptionsByHWID(ctx context.Context, hwid string, now time.Time) (int64, error)
	InsertSubscription(ctx context.Context, sub *domain.Subscription) error
	FindSubscriptionByKeyID(ctx context.Context, keyID string) (*domain.Subscription, error)
	LockSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	UpdateSubscriptionExpiry(ctx context.Context, id string, expiresAt time.Time) error
	DeactivateSubscription(ctx context.Context, id, reason string, at time.Time) error
	UpdateSubscriptionHWID(ctx context.Context, id, hwid string) error
	InsertHWIDChange(ctx context.Context, change *domain.HWIDChange) error
	// SweepExpiredSubscriptions deactivates at most limit due subscriptions, skipping
	// rows another transaction currently holds.
	SweepExpiredSubscriptions(ctx context.Context, now time.Time, limit int) (int64, error)

	// InsertPurchaseIfAbsent is a no-op when a purchase already exists for the key.
	InsertPurchaseIfAbsent(ctx context.Context, purchase *domain.Purchase) (bool, error)
}

// ProductCatalog is the read-only product lookup. Missing products return (nil, nil).
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

// AuditSink persists audit events.
type AuditSink interface {
	Record(ctx context.Context, event *domain.AuditEvent) error
}

// Notifier delivers user-facing redemption notices.
type Notifier interface {
	NotifyRedeemed(ctx context.Context, userID string, summary domain.SubscriptionSummary) error
}

// TaskQueue hands post-commit side effects to an independent, retrying worker.
type TaskQueue interface {
	EnqueueAudit(ctx context.Context, event *domain.AuditEvent) error
	EnqueueRedeemedNotification(ctx context.Context, userID string, summary domain.SubscriptionSummary) error
}

// AttemptLimiter is a rolling-window counter keyed by an arbitrary identity.
type AttemptLimiter interface {
	// Allow records an attempt for key and reports whether it fits in the window.
	// When it does not, retryAfter says when the oldest attempt leaves the window.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
}

// IssueRequest describes a batch of keys to generate.
type IssueRequest struct {
	ProductID string
	Quantity  int
	IssuedBy  string
	ExpiresAt *time.Time
	IP        string
}

// RedeemRequest is a redemption attempt as received from the transport.
type RedeemRequest struct {
	Code     string
	UserID   string
	HWID     string
	SourceIP string
}

// HWIDChangeRequest moves a subscription to a new device.
type HWIDChangeRequest struct {
	SubscriptionID string
	UserID         string
	NewHWID        string
	IP             string
}

type KeyService interface {
	GenerateCodes(ctx context.Context, req IssueRequest) ([]domain.Key, error)
	FindByCode(ctx context.Context, code string) (*domain.Key, error)
	GetStatus(ctx context.Context, code string) (domain.KeyStatusView, error)
	DeactivateKey(ctx context.Context, keyID, adminID string) error
}

type RedemptionService interface {
	Redeem(ctx context.Context, req RedeemRequest) (*domain.Redemption, error)
}

type SubscriptionService interface {
	SweepExpired(ctx context.Context) (int64, error)
	Extend(ctx context.Context, subscriptionID string, additionalDays int, adminID string) (time.Time, error)
	Deactivate(ctx context.Context, subscriptionID, reason, adminID string) error
	ChangeHWID(ctx context.Context, req HWIDChangeRequest) (*domain.Subscription, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Subscription, error)
	ActiveForHWID(ctx context.Context, hwid string) (*domain.Subscription, error)
}
