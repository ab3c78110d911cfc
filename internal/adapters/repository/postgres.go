package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
)

//go:embed schema.sql
var Schema string

const (
	defaultLockTimeout      = 5 * time.Second
	defaultStatementTimeout = 15 * time.Second
)

const keyColumns = `id, code, product_id, generated_by, purchased_by, redeemed_by, hwid_lock,
	redeemed_at, expires_at, is_active, redemption_ip, created_at`

const subscriptionColumns = `id, user_id, product_id, key_id, hwid, starts_at, expires_at,
	is_active, deactivation_reason, created_at`

// PostgresStore implements ports.LicenseStore, ports.ProductCatalog, ports.AuditSink
// and ports.APIKeyRepository on PostgreSQL.
type PostgresStore struct {
	db               *sql.DB
	lockTimeout      time.Duration
	statementTimeout time.Duration
}

// NewPostgresStore creates a store on db. Inside a transaction, row and
// advisory lock waits are capped by lockTimeout and every statement by
// statementTimeout; zero uses the defaults.
func NewPostgresStore(db *sql.DB, lockTimeout, statementTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	if statementTimeout <= 0 {
		statementTimeout = defaultStatementTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout, statementTimeout: statementTimeout}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresStore) InTx(ctx context.Context, fn func(tx ports.LicenseTx) error) error {
	tx, errTx := r.db.BeginTx(ctx, nil)
	if errTx != nil {
		return classify(errTx)
	}
	defer func() {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			log.Printf("failed to rollback transaction: %v", errRollback)
		}
	}()

	if _, errExec := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); errExec != nil {
		return classify(errExec)
	}
	if _, errExec := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", r.statementTimeout.Milliseconds())); errExec != nil {
		return classify(errExec)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (r *PostgresStore) FindKeyByCode(ctx context.Context, code string) (*domain.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM license_keys WHERE code = $1`
	return scanKey(r.db.QueryRowContext(ctx, query, code))
}

func (r *PostgresStore) FindKeyByID(ctx context.Context, id string) (*domain.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM license_keys WHERE id = $1`
	return scanKey(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresStore) FindSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresStore) ListSubscriptionsForUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC`
	rows, errQuery := r.db.QueryContext(ctx, query, userID)
	if errQuery != nil {
		return nil, classify(errQuery)
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var subs []domain.Subscription
	for rows.Next() {
		sub, errScan := scanSubscription(rows)
		if errScan != nil {
			return nil, errScan
		}
		subs = append(subs, *sub)
	}
	return subs, classify(rows.Err())
}

func (r *PostgresStore) CountSubscriptionsForKey(ctx context.Context, keyID string) (int, error) {
	var n int
	errRow := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE key_id = $1`, keyID).Scan(&n)
	return n, classify(errRow)
}

func (r *PostgresStore) FindActiveSubscriptionByHWID(ctx context.Context, hwid string, now time.Time) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
	          WHERE hwid = $1 AND is_active AND expires_at > $2 LIMIT 1`
	return scanSubscription(r.db.QueryRowContext(ctx, query, hwid, now))
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	query := `SELECT id, name, duration_days, price, is_active FROM products WHERE id = $1`
	var p domain.Product
	errRow := r.db.QueryRowContext(ctx, query, productID).Scan(&p.ID, &p.Name, &p.DurationDays, &p.Price, &p.IsActive)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, classify(errRow)
	}
	return &p, nil
}

// UpsertProduct seeds or updates a catalog entry. The catalog is owned upstream;
// this exists for operators and tests.
func (r *PostgresStore) UpsertProduct(ctx context.Context, p *domain.Product) error {
	query := `INSERT INTO products (id, name, duration_days, price, is_active) VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, duration_days = EXCLUDED.duration_days,
	          price = EXCLUDED.price, is_active = EXCLUDED.is_active`
	_, err := r.db.ExecContext(ctx, query, p.ID, p.Name, p.DurationDays, p.Price, p.IsActive)
	return classify(err)
}

func (r *PostgresStore) Record(ctx context.Context, event *domain.AuditEvent) error {
	details, errJSON := json.Marshal(event.Details)
	if errJSON != nil {
		return fmt.Errorf("failed to encode audit details: %w", errJSON)
	}
	query := `INSERT INTO audit_logs (id, action, actor_id, details, ip, created_at) VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, event.ID, event.Action, event.ActorID, string(details), event.IP, event.CreatedAt)
	return classify(err)
}

func (r *PostgresStore) ListAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT id, action, actor_id, details, ip, created_at FROM audit_logs ORDER BY created_at DESC LIMIT $1`
	rows, errQuery := r.db.QueryContext(ctx, query, limit)
	if errQuery != nil {
		return nil, classify(errQuery)
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var details []byte
		if errScan := rows.Scan(&ev.ID, &ev.Action, &ev.ActorID, &details, &ev.IP, &ev.CreatedAt); errScan != nil {
			return nil, errScan
		}
		if len(details) > 0 {
			if errJSON := json.Unmarshal(details, &ev.Details); errJSON != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", errJSON)
			}
		}
		events = append(events, ev)
	}
	return events, classify(rows.Err())
}

func (r *PostgresStore) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	query := `INSERT INTO api_keys (id, name, key_hash, key_prefix, role, active, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query, key.ID, key.Name, key.KeyHash, key.KeyPrefix, string(key.Role), key.Active, key.CreatedAt, key.ExpiresAt)
	return classify(err)
}

func (r *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := `SELECT id, name, key_hash, key_prefix, role, active, created_at, expires_at FROM api_keys WHERE key_hash = $1`
	var k domain.APIKey
	errRow := r.db.QueryRowContext(ctx, query, keyHash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Role, &k.Active, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, classify(errRow)
	}
	return &k, nil
}

func (r *PostgresStore) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	query := `SELECT id, name, key_hash, key_prefix, role, active, created_at, expires_at FROM api_keys ORDER BY created_at`
	rows, errQuery := r.db.QueryContext(ctx, query)
	if errQuery != nil {
		return nil, classify(errQuery)
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var keys []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if errScan := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Role, &k.Active, &k.CreatedAt, &k.ExpiresAt); errScan != nil {
			return nil, errScan
		}
		keys = append(keys, k)
	}
	return keys, classify(rows.Err())
}

func (r *PostgresStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return classify(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*domain.Key, error) {
	var k domain.Key
	errRow := row.Scan(&k.ID, &k.Code, &k.ProductID, &k.GeneratedBy, &k.PurchasedBy, &k.RedeemedBy, &k.HWIDLock,
		&k.RedeemedAt, &k.ExpiresAt, &k.IsActive, &k.RedemptionIP, &k.CreatedAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, classify(errRow)
	}
	return &k, nil
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var s domain.Subscription
	errRow := row.Scan(&s.ID, &s.UserID, &s.ProductID, &s.KeyID, &s.HWID, &s.StartsAt, &s.ExpiresAt,
		&s.IsActive, &s.DeactivationReason, &s.CreatedAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, classify(errRow)
	}
	return &s, nil
}

var (
	_ ports.LicenseStore     = (*PostgresStore)(nil)
	_ ports.ProductCatalog   = (*PostgresStore)(nil)
	_ ports.AuditSink        = (*PostgresStore)(nil)
	_ ports.APIKeyRepository = (*PostgresStore)(nil)
)
