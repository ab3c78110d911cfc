package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
)

// pgTx is the ports.LicenseTx view of a running transaction. Errors are
// returned raw; InTx classifies whatever fn returns.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) KeyCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM license_keys WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertKey(ctx context.Context, key *domain.Key) error {
	query := `INSERT INTO license_keys (id, code, product_id, generated_by, purchased_by, expires_at, is_active, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.tx.ExecContext(ctx, query, key.ID, key.Code, key.ProductID, key.GeneratedBy, key.PurchasedBy, key.ExpiresAt, key.IsActive, key.CreatedAt)
	return classify(err)
}

func (t *pgTx) LockKeyByCode(ctx context.Context, code string) (*domain.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM license_keys WHERE code = $1 FOR UPDATE`
	return scanKey(t.tx.QueryRowContext(ctx, query, code))
}

func (t *pgTx) LockKeyByID(ctx context.Context, id string) (*domain.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM license_keys WHERE id = $1 FOR UPDATE`
	return scanKey(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) MarkKeyRedeemed(ctx context.Context, keyID, userID, hwid, ip string, at time.Time) error {
	query := `UPDATE license_keys SET redeemed_by = $2, hwid_lock = $3, redeemed_at = $4, redemption_ip = NULLIF($5, '')
	          WHERE id = $1 AND redeemed_by IS NULL`
	res, err := t.tx.ExecContext(ctx, query, keyID, userID, hwid, at, ip)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewError(domain.KindAlreadyRedeemed, "key already redeemed")
	}
	return nil
}

func (t *pgTx) DeactivateKey(ctx context.Context, keyID, adminID string, at time.Time) error {
	query := `UPDATE license_keys SET is_active = FALSE, deactivated_by = $2, deactivated_at = $3 WHERE id = $1`
	_, err := t.tx.ExecContext(ctx, query, keyID, adminID, at)
	return err
}

func (t *pgTx) UpdateKeyHWIDLock(ctx context.Context, keyID, hwid string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE license_keys SET hwid_lock = $2 WHERE id = $1 AND redeemed_by IS NOT NULL`, keyID, hwid)
	return err
}

// LockHWID takes a transaction-scoped advisory lock on the device id, so the
// exclusivity check and the insert that follows cannot interleave with another
// transaction on the same device.
func (t *pgTx) LockHWID(ctx context.Context, hwid string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, hwid)
	return err
}

func (t *pgTx) FindActiveSubscriptionByHWID(ctx context.Context, hwid string, now time.Time) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
	          WHERE hwid = $1 AND is_active AND expires_at > $2 LIMIT 1`
	return scanSubscription(t.tx.QueryRowContext(ctx, query, hwid, now))
}

func (t *pgTx) ExpireSubscriptionsByHWID(ctx context.Context, hwid string, now time.Time) (int64, error) {
	query := `UPDATE subscriptions SET is_active = FALSE, deactivation_reason = 'expired', updated_at = $2
	          WHERE hwid = $1 AND is_active AND expires_at <= $2`
	res, err := t.tx.ExecContext(ctx, query, hwid, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) InsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	query := `INSERT INTO subscriptions (id, user_id, product_id, key_id, hwid, starts_at, expires_at, is_active, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := t.tx.ExecContext(ctx, query, sub.ID, sub.UserID, sub.ProductID, sub.KeyID, sub.HWID, sub.StartsAt, sub.ExpiresAt, sub.IsActive, sub.CreatedAt)
	return classify(err)
}

func (t *pgTx) FindSubscriptionByKeyID(ctx context.Context, keyID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE key_id = $1`
	return scanSubscription(t.tx.QueryRowContext(ctx, query, keyID))
}

func (t *pgTx) LockSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	return scanSubscription(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) UpdateSubscriptionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE subscriptions SET expires_at = $2, updated_at = NOW() WHERE id = $1`, id, expiresAt)
	return err
}

func (t *pgTx) DeactivateSubscription(ctx context.Context, id, reason string, at time.Time) error {
	query := `UPDATE subscriptions SET is_active = FALSE, deactivation_reason = $2, updated_at = $3 WHERE id = $1 AND is_active`
	_, err := t.tx.ExecContext(ctx, query, id, reason, at)
	return err
}

func (t *pgTx) UpdateSubscriptionHWID(ctx context.Context, id, hwid string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE subscriptions SET hwid = $2, updated_at = NOW() WHERE id = $1`, id, hwid)
	return classify(err)
}

func (t *pgTx) InsertHWIDChange(ctx context.Context, change *domain.HWIDChange) error {
	query := `INSERT INTO hwid_changes (id, subscription_id, user_id, old_hwid, new_hwid, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := t.tx.ExecContext(ctx, query, change.ID, change.SubscriptionID, change.UserID, change.OldHWID, change.NewHWID, change.CreatedAt)
	return err
}

// SweepExpiredSubscriptions flips one batch. Rows locked by another sweep or a
// redemption are skipped and picked up on a later pass.
func (t *pgTx) SweepExpiredSubscriptions(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := `WITH due AS (
	              SELECT id FROM subscriptions
	              WHERE is_active AND expires_at <= $1
	              ORDER BY expires_at
	              LIMIT $2
	              FOR UPDATE SKIP LOCKED
	          )
	          UPDATE subscriptions s SET is_active = FALSE, deactivation_reason = 'expired', updated_at = $1
	          FROM due WHERE s.id = due.id`
	res, err := t.tx.ExecContext(ctx, query, now, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) InsertPurchaseIfAbsent(ctx context.Context, purchase *domain.Purchase) (bool, error) {
	query := `INSERT INTO purchases (id, user_id, product_id, key_id, amount, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (key_id) DO NOTHING`
	res, err := t.tx.ExecContext(ctx, query, purchase.ID, purchase.UserID, purchase.ProductID, purchase.KeyID, purchase.Amount, purchase.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
