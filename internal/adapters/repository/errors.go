package repository

import (
	"database/sql/driver"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
)

// Postgres SQLSTATE codes the store reacts to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

// Constraint names from schema.sql.
const (
	constraintKeyCode         = "license_keys_code_key"
	constraintSubscriptionKey = "subscriptions_key_id_key"
	constraintActiveHWID      = "subscriptions_active_hwid_idx"
)

// classify maps driver errors onto domain kinds. Lock waits, serialization
// failures and dropped connections become transient; unique violations on the
// exclusivity constraints become the matching business error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
			return domain.WrapError(domain.KindTransientStore, "store contention", err)
		case pgUniqueViolation:
			switch pgErr.ConstraintName {
			case constraintActiveHWID:
				return domain.WrapError(domain.KindHWIDConflict, "device already has an active subscription", err)
			case constraintSubscriptionKey:
				return domain.WrapError(domain.KindAlreadyRedeemed, "key already redeemed", err)
			case constraintKeyCode:
				// Another writer took the code between the existence check and the insert.
				return domain.WrapError(domain.KindTransientStore, "key code collision", err)
			}
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return domain.WrapError(domain.KindTransientStore, "store connection lost", err)
	}
	return err
}
