package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

// DefaultSweepBatch is how many rows one sweep transaction flips at most.
const DefaultSweepBatch = 500

type subscriptionService struct {
	store      ports.LicenseStore
	hwid       *HWIDValidator
	postCommit *PostCommit
	retries    uint64
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSubscriptionService wires the subscription lifecycle manager.
func NewSubscriptionService(
	store ports.LicenseStore,
	hwid *HWIDValidator,
	postCommit *PostCommit,
	logger *slog.Logger,
) ports.SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	if hwid == nil {
		hwid = NewHWIDValidator(false, nil, logger)
	}
	return &subscriptionService{
		store:      store,
		hwid:       hwid,
		postCommit: postCommit,
		retries:    DefaultTransientRetries,
		batch:      DefaultSweepBatch,
		logger:     logger,
		now:        time.Now,
	}
}

// SweepExpired flips every active subscription whose expiry has passed. Rows
// already flipped, or held by a concurrent sweep, are skipped, so repeated and
// overlapping runs are safe.
func (s *subscriptionService) SweepExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		var n int64
		err := retryTransient(ctx, s.retries, "sweep", func(_ int) error {
			return s.store.InTx(ctx, func(tx ports.LicenseTx) error {
				var err error
				n, err = tx.SweepExpiredSubscriptions(ctx, s.now(), s.batch)
				return err
			})
		})
		if err != nil {
			s.logger.Error("subscription sweep failed", "swept", total, "error", err)
			return total, err
		}
		total += n
		if n < int64(s.batch) {
			break
		}
	}

	metrics.SubscriptionsSwept.Add(float64(total))
	if total > 0 {
		s.logger.Info("expired subscriptions deactivated", "count", total)
		s.postCommit.Audit(ctx, newAuditEvent(domain.AuditSubscriptionsSwept, "", "", map[string]string{
			"count": strconv.FormatInt(total, 10),
		}))
	}
	return total, nil
}

// Extend adds days to the current expiry, so remaining time carries over.
func (s *subscriptionService) Extend(ctx context.Context, subscriptionID string, additionalDays int, adminID string) (time.Time, error) {
	if additionalDays <= 0 || additionalDays > domain.MaxExtensionDays {
		return time.Time{}, domain.NewError(domain.KindValidation,
			fmt.Sprintf("extension must be between 1 and %d days", domain.MaxExtensionDays))
	}

	var newExpiry time.Time
	err := retryTransient(ctx, s.retries, "extend", func(_ int) error {
		return s.store.InTx(ctx, func(tx ports.LicenseTx) error {
			sub, err := tx.LockSubscription(ctx, subscriptionID)
			if err != nil {
				return err
			}
			if sub == nil {
				return domain.NewError(domain.KindNotFound, "subscription not found")
			}
			if !sub.IsActive {
				return domain.NewError(domain.KindAlreadyInactive, "subscription is inactive")
			}
			newExpiry, err = sub.Extend(additionalDays)
			if err != nil {
				return err
			}
			return tx.UpdateSubscriptionExpiry(ctx, sub.ID, newExpiry)
		})
	})
	if err != nil {
		return time.Time{}, err
	}

	s.logger.Info("subscription extended", "subscription_id", subscriptionID, "days", additionalDays, "expires_at", newExpiry)
	s.postCommit.Audit(ctx, newAuditEvent(domain.AuditSubscriptionExtended, adminID, "", map[string]string{
		"subscription_id": subscriptionID,
		"days":            strconv.Itoa(additionalDays),
		"expires_at":      newExpiry.Format(time.RFC3339),
	}))
	return newExpiry, nil
}

// Deactivate ends a subscription early. There is no path back to active.
func (s *subscriptionService) Deactivate(ctx context.Context, subscriptionID, reason, adminID string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "admin"
	}

	err := retryTransient(ctx, s.retries, "deactivate_subscription", func(_ int) error {
		return s.store.InTx(ctx, func(tx ports.LicenseTx) error {
			sub, err := tx.LockSubscription(ctx, subscriptionID)
			if err != nil {
				return err
			}
			if sub == nil {
				return domain.NewError(domain.KindNotFound, "subscription not found")
			}
			if !sub.IsActive {
				return domain.NewError(domain.KindAlreadyInactive, "subscription already inactive")
			}
			return tx.DeactivateSubscription(ctx, sub.ID, reason, s.now())
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription deactivated", "subscription_id", subscriptionID, "reason", reason, "admin_id", adminID)
	s.postCommit.Audit(ctx, newAuditEvent(domain.AuditSubscriptionDeactivate, adminID, "", map[string]string{
		"subscription_id": subscriptionID,
		"reason":          reason,
	}))
	return nil
}

// ChangeHWID moves the owner's active subscription to another device, subject to
// the per-user change throttle and the same exclusivity rule as redemption.
// Only a change that passes every other check consumes a throttle slot.
func (s *subscriptionService) ChangeHWID(ctx context.Context, req ports.HWIDChangeRequest) (*domain.Subscription, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.NewError(domain.KindValidation, "user id is required")
	}
	newHWID, _, err := s.hwid.Check(req.NewHWID)
	if err != nil {
		return nil, err
	}

	var result *domain.Subscription
	var oldHWID string
	charged := false
	err = retryTransient(ctx, s.retries, "change_hwid", func(_ int) error {
		result = nil
		return s.store.InTx(ctx, func(tx ports.LicenseTx) error {
			now := s.now()
			sub, err := tx.LockSubscription(ctx, req.SubscriptionID)
			if err != nil {
				return err
			}
			if sub == nil {
				return domain.NewError(domain.KindNotFound, "subscription not found")
			}
			if sub.UserID != userID {
				return domain.NewError(domain.KindForbidden, "subscription belongs to another user")
			}
			if !sub.IsActive {
				return domain.NewError(domain.KindAlreadyInactive, "subscription is inactive")
			}
			if !sub.IsActiveAt(now) {
				return domain.NewError(domain.KindExpired, "subscription expired")
			}
			if sub.HWID == newHWID {
				result = sub
				return nil
			}

			if err := tx.LockHWID(ctx, newHWID); err != nil {
				return err
			}
			if _, err := tx.ExpireSubscriptionsByHWID(ctx, newHWID, now); err != nil {
				return err
			}
			existing, err := tx.FindActiveSubscriptionByHWID(ctx, newHWID, now)
			if err != nil {
				return err
			}
			if existing != nil {
				return domain.NewError(domain.KindHWIDConflict, "device already has an active subscription")
			}
			if !charged {
				if err := s.hwid.AllowChange(ctx, userID); err != nil {
					return err
				}
				charged = true
			}

			oldHWID = sub.HWID
			if err := tx.UpdateSubscriptionHWID(ctx, sub.ID, newHWID); err != nil {
				return err
			}
			if err := tx.UpdateKeyHWIDLock(ctx, sub.KeyID, newHWID); err != nil {
				return err
			}
			if err := tx.InsertHWIDChange(ctx, &domain.HWIDChange{
				ID:             uuid.New().String(),
				SubscriptionID: sub.ID,
				UserID:         userID,
				OldHWID:        oldHWID,
				NewHWID:        newHWID,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
			sub.HWID = newHWID
			result = sub
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if oldHWID != "" {
		s.logger.Info("subscription moved to new device", "subscription_id", result.ID, "user_id", userID)
		s.postCommit.Audit(ctx, newAuditEvent(domain.AuditHWIDChanged, userID, req.IP, map[string]string{
			"subscription_id": result.ID,
			"old_hwid":        oldHWID,
			"new_hwid":        newHWID,
		}))
	}
	return result, nil
}

func (s *subscriptionService) ListForUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewError(domain.KindValidation, "user id is required")
	}
	return s.store.ListSubscriptionsForUser(ctx, userID)
}

// ActiveForHWID returns the subscription currently granting access on hwid.
func (s *subscriptionService) ActiveForHWID(ctx context.Context, hwid string) (*domain.Subscription, error) {
	if _, err := domain.ValidateHWIDFormat(hwid); err != nil {
		return nil, err
	}
	sub, err := s.store.FindActiveSubscriptionByHWID(ctx, domain.NormalizeHWID(hwid), s.now())
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.NewError(domain.KindNotFound, "no active subscription for device")
	}
	return sub, nil
}
