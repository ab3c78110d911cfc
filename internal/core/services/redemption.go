package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

type redemptionService struct {
	store      ports.LicenseStore
	catalog    ports.ProductCatalog
	hwid       *HWIDValidator
	postCommit *PostCommit
	retries    uint64
	logger     *slog.Logger
	now        func() time.Time
}

// NewRedemptionService wires the redemption engine.
func NewRedemptionService(
	store ports.LicenseStore,
	catalog ports.ProductCatalog,
	hwid *HWIDValidator,
	postCommit *PostCommit,
	logger *slog.Logger,
) ports.RedemptionService {
	if logger == nil {
		logger = slog.Default()
	}
	if hwid == nil {
		hwid = NewHWIDValidator(false, nil, logger)
	}
	return &redemptionService{
		store:      store,
		catalog:    catalog,
		hwid:       hwid,
		postCommit: postCommit,
		retries:    DefaultTransientRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// Redeem consumes a key and binds a new subscription to the user and device.
//
// The key row lock and the HWID lock are taken inside the same transaction that
// re-checks exclusivity and writes the subscription, so two concurrent calls can
// neither redeem one code twice nor activate two subscriptions on one device.
func (s *redemptionService) Redeem(ctx context.Context, req ports.RedeemRequest) (*domain.Redemption, error) {
	started := time.Now()
	result, err := s.redeem(ctx, req)
	metrics.RedemptionDuration.Observe(time.Since(started).Seconds())

	masked := domain.MaskCode(domain.NormalizeCode(req.Code))
	if err != nil {
		kind := domain.KindOf(err)
		if kind == "" {
			kind = "internal"
		}
		metrics.RedemptionsTotal.WithLabelValues(string(kind)).Inc()
		if kind == domain.KindTransientStore || kind == "internal" {
			s.logger.Error("redemption failed", "code", masked, "user_id", req.UserID, "error", err)
		} else {
			s.logger.Info("redemption rejected", "code", masked, "user_id", req.UserID, "reason", kind)
		}
		return nil, err
	}

	metrics.RedemptionsTotal.WithLabelValues("success").Inc()
	s.logger.Info("key redeemed", "code", masked, "user_id", req.UserID,
		"subscription_id", result.Subscription.ID, "expires_at", result.Subscription.ExpiresAt)
	return result, nil
}

func (s *redemptionService) redeem(ctx context.Context, req ports.RedeemRequest) (*domain.Redemption, error) {
	code := domain.NormalizeCode(req.Code)
	if err := domain.ValidateCode(code); err != nil {
		return nil, err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.NewError(domain.KindValidation, "user id is required")
	}
	hwid, risk, err := s.hwid.Check(req.HWID)
	if err != nil {
		return nil, err
	}

	var result *domain.Redemption
	err = retryTransient(ctx, s.retries, "redeem", func(attempt int) error {
		result = nil
		return s.store.InTx(ctx, func(tx ports.LicenseTx) error {
			now := s.now()

			key, err := tx.LockKeyByCode(ctx, code)
			if err != nil {
				return err
			}
			if key == nil {
				return domain.NewError(domain.KindNotFound, "key not found")
			}

			if key.IsRedeemed() {
				// A retry after an uncertain commit may find its own earlier write.
				// A concurrent duplicate from the same user and device is
				// indistinguishable from that write, so both callers see success.
				if attempt > 1 && *key.RedeemedBy == userID && key.HWIDLock != nil && *key.HWIDLock == hwid {
					sub, err := tx.FindSubscriptionByKeyID(ctx, key.ID)
					if err != nil {
						return err
					}
					if sub != nil {
						result = &domain.Redemption{Subscription: sub, Key: key}
						return nil
					}
				}
				return domain.NewError(domain.KindAlreadyRedeemed, "key already redeemed")
			}
			if key.IsExpired(now) {
				return domain.NewError(domain.KindExpired, "key expired")
			}
			if !key.IsActive {
				return domain.NewError(domain.KindDeactivated, "key deactivated")
			}

			if err := tx.LockHWID(ctx, hwid); err != nil {
				return err
			}
			if _, err := tx.ExpireSubscriptionsByHWID(ctx, hwid, now); err != nil {
				return err
			}
			existing, err := tx.FindActiveSubscriptionByHWID(ctx, hwid, now)
			if err != nil {
				return err
			}
			if existing != nil {
				return domain.NewError(domain.KindHWIDConflict, "device already has an active subscription")
			}

			product, err := s.catalog.GetProduct(ctx, key.ProductID)
			if err != nil {
				return err
			}
			if product == nil {
				return domain.NewError(domain.KindNotFound, "product not found")
			}
			if !product.IsActive {
				return domain.NewError(domain.KindValidation, "product is not active")
			}
			startsAt, expiresAt, err := domain.SubscriptionWindow(now, product.DurationDays)
			if err != nil {
				return err
			}

			if err := tx.MarkKeyRedeemed(ctx, key.ID, userID, hwid, req.SourceIP, now); err != nil {
				return err
			}
			key.RedeemedBy = &userID
			key.HWIDLock = &hwid
			key.RedeemedAt = &now
			if req.SourceIP != "" {
				ip := req.SourceIP
				key.RedemptionIP = &ip
			}

			sub := &domain.Subscription{
				ID:        uuid.New().String(),
				UserID:    userID,
				ProductID: product.ID,
				KeyID:     key.ID,
				HWID:      hwid,
				StartsAt:  startsAt,
				ExpiresAt: expiresAt,
				IsActive:  true,
				CreatedAt: now,
			}
			if err := tx.InsertSubscription(ctx, sub); err != nil {
				return err
			}

			buyer := userID
			if key.PurchasedBy != nil {
				buyer = *key.PurchasedBy
			}
			if _, err := tx.InsertPurchaseIfAbsent(ctx, &domain.Purchase{
				ID:        uuid.New().String(),
				UserID:    buyer,
				ProductID: product.ID,
				KeyID:     key.ID,
				Amount:    product.Price,
				CreatedAt: now,
			}); err != nil {
				return err
			}

			result = &domain.Redemption{Subscription: sub, Key: key}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	details := map[string]string{
		"key_id":          result.Key.ID,
		"subscription_id": result.Subscription.ID,
		"product_id":      result.Subscription.ProductID,
		"hwid":            hwid,
	}
	if risk.Suspicious {
		details["hwid_risk"] = strings.Join(risk.Codes(), ",")
	}
	s.postCommit.Audit(ctx, newAuditEvent(domain.AuditKeyRedeemed, userID, req.SourceIP, details))
	s.postCommit.Redeemed(ctx, userID, result.Subscription.Summary())
	return result, nil
}
