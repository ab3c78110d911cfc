package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

const (
	MinIssueQuantity = 1
	MaxIssueQuantity = 1000
)

type keyService struct {
	store      ports.LicenseStore
	catalog    ports.ProductCatalog
	generator  *CodeGenerator
	postCommit *PostCommit
	retries    uint64
	logger     *slog.Logger
	now        func() time.Time
}

// NewKeyService wires issuance, status lookups and key deactivation.
func NewKeyService(
	store ports.LicenseStore,
	catalog ports.ProductCatalog,
	generator *CodeGenerator,
	postCommit *PostCommit,
	logger *slog.Logger,
) ports.KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	if generator == nil {
		generator = NewCodeGenerator(nil)
	}
	return &keyService{
		store:      store,
		catalog:    catalog,
		generator:  generator,
		postCommit: postCommit,
		retries:    DefaultTransientRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// GenerateCodes issues a batch of keys in a single transaction; any failure
// rolls back the whole batch.
func (s *keyService) GenerateCodes(ctx context.Context, req ports.IssueRequest) ([]domain.Key, error) {
	if req.Quantity < MinIssueQuantity || req.Quantity > MaxIssueQuantity {
		return nil, domain.NewError(domain.KindValidation,
			fmt.Sprintf("quantity must be between %d and %d", MinIssueQuantity, MaxIssueQuantity))
	}
	if req.ProductID == "" {
		return nil, domain.NewError(domain.KindValidation, "product id is required")
	}
	if req.IssuedBy == "" {
		return nil, domain.NewError(domain.KindValidation, "issuer is required")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, domain.NewError(domain.KindValidation, "expiry must be in the future")
	}

	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, domain.NewError(domain.KindNotFound, "product not found")
	}
	if !product.IsActive {
		return nil, domain.NewError(domain.KindValidation, "product is not active")
	}

	var keys []domain.Key
	err = retryTransient(ctx, s.retries, "issue", func(_ int) error {
		keys = make([]domain.Key, 0, req.Quantity)
		return s.store.InTx(ctx, func(tx ports.LicenseTx) error {
			now := s.now()
			for i := 0; i < req.Quantity; i++ {
				code, err := s.generator.GenerateUnique(ctx, tx.KeyCodeExists)
				if err != nil {
					return err
				}
				key := domain.Key{
					ID:          uuid.New().String(),
					Code:        code,
					ProductID:   product.ID,
					GeneratedBy: req.IssuedBy,
					ExpiresAt:   req.ExpiresAt,
					IsActive:    true,
					CreatedAt:   now,
				}
				if err := tx.InsertKey(ctx, &key); err != nil {
					return err
				}
				keys = append(keys, key)
			}
			return nil
		})
	})
	if err != nil {
		s.logger.Error("key issuance failed", "product_id", req.ProductID, "quantity", req.Quantity, "error", err)
		return nil, err
	}

	metrics.KeysIssued.WithLabelValues(product.ID).Add(float64(len(keys)))
	s.logger.Info("keys issued", "product_id", product.ID, "quantity", len(keys), "issued_by", req.IssuedBy)
	s.postCommit.Audit(ctx, newAuditEvent(domain.AuditKeysIssued, req.IssuedBy, req.IP, map[string]string{
		"product_id": product.ID,
		"quantity":   strconv.Itoa(len(keys)),
	}))
	return keys, nil
}

func (s *keyService) FindByCode(ctx context.Context, code string) (*domain.Key, error) {
	code = domain.NormalizeCode(code)
	if err := domain.ValidateCode(code); err != nil {
		return nil, err
	}
	key, err := s.store.FindKeyByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, domain.NewError(domain.KindNotFound, "key not found")
	}
	return key, nil
}

// GetStatus is the public, read-only projection. A well-formed but unknown code
// yields Exists=false rather than an error.
func (s *keyService) GetStatus(ctx context.Context, code string) (domain.KeyStatusView, error) {
	code = domain.NormalizeCode(code)
	if err := domain.ValidateCode(code); err != nil {
		return domain.KeyStatusView{}, err
	}
	key, err := s.store.FindKeyByCode(ctx, code)
	if err != nil {
		return domain.KeyStatusView{}, err
	}
	if key == nil {
		return domain.KeyStatusView{Exists: false}, nil
	}
	return key.StatusView(s.now()), nil
}

// DeactivateKey revokes an unredeemed key. Redeemed keys can never be deactivated.
func (s *keyService) DeactivateKey(ctx context.Context, keyID, adminID string) error {
	if keyID == "" {
		return domain.NewError(domain.KindValidation, "key id is required")
	}
	changed := false
	err := retryTransient(ctx, s.retries, "deactivate_key", func(_ int) error {
		changed = false
		return s.store.InTx(ctx, func(tx ports.LicenseTx) error {
			key, err := tx.LockKeyByID(ctx, keyID)
			if err != nil {
				return err
			}
			if key == nil {
				return domain.NewError(domain.KindNotFound, "key not found")
			}
			if key.IsRedeemed() {
				return domain.NewError(domain.KindAlreadyRedeemed, "redeemed keys cannot be deactivated")
			}
			if !key.IsActive {
				return nil
			}
			changed = true
			return tx.DeactivateKey(ctx, key.ID, adminID, s.now())
		})
	})
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info("key deactivated", "key_id", keyID, "admin_id", adminID)
		s.postCommit.Audit(ctx, newAuditEvent(domain.AuditKeyDeactivated, adminID, "", map[string]string{
			"key_id": keyID,
		}))
	}
	return nil
}
