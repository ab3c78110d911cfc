package testutil

import (
	"context"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

// MockCatalog implements ports.ProductCatalog with testify expectations.
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	args := m.Called(productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Product), args.Error(1)
}

// MockAPIKeyRepo implements ports.APIKeyRepository.
type MockAPIKeyRepo struct {
	mock.Mock
}

func (m *MockAPIKeyRepo) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	args := m.Called(key)
	return args.Error(0)
}

func (m *MockAPIKeyRepo) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	args := m.Called(keyHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

func (m *MockAPIKeyRepo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	args := m.Called()
	return args.Get(0).([]domain.APIKey), args.Error(1)
}

func (m *MockAPIKeyRepo) DeleteAPIKey(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// MockAuditSink implements ports.AuditSink.
type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) Record(ctx context.Context, event *domain.AuditEvent) error {
	args := m.Called(event)
	return args.Error(0)
}

// MockNotifier implements ports.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyRedeemed(ctx context.Context, userID string, summary domain.SubscriptionSummary) error {
	args := m.Called(userID, summary)
	return args.Error(0)
}
