package credentials

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// ErrNotFound is returned when no credential exists for a tenant/system pair.
var ErrNotFound = errors.New("credential not found")

// GlobalTenant is the tenant ID of the shared fallback credential.
const GlobalTenant = "_global"

// Store persists tenant credentials.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get loads the credential for a tenant and system.
func (s *Store) Get(ctx context.Context, tenantID, system string) (*models.TenantCredential, error) {
	var cred models.TenantCredential
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND system = ?", tenantID, system).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &cred, nil
}

// GetWithFallback loads the tenant credential, falling back to the global
// credential when the tenant has none of its own.
func (s *Store) GetWithFallback(ctx context.Context, tenantID, system string) (*models.TenantCredential, error) {
	cred, err := s.Get(ctx, tenantID, system)
	if errors.Is(err, ErrNotFound) && tenantID != GlobalTenant {
		return s.Get(ctx, GlobalTenant, system)
	}
	return cred, err
}

// Save upserts a credential.
func (s *Store) Save(ctx context.Context, cred *models.TenantCredential) error {
	if err := s.db.WithContext(ctx).Save(cred).Error; err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// WebhookSecret returns the HMAC secret for a tenant's gateway webhooks, or
// empty when the tenant has no gateway credential.
func (s *Store) WebhookSecret(ctx context.Context, tenantID string) (string, error) {
	cred, err := s.GetWithFallback(ctx, tenantID, models.SystemGateway)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cred.WebhookSecret, nil
}
