// Package credentials owns OAuth credential storage and the token lifecycle:
// proactive refresh ahead of expiry, single-flighted per tenant and system,
// with deactivation after repeated refresh failures.
package credentials

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/faults"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

const (
	// RefreshLookahead is how far before expiry a token is refreshed.
	RefreshLookahead = 10 * time.Minute

	// maxRefreshFailures deactivates a credential once consecutive
	// refresh attempts keep failing.
	maxRefreshFailures = 3
)

// Manager hands out valid access tokens, refreshing them as needed.
type Manager struct {
	store    *Store
	ledger   audit.Ledger
	alerts   *alerts.Service
	logger   *zap.Logger
	oauthCfg *oauth2.Config

	group singleflight.Group

	// now is swapped in tests
	now func() time.Time
}

// NewManager creates a token lifecycle manager. tokenURL is the OAuth token
// endpoint used for refresh grants.
func NewManager(store *Store, ledger audit.Ledger, alertSvc *alerts.Service, clientID, clientSecret, tokenURL string, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		ledger: ledger,
		alerts: alertSvc,
		logger: logger,
		oauthCfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		now: time.Now,
	}
}

// GetValidCredential returns a credential whose access token is good for at
// least the refresh lookahead. Refreshes are single-flighted per
// (tenant, system); concurrent callers share one refresh result.
func (m *Manager) GetValidCredential(ctx context.Context, tenantID, system string) (*models.TenantCredential, error) {
	cred, err := m.store.GetWithFallback(ctx, tenantID, system)
	if err != nil {
		return nil, faults.Permanent(fmt.Errorf("no credential for tenant %s system %s: %w", tenantID, system, err))
	}
	if !cred.Active {
		return nil, faults.Permanentf("credential for tenant %s system %s is deactivated", tenantID, system)
	}
	if !cred.NeedsRefresh(RefreshLookahead) {
		return cred, nil
	}
	return m.refresh(ctx, cred, false)
}

// ForceRefresh refreshes immediately, regardless of expiry. Used after an
// external API rejects a token that looked valid.
func (m *Manager) ForceRefresh(ctx context.Context, tenantID, system string) (*models.TenantCredential, error) {
	cred, err := m.store.GetWithFallback(ctx, tenantID, system)
	if err != nil {
		return nil, faults.Permanent(err)
	}
	if !cred.Active {
		return nil, faults.Permanentf("credential for tenant %s system %s is deactivated", tenantID, system)
	}
	return m.refresh(ctx, cred, true)
}

func (m *Manager) refresh(ctx context.Context, cred *models.TenantCredential, force bool) (*models.TenantCredential, error) {
	key := cred.TenantID + "|" + cred.System

	result, err, _ := m.group.Do(key, func() (interface{}, error) {
		// Re-read inside the flight: a concurrent caller may have
		// refreshed while we waited on the lock.
		current, err := m.store.Get(ctx, cred.TenantID, cred.System)
		if err != nil {
			return nil, faults.Retryable(err)
		}
		if !force && !current.NeedsRefresh(RefreshLookahead) {
			return current, nil
		}
		return m.doRefresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.TenantCredential), nil
}

func (m *Manager) doRefresh(ctx context.Context, cred *models.TenantCredential) (*models.TenantCredential, error) {
	if cred.RefreshToken == "" {
		return nil, faults.Permanentf("credential for tenant %s has no refresh token", cred.TenantID)
	}

	// Expiry in the past forces the token source to hit the endpoint.
	stale := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       m.now().Add(-time.Hour),
	}
	token, err := m.oauthCfg.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, m.recordFailure(ctx, cred, err)
	}

	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		cred.TokenType = token.TokenType
	}
	cred.ExpiresAt = token.Expiry
	cred.ConsecutiveFailures = 0
	refreshedAt := m.now()
	cred.LastRefreshedAt = &refreshedAt

	if err := m.store.Save(ctx, cred); err != nil {
		return nil, faults.Retryable(err)
	}

	if _, err := m.ledger.Append(ctx, audit.Entry{
		TenantID:   cred.TenantID,
		Actor:      "credential_manager",
		Action:     models.AuditActionCredentialRotated,
		EntityType: "tenant_credential",
		EntityID:   cred.ID.String(),
		Details: map[string]interface{}{
			"system":     cred.System,
			"expires_at": cred.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		m.logger.Error("Failed to audit credential rotation", zap.Error(err))
	}

	m.logger.Info("Credential refreshed",
		zap.String("tenant_id", cred.TenantID),
		zap.String("system", cred.System),
		zap.Time("expires_at", cred.ExpiresAt))

	return cred, nil
}

func (m *Manager) recordFailure(ctx context.Context, cred *models.TenantCredential, cause error) error {
	cred.ConsecutiveFailures++
	deactivated := false
	if cred.ConsecutiveFailures >= maxRefreshFailures {
		cred.Active = false
		deactivated = true
	}
	if err := m.store.Save(ctx, cred); err != nil {
		m.logger.Error("Failed to record refresh failure", zap.Error(err))
	}

	if _, err := m.ledger.Append(ctx, audit.Entry{
		TenantID:   cred.TenantID,
		Actor:      "credential_manager",
		Action:     models.AuditActionCredentialExpired,
		EntityType: "tenant_credential",
		EntityID:   cred.ID.String(),
		Details: map[string]interface{}{
			"system":               cred.System,
			"consecutive_failures": cred.ConsecutiveFailures,
			"deactivated":          deactivated,
		},
	}); err != nil {
		m.logger.Error("Failed to audit refresh failure", zap.Error(err))
	}

	if deactivated {
		m.alerts.Raise(ctx, cred.TenantID, alerts.TypeCredentialDeactivated, models.SeverityCritical,
			"credential deactivated after repeated refresh failures",
			map[string]interface{}{"system": cred.System})
		return faults.Permanent(fmt.Errorf("credential deactivated after %d refresh failures: %w",
			cred.ConsecutiveFailures, cause))
	}

	m.logger.Warn("Credential refresh failed",
		zap.String("tenant_id", cred.TenantID),
		zap.String("system", cred.System),
		zap.Int("consecutive_failures", cred.ConsecutiveFailures),
		zap.Error(cause))

	return faults.Retryable(fmt.Errorf("token refresh failed: %w", cause))
}

// Status summarizes a credential without exposing its secrets.
type Status struct {
	TenantID            string     `json:"tenant_id"`
	System              string     `json:"system"`
	Active              bool       `json:"active"`
	ExpiresAt           time.Time  `json:"expires_at"`
	NeedsRefresh        bool       `json:"needs_refresh"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastRefreshedAt     *time.Time `json:"last_refreshed_at,omitempty"`
}

// StatusFor reports credential health for a tenant and system.
func (m *Manager) StatusFor(ctx context.Context, tenantID, system string) (*Status, error) {
	cred, err := m.store.Get(ctx, tenantID, system)
	if err != nil {
		return nil, err
	}
	return &Status{
		TenantID:            cred.TenantID,
		System:              cred.System,
		Active:              cred.Active,
		ExpiresAt:           cred.ExpiresAt,
		NeedsRefresh:        cred.NeedsRefresh(RefreshLookahead),
		ConsecutiveFailures: cred.ConsecutiveFailures,
		LastRefreshedAt:     cred.LastRefreshedAt,
	}, nil
}
