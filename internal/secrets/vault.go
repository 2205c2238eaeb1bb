// Package secrets loads sensitive configuration from HashiCorp Vault when
// it is configured, overlaying the plain config values.
package secrets

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-integrity/internal/config"
)

// VaultClient reads service secrets from Vault.
type VaultClient struct {
	client *api.Client
	path   string
	logger *zap.Logger
}

// NewVaultClient creates a Vault client. Returns nil when Vault is not
// configured; callers treat a nil client as "use config values as-is".
func NewVaultClient(cfg config.VaultConfig, logger *zap.Logger) (*VaultClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	apiCfg := &api.Config{
		Address: cfg.Addr,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	path := cfg.SecretPath
	if path == "" {
		path = "secret/data/payment-integrity"
	}

	return &VaultClient{client: client, path: path, logger: logger}, nil
}

// GetSecret reads one secret path and flattens its string values.
func (v *VaultClient) GetSecret(path string) (map[string]string, error) {
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}

	// KV v2 nests the payload under "data".
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	values := make(map[string]string)
	for key, value := range data {
		if s, ok := value.(string); ok {
			values[key] = s
		}
	}
	return values, nil
}

// Overlay replaces secret-bearing config fields with Vault values when
// present. Missing keys leave the config untouched.
func (v *VaultClient) Overlay(cfg *config.Config) error {
	values, err := v.GetSecret(v.path)
	if err != nil {
		return err
	}

	if s, ok := values["webhook_secret"]; ok {
		cfg.Webhook.Secret = s
	}
	if s, ok := values["gateway_access_token"]; ok {
		cfg.Gateway.AccessToken = s
	}
	if s, ok := values["crm_client_id"]; ok {
		cfg.CRM.ClientID = s
	}
	if s, ok := values["crm_client_secret"]; ok {
		cfg.CRM.ClientSecret = s
	}
	if s, ok := values["database_password"]; ok {
		cfg.Database.Password = s
	}
	if s, ok := values["admin_token"]; ok {
		cfg.Admin.Token = s
	}

	v.logger.Info("Secrets loaded from Vault", zap.Int("keys", len(values)))
	return nil
}

// HealthCheck checks if Vault is accessible.
func (v *VaultClient) HealthCheck() error {
	if _, err := v.client.Sys().Health(); err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	return nil
}
