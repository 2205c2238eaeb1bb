// Package crm talks to the CRM's contact API using tokens handed out by the
// credential manager.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/credentials"
	"github.com/lexure-intelligence/payment-integrity/internal/faults"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// ErrContactNotFound is returned when the CRM has no such contact.
var ErrContactNotFound = errors.New("contact not found in CRM")

// Contact is the CRM's view of a contact, trimmed to what the service needs.
type Contact struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

// Client applies payment results to CRM contacts.
type Client interface {
	ApplyPaymentTag(ctx context.Context, tenantID, contactID, tag string, amount float64) error
	GetContact(ctx context.Context, tenantID, contactID string) (*Contact, error)
}

// HTTPClient is the production client.
type HTTPClient struct {
	baseURL    string
	manager    *credentials.Manager
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(cfg config.CRMConfig, manager *credentials.Manager, logger *zap.Logger) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		manager:    manager,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// TagFor builds the tag applied to a contact for a paid amount.
func TagFor(prefix string, amount float64) string {
	return fmt.Sprintf("%s_%.2f", prefix, amount)
}

func (c *HTTPClient) ApplyPaymentTag(ctx context.Context, tenantID, contactID, tag string, amount float64) error {
	contact, err := c.GetContact(ctx, tenantID, contactID)
	if err != nil {
		return err
	}

	for _, existing := range contact.Tags {
		if existing == tag {
			return nil
		}
	}

	body := map[string]interface{}{
		"tags": append(contact.Tags, tag),
		"customFields": []map[string]interface{}{
			{"key": "last_payment_amount", "field_value": amount},
			{"key": "last_payment_date", "field_value": time.Now().UTC().Format(time.RFC3339)},
		},
	}
	endpoint := fmt.Sprintf("%s/contacts/%s", c.baseURL, url.PathEscape(contactID))
	return c.do(ctx, tenantID, http.MethodPut, endpoint, body, nil)
}

func (c *HTTPClient) GetContact(ctx context.Context, tenantID, contactID string) (*Contact, error) {
	endpoint := fmt.Sprintf("%s/contacts/%s", c.baseURL, url.PathEscape(contactID))

	var wrapper struct {
		Contact Contact `json:"contact"`
	}
	if err := c.do(ctx, tenantID, http.MethodGet, endpoint, nil, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Contact.ID == "" {
		wrapper.Contact.ID = contactID
	}
	return &wrapper.Contact, nil
}

// do performs one authenticated request. A 401 triggers exactly one forced
// token refresh and retry; a second rejection is permanent.
func (c *HTTPClient) do(ctx context.Context, tenantID, method, endpoint string, body, out interface{}) error {
	cred, err := c.manager.GetValidCredential(ctx, tenantID, models.SystemCRM)
	if err != nil {
		return err
	}

	status, err := c.doOnce(ctx, method, endpoint, cred.AccessToken, body, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return c.mapStatus(status)
	}

	c.logger.Warn("CRM rejected token, forcing refresh",
		zap.String("tenant_id", tenantID))
	cred, err = c.manager.ForceRefresh(ctx, tenantID, models.SystemCRM)
	if err != nil {
		return err
	}

	status, err = c.doOnce(ctx, method, endpoint, cred.AccessToken, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return faults.Permanentf("CRM rejected a freshly refreshed token")
	}
	return c.mapStatus(status)
}

func (c *HTTPClient) doOnce(ctx context.Context, method, endpoint, token string, body, out interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, faults.Permanent(fmt.Errorf("failed to marshal CRM request: %w", err))
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, faults.Permanent(fmt.Errorf("failed to build CRM request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, faults.Retryable(fmt.Errorf("CRM request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, faults.Retryable(fmt.Errorf("failed to decode CRM response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) mapStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return faults.Permanent(ErrContactNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return faults.Retryablef("CRM unavailable: status %d", status)
	default:
		return faults.Permanentf("CRM returned status %d", status)
	}
}
