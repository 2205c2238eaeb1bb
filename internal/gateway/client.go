// Package gateway talks to the payment gateway's REST API.
package gateway

import (
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

// ErrPaymentNotFound is returned when the gateway has no such payment.
var ErrPaymentNotFound = errors.New("payment not found at gateway")

// Payment is the gateway's view of a payment.
type Payment struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	StatusDetail      string    `json:"status_detail"`
	TransactionAmount float64   `json:"transaction_amount"`
	CurrencyID        string    `json:"currency_id"`
	ExternalReference string    `json:"external_reference"`
	PayerEmail        string    `json:"payer_email"`
	Description       string    `json:"description"`
	DateLastUpdated   time.Time `json:"date_last_updated"`
}

// Client fetches payments from the gateway.
type Client interface {
	GetPayment(ctx context.Context, tenantID, paymentID string) (*Payment, error)
	SearchPayments(ctx context.Context, tenantID string, begin, end time.Time) ([]Payment, error)
}

// HTTPClient is the production client. Per-tenant access tokens come from
// the credential store; the config token is the fallback.
type HTTPClient struct {
	baseURL     string
	accessToken string
	store       *credentials.Store
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewHTTPClient(cfg config.GatewayConfig, store *credentials.Store, logger *zap.Logger) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		store:       store,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

func (c *HTTPClient) tokenFor(ctx context.Context, tenantID string) string {
	if c.store != nil {
		cred, err := c.store.GetWithFallback(ctx, tenantID, models.SystemGateway)
		if err == nil && cred.AccessToken != "" {
			return cred.AccessToken
		}
	}
	return c.accessToken
}

func (c *HTTPClient) GetPayment(ctx context.Context, tenantID, paymentID string) (*Payment, error) {
	endpoint := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, url.PathEscape(paymentID))

	var payment Payment
	if err := c.get(ctx, tenantID, endpoint, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *HTTPClient) SearchPayments(ctx context.Context, tenantID string, begin, end time.Time) ([]Payment, error) {
	params := url.Values{}
	params.Set("range", "date_last_updated")
	params.Set("begin_date", begin.UTC().Format(time.RFC3339))
	params.Set("end_date", end.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/v1/payments/search?%s", c.baseURL, params.Encode())

	var result struct {
		Results []Payment `json:"results"`
	}
	if err := c.get(ctx, tenantID, endpoint, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

func (c *HTTPClient) get(ctx context.Context, tenantID, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return faults.Permanent(fmt.Errorf("failed to build gateway request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.tokenFor(ctx, tenantID))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Retryable(fmt.Errorf("gateway request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return faults.Retryable(fmt.Errorf("failed to decode gateway response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return faults.Permanent(ErrPaymentNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.Retryablef("gateway rejected credentials: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return faults.Retryablef("gateway unavailable: status %d", resp.StatusCode)
	default:
		return faults.Permanentf("gateway returned status %d", resp.StatusCode)
	}
}
