// Package ingest handles inbound webhook deliveries. The contract is
// persist-first: every delivery is durably recorded and acknowledged, even
// when its signature or payload is bad. Suspicious deliveries are flagged
// and alerted, never rejected.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/credentials"
	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// Service receives webhook deliveries.
type Service struct {
	db      *gorm.DB
	store   *credentials.Store
	ledger  audit.Ledger
	alerts  *alerts.Service
	bus     eventbus.EventBus
	limiter *rate.Limiter
	cfg     config.WebhookConfig
	logger  *zap.Logger

	maxAttempts int
}

func NewService(db *gorm.DB, store *credentials.Store, ledger audit.Ledger, alertSvc *alerts.Service, bus eventbus.EventBus, cfg config.WebhookConfig, maxAttempts int, logger *zap.Logger) *Service {
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 50
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	return &Service{
		db:          db,
		store:       store,
		ledger:      ledger,
		alerts:      alertSvc,
		bus:         bus,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		cfg:         cfg,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// envelope is the loosely parsed delivery body. Only routing fields are
// read here; the full payload stays opaque until processing.
type envelope struct {
	ID    json.Number `json:"id"`
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// Receive persists one delivery and returns the stored event. The returned
// error is non-nil only when the event could not be persisted; every other
// problem is recorded on the event itself.
func (s *Service) Receive(ctx context.Context, tenantID string, body []byte, headers http.Header, sourceIP string) (*models.WebhookEvent, error) {
	signature := headers.Get(s.cfg.SignatureHeader)
	signatureValid := s.verifySignature(ctx, tenantID, body, signature)

	event := &models.WebhookEvent{
		TenantID:       tenantID,
		Payload:        datatypes.JSON(body),
		SourceIP:       sourceIP,
		SignatureValid: signatureValid,
		Status:         models.EventStatusPending,
		MaxAttempts:    s.maxAttempts,
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Undecodable bodies are kept for forensics but never retried.
		event.Topic = "invalid_json"
		event.Status = models.EventStatusFailed
		event.LastError = "invalid JSON payload"
	} else {
		event.EventID = env.ID.String()
		event.Topic = env.Topic
		if event.Topic == "" {
			event.Topic = env.Type
		}
		event.ResourceID = env.Data.ID.String()
	}

	if headerJSON, err := json.Marshal(s.flattenHeaders(headers)); err == nil {
		event.Headers = datatypes.JSON(headerJSON)
	}

	// Idempotent re-delivery: same provider event ID for the same tenant
	// returns the original row.
	if event.EventID != "" && event.EventID != "0" {
		var existing models.WebhookEvent
		err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND event_id = ?", tenantID, event.EventID).
			First(&existing).Error
		if err == nil {
			s.logger.Debug("Duplicate delivery, returning existing event",
				zap.String("event_id", event.EventID),
				zap.String("tenant_id", tenantID))
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to check for duplicate delivery: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to persist webhook event: %w", err)
	}

	if !signatureValid {
		s.alerts.Raise(ctx, tenantID, alerts.TypeInvalidSignature, models.SeverityHigh,
			"webhook delivery failed signature verification",
			map[string]interface{}{"event_id": event.ID.String(), "topic": event.Topic})
	}

	if _, err := s.ledger.Append(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      "ingest",
		Action:     models.AuditActionEventReceived,
		EntityType: "webhook_event",
		EntityID:   event.ID.String(),
		Details: map[string]interface{}{
			"topic":           event.Topic,
			"signature_valid": signatureValid,
		},
	}); err != nil {
		s.logger.Error("Failed to audit webhook receipt", zap.Error(err))
	}

	// The nudge is best-effort and rate limited; workers poll the table
	// anyway, so a skipped publish only delays processing.
	if s.bus != nil && event.Status == models.EventStatusPending && s.limiter.Allow() {
		nudge := map[string]interface{}{"event_id": event.ID.String(), "tenant_id": tenantID}
		if err := s.bus.Publish(ctx, eventbus.TopicWebhookEvents, nudge); err != nil {
			s.logger.Warn("Failed to publish event nudge", zap.Error(err))
		}
	}

	return event, nil
}

// verifySignature checks the HMAC-SHA256 hex digest of the raw body against
// the tenant's webhook secret. No secret configured means no check.
func (s *Service) verifySignature(ctx context.Context, tenantID string, body []byte, signature string) bool {
	secret := s.cfg.Secret
	if s.store != nil {
		if tenantSecret, err := s.store.WebhookSecret(ctx, tenantID); err == nil && tenantSecret != "" {
			secret = tenantSecret
		}
	}
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Service) flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) > 0 {
			flat[key] = values[0]
		}
	}
	// Never store the signature itself alongside the payload it signs.
	delete(flat, http.CanonicalHeaderKey(s.cfg.SignatureHeader))
	delete(flat, "Authorization")
	return flat
}
