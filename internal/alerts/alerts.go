// Package alerts raises security and integrity alerts. Every alert is
// written to the audit ledger and published on the alert stream so
// downstream notifiers can fan it out.
package alerts

import (
	"context"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// Alert types raised across the pipeline.
const (
	TypeInvalidSignature      = "INVALID_WEBHOOK_SIGNATURE"
	TypeDuplicatePayment      = "DUPLICATE_PAYMENT_ATTEMPT"
	TypeUnknownReference      = "UNKNOWN_PAYMENT_REFERENCE"
	TypeAmountMismatch        = "AMOUNT_MISMATCH"
	TypeEventExhausted        = "EVENT_RETRIES_EXHAUSTED"
	TypeCredentialDeactivated = "CREDENTIAL_DEACTIVATED"
	TypeLedgerTampered        = "AUDIT_LEDGER_TAMPERED"
	TypeReconDiscrepancy      = "RECONCILIATION_DISCREPANCY"
)

// Service records security alerts.
type Service struct {
	ledger audit.Ledger
	bus    eventbus.EventBus
	logger *zap.Logger
}

func NewService(ledger audit.Ledger, bus eventbus.EventBus, logger *zap.Logger) *Service {
	return &Service{ledger: ledger, bus: bus, logger: logger}
}

// Raise records one alert. Failures to persist or publish are logged but
// never propagated; an alert must not break the pipeline that raised it.
func (s *Service) Raise(ctx context.Context, tenantID, alertType, severity, description string, details map[string]interface{}) {
	fields := []zap.Field{
		zap.String("alert_type", alertType),
		zap.String("severity", severity),
		zap.String("tenant_id", tenantID),
		zap.String("description", description),
	}
	if severity == models.SeverityCritical || severity == models.SeverityHigh {
		s.logger.Error("Security alert", fields...)
	} else {
		s.logger.Warn("Security alert", fields...)
	}

	entryDetails := map[string]interface{}{
		"alert_type":  alertType,
		"severity":    severity,
		"description": description,
	}
	for k, v := range details {
		entryDetails[k] = v
	}

	if _, err := s.ledger.Append(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      "security",
		Action:     models.AuditActionSecurityAlert,
		EntityType: "alert",
		EntityID:   alertType,
		Details:    entryDetails,
	}); err != nil {
		s.logger.Error("Failed to audit alert", zap.Error(err))
	}

	if s.bus != nil {
		event := map[string]interface{}{
			"tenant_id":   tenantID,
			"alert_type":  alertType,
			"severity":    severity,
			"description": description,
		}
		if err := s.bus.Publish(ctx, eventbus.TopicSecurityAlerts, event); err != nil {
			s.logger.Error("Failed to publish alert", zap.Error(err))
		}
	}
}
