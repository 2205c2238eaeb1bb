// Package processor drains the webhook event queue. Workers claim events
// with a lease, walk them through the processing state machine and settle
// them as processed or failed. Every attempt is audited.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/crm"
	"github.com/lexure-intelligence/payment-integrity/internal/faults"
	"github.com/lexure-intelligence/payment-integrity/internal/gateway"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// ErrNoWork is returned by ClaimNext when no event is ready.
var ErrNoWork = errors.New("no claimable event")

const payableTopic = "payment"

// Processor executes the event state machine.
type Processor struct {
	db      *gorm.DB
	ledger  audit.Ledger
	alerts  *alerts.Service
	gateway gateway.Client
	crm     crm.Client
	logger  *zap.Logger
	tracer  trace.Tracer

	tagPrefix string
	cfg       config.ProcessorConfig

	// swapped in tests
	now func() time.Time
}

func NewProcessor(db *gorm.DB, ledger audit.Ledger, alertSvc *alerts.Service, gw gateway.Client, crmClient crm.Client, cfg config.ProcessorConfig, tagPrefix string, logger *zap.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 120
	}
	if cfg.BaseDelaySeconds <= 0 {
		cfg.BaseDelaySeconds = 2
	}
	if cfg.MaxDelaySeconds <= 0 {
		cfg.MaxDelaySeconds = 300
	}
	if cfg.AmountTolerance <= 0 {
		cfg.AmountTolerance = 0.01
	}
	return &Processor{
		db:        db,
		ledger:    ledger,
		alerts:    alertSvc,
		gateway:   gw,
		crm:       crmClient,
		logger:    logger,
		tracer:    otel.Tracer("processor"),
		tagPrefix: tagPrefix,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ClaimNext atomically claims one ready event for workerID: pending events,
// errored events whose backoff has elapsed, and events whose lease expired
// under a dead worker. Claiming increments the attempt counter, so a crashed
// attempt still counts against the budget.
func (p *Processor) ClaimNext(ctx context.Context, workerID string) (*models.WebhookEvent, error) {
	var claimed *models.WebhookEvent
	now := p.now()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// An expired lease with no attempts left cannot be re-claimed without
		// pushing the counter past the ceiling; settle those failed instead.
		res := tx.Model(&models.WebhookEvent{}).
			Where("status = ? AND lease_expires_at < ? AND attempts >= max_attempts",
				models.EventStatusProcessing, now).
			Updates(map[string]interface{}{
				"status":           models.EventStatusFailed,
				"last_error":       "lease expired with no attempts remaining",
				"claimed_by":       "",
				"lease_expires_at": nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to settle exhausted leases: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			p.logger.Warn("Settled lease-expired events with no attempts remaining",
				zap.Int64("count", res.RowsAffected))
		}

		query := tx.Model(&models.WebhookEvent{}).
			Where(
				tx.Where("status = ?", models.EventStatusPending).
					Or("status = ? AND attempts < max_attempts", models.EventStatusError).
					Or("status = ? AND lease_expires_at < ? AND attempts < max_attempts",
						models.EventStatusProcessing, now),
			).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
			// One payment is mutated by at most one worker at a time, so an
			// event is not claimable while a sibling event on the same
			// resource holds a live lease.
			Where(`resource_id = '' OR NOT EXISTS (
				SELECT 1 FROM webhook_events live
				WHERE live.tenant_id = webhook_events.tenant_id
				  AND live.resource_id = webhook_events.resource_id
				  AND live.id <> webhook_events.id
				  AND live.status = ?
				  AND live.lease_expires_at >= ?)`,
				models.EventStatusProcessing, now).
			Order("received_at ASC")

		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var event models.WebhookEvent
		if err := query.First(&event).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoWork
			}
			return fmt.Errorf("failed to query claimable events: %w", err)
		}

		lease := now.Add(time.Duration(p.cfg.LeaseSeconds) * time.Second)
		updates := map[string]interface{}{
			"status":           models.EventStatusProcessing,
			"claimed_by":       workerID,
			"lease_expires_at": lease,
			"attempts":         event.Attempts + 1,
			"next_attempt_at":  nil,
			"updated_at":       now,
		}
		if err := tx.Model(&models.WebhookEvent{}).Where("id = ?", event.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to claim event: %w", err)
		}

		event.Status = models.EventStatusProcessing
		event.ClaimedBy = workerID
		event.LeaseExpiresAt = &lease
		event.Attempts++
		event.NextAttemptAt = nil
		claimed = &event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ProcessClaimed runs the claimed event through the state machine and
// settles its final status. The returned error is non-nil only for fatal
// conditions that should stop the worker.
func (p *Processor) ProcessClaimed(ctx context.Context, event *models.WebhookEvent) error {
	ctx, span := p.tracer.Start(ctx, "processor.ProcessClaimed",
		trace.WithAttributes(
			attribute.String("event.id", event.ID.String()),
			attribute.String("event.topic", event.Topic),
			attribute.Int("event.attempts", event.Attempts),
		))
	defer span.End()

	err := p.process(ctx, event)
	if err == nil {
		return nil
	}

	switch faults.KindOf(err) {
	case faults.KindFatal:
		return err
	case faults.KindPermanent:
		p.settleFailed(ctx, event, err, "permanent failure")
		return nil
	default:
		if event.Attempts >= event.MaxAttempts {
			p.settleFailed(ctx, event, err, "retry budget exhausted")
			p.alerts.Raise(ctx, event.TenantID, alerts.TypeEventExhausted, models.SeverityHigh,
				"event failed after exhausting all retries",
				map[string]interface{}{"event_id": event.ID.String(), "last_error": err.Error()})
			return nil
		}
		p.settleError(ctx, event, err)
		return nil
	}
}

func (p *Processor) process(ctx context.Context, event *models.WebhookEvent) error {
	if event.IsStale(time.Duration(models.MaxEventAgeHours) * time.Hour) {
		return faults.Permanentf("event older than %dh is not worth retrying", models.MaxEventAgeHours)
	}

	// Non-payment topics have nothing to reconcile.
	if event.Topic != payableTopic {
		p.settleProcessed(ctx, event, "non-payment topic ignored")
		return nil
	}

	// Forged signatures are not transient. The delivery was kept for
	// forensics at ingest time but must never drive a payment mutation.
	if !event.SignatureValid {
		if _, err := p.ledger.Append(ctx, audit.Entry{
			TenantID:   event.TenantID,
			Actor:      "processor",
			Action:     models.AuditActionSecurityAlert,
			EntityType: "webhook_event",
			EntityID:   event.ID.String(),
			Details:    map[string]interface{}{"reason": "unsigned payment event rejected"},
		}); err != nil {
			p.logger.Error("Failed to audit signature rejection", zap.Error(err))
		}
		return faults.Permanentf("signature validation failed, refusing payment effects")
	}

	if event.ResourceID == "" || event.ResourceID == "0" {
		return faults.Permanentf("payment event carries no resource id")
	}

	gatewayPayment, err := p.gateway.GetPayment(ctx, event.TenantID, event.ResourceID)
	if err != nil {
		if errors.Is(err, gateway.ErrPaymentNotFound) {
			return faults.Permanent(fmt.Errorf("gateway has no payment %s: %w", event.ResourceID, err))
		}
		return err
	}

	payment, err := p.resolvePayment(ctx, event, gatewayPayment)
	if err != nil {
		return err
	}

	// Idempotency short-circuit: the payment already reflects this gateway
	// state and the CRM tag is on. Nothing to redo.
	if payment.ExternalID == gatewayPayment.ID &&
		payment.Status == gatewayPayment.Status &&
		payment.IsTerminal() &&
		(payment.Status != models.PaymentStatusApproved || payment.CRMTagApplied) {
		p.alerts.Raise(ctx, event.TenantID, alerts.TypeDuplicatePayment, models.SeverityMedium,
			"duplicate webhook for an already settled payment",
			map[string]interface{}{"event_id": event.ID.String(), "payment_id": payment.ID.String()})
		p.settleProcessed(ctx, event, "duplicate of settled payment")
		return nil
	}

	if math.Abs(payment.Amount-gatewayPayment.TransactionAmount) > p.cfg.AmountTolerance {
		p.alerts.Raise(ctx, event.TenantID, alerts.TypeAmountMismatch, models.SeverityCritical,
			"gateway amount does not match local ledger",
			map[string]interface{}{
				"event_id":       event.ID.String(),
				"payment_id":     payment.ID.String(),
				"local_amount":   payment.Amount,
				"gateway_amount": gatewayPayment.TransactionAmount,
			})
		p.recordAmountMismatch(ctx, payment, gatewayPayment)
		// The local payment is left untouched on purpose.
		return faults.Retryablef("amount mismatch: local %.2f vs gateway %.2f",
			payment.Amount, gatewayPayment.TransactionAmount)
	}

	if err := p.applyGatewayState(ctx, event, payment, gatewayPayment); err != nil {
		return err
	}

	p.applyCRMTag(ctx, event, payment)

	p.settleProcessed(ctx, event, "")
	return nil
}

// resolvePayment finds the local ledger row for a gateway payment, first by
// gateway ID, then by external reference.
func (p *Processor) resolvePayment(ctx context.Context, event *models.WebhookEvent, gp *gateway.Payment) (*models.Payment, error) {
	var payment models.Payment

	err := p.db.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ?", event.TenantID, gp.ID).
		First(&payment).Error
	if err == nil {
		return &payment, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Retryable(fmt.Errorf("failed to look up payment: %w", err))
	}

	if gp.ExternalReference != "" {
		err = p.db.WithContext(ctx).
			Where("tenant_id = ? AND external_reference = ?", event.TenantID, gp.ExternalReference).
			First(&payment).Error
		if err == nil {
			return &payment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, faults.Retryable(fmt.Errorf("failed to look up payment: %w", err))
		}
	}

	p.alerts.Raise(ctx, event.TenantID, alerts.TypeUnknownReference, models.SeverityHigh,
		"webhook references a payment unknown to the local ledger",
		map[string]interface{}{
			"event_id":           event.ID.String(),
			"gateway_payment_id": gp.ID,
			"external_reference": gp.ExternalReference,
		})
	return nil, faults.Retryablef("no local payment for gateway payment %s (ref %q)", gp.ID, gp.ExternalReference)
}

// recordAmountMismatch persists the mismatch as a queryable discrepancy so it
// is visible before the next reconciliation run. Retried attempts reuse the
// open row instead of stacking duplicates.
func (p *Processor) recordAmountMismatch(ctx context.Context, payment *models.Payment, gp *gateway.Payment) {
	var count int64
	err := p.db.WithContext(ctx).Model(&models.Discrepancy{}).
		Where("payment_id = ? AND type = ? AND corrected = ?",
			payment.ID, models.DiscrepancyAmountMismatch, false).
		Count(&count).Error
	if err != nil {
		p.logger.Error("Failed to look up open discrepancy", zap.Error(err))
		return
	}
	if count > 0 {
		return
	}

	disc := models.Discrepancy{
		TenantID:          payment.TenantID,
		PaymentID:         &payment.ID,
		ExternalID:        gp.ID,
		ExternalReference: gp.ExternalReference,
		Type:              models.DiscrepancyAmountMismatch,
		Severity:          models.SeverityForDiscrepancy(models.DiscrepancyAmountMismatch),
		Expected:          fmt.Sprintf("%.2f", payment.Amount),
		Actual:            fmt.Sprintf("%.2f", gp.TransactionAmount),
	}
	if err := p.db.WithContext(ctx).Create(&disc).Error; err != nil {
		p.logger.Error("Failed to record amount mismatch discrepancy", zap.Error(err))
	}
}

func (p *Processor) applyGatewayState(ctx context.Context, event *models.WebhookEvent, payment *models.Payment, gp *gateway.Payment) error {
	previousStatus := payment.Status

	payment.ExternalID = gp.ID
	payment.Status = gp.Status
	payment.StatusDetail = gp.StatusDetail
	if gp.PayerEmail != "" {
		payment.PayerEmail = gp.PayerEmail
	}
	if !gp.DateLastUpdated.IsZero() {
		updated := gp.DateLastUpdated
		payment.GatewayUpdatedAt = &updated
	}

	if err := p.db.WithContext(ctx).Save(payment).Error; err != nil {
		return faults.Retryable(fmt.Errorf("failed to update payment: %w", err))
	}

	if _, err := p.ledger.Append(ctx, audit.Entry{
		TenantID:      event.TenantID,
		Actor:         "processor",
		Action:        models.AuditActionPaymentUpdated,
		EntityType:    "payment",
		EntityID:      payment.ID.String(),
		CorrelationID: event.ID.String(),
		Details: map[string]interface{}{
			"previous_status": previousStatus,
			"new_status":      payment.Status,
			"amount":          payment.Amount,
		},
	}); err != nil {
		p.logger.Error("Failed to audit payment update", zap.Error(err))
	}

	return nil
}

// applyCRMTag pushes the payment tag to the CRM. A failure here never fails
// the event: the payment mutation is already committed, so the event settles
// processed and reconciliation picks up the missing tag later.
func (p *Processor) applyCRMTag(ctx context.Context, event *models.WebhookEvent, payment *models.Payment) {
	if payment.Status != models.PaymentStatusApproved || payment.CRMContactID == "" || payment.CRMTagApplied {
		return
	}

	tag := crm.TagFor(p.tagPrefix, payment.Amount)
	if err := p.crm.ApplyPaymentTag(ctx, event.TenantID, payment.CRMContactID, tag, payment.Amount); err != nil {
		p.logger.Error("CRM tag application failed, leaving for reconciliation",
			zap.String("payment_id", payment.ID.String()),
			zap.String("contact_id", payment.CRMContactID),
			zap.Error(err))
		if _, auditErr := p.ledger.Append(ctx, audit.Entry{
			TenantID:      event.TenantID,
			Actor:         "processor",
			Action:        models.AuditActionCRMUpdateFailed,
			EntityType:    "payment",
			EntityID:      payment.ID.String(),
			CorrelationID: event.ID.String(),
			Details:       map[string]interface{}{"tag": tag, "error": err.Error()},
		}); auditErr != nil {
			p.logger.Error("Failed to audit CRM failure", zap.Error(auditErr))
		}
		return
	}

	now := p.now()
	payment.CRMTagApplied = true
	payment.CRMTagAppliedAt = &now
	if err := p.db.WithContext(ctx).Save(payment).Error; err != nil {
		p.logger.Error("Failed to record CRM tag application", zap.Error(err))
	}

	if _, err := p.ledger.Append(ctx, audit.Entry{
		TenantID:      event.TenantID,
		Actor:         "processor",
		Action:        models.AuditActionCRMUpdateSuccess,
		EntityType:    "payment",
		EntityID:      payment.ID.String(),
		CorrelationID: event.ID.String(),
		Details:       map[string]interface{}{"tag": tag},
	}); err != nil {
		p.logger.Error("Failed to audit CRM success", zap.Error(err))
	}
}

func (p *Processor) settleProcessed(ctx context.Context, event *models.WebhookEvent, note string) {
	now := p.now()
	updates := map[string]interface{}{
		"status":           models.EventStatusProcessed,
		"processed_at":     now,
		"claimed_by":       "",
		"lease_expires_at": nil,
		"last_error":       "",
		"updated_at":       now,
	}
	if err := p.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).Updates(updates).Error; err != nil {
		p.logger.Error("Failed to settle event as processed", zap.Error(err))
		return
	}
	event.Status = models.EventStatusProcessed
	event.ProcessedAt = &now

	details := map[string]interface{}{"attempts": event.Attempts}
	if note != "" {
		details["note"] = note
	}
	if _, err := p.ledger.Append(ctx, audit.Entry{
		TenantID:   event.TenantID,
		Actor:      "processor",
		Action:     models.AuditActionEventProcessed,
		EntityType: "webhook_event",
		EntityID:   event.ID.String(),
		Details:    details,
	}); err != nil {
		p.logger.Error("Failed to audit event settlement", zap.Error(err))
	}
}

func (p *Processor) settleError(ctx context.Context, event *models.WebhookEvent, cause error) {
	now := p.now()
	next := now.Add(p.backoff(event.Attempts))
	updates := map[string]interface{}{
		"status":           models.EventStatusError,
		"last_error":       cause.Error(),
		"claimed_by":       "",
		"lease_expires_at": nil,
		"next_attempt_at":  next,
		"updated_at":       now,
	}
	if err := p.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).Updates(updates).Error; err != nil {
		p.logger.Error("Failed to settle event as errored", zap.Error(err))
		return
	}
	event.Status = models.EventStatusError
	event.LastError = cause.Error()
	event.NextAttemptAt = &next

	p.logger.Warn("Event attempt failed, will retry",
		zap.String("event_id", event.ID.String()),
		zap.Int("attempts", event.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
}

func (p *Processor) settleFailed(ctx context.Context, event *models.WebhookEvent, cause error, reason string) {
	now := p.now()
	updates := map[string]interface{}{
		"status":           models.EventStatusFailed,
		"last_error":       cause.Error(),
		"claimed_by":       "",
		"lease_expires_at": nil,
		"updated_at":       now,
	}
	if err := p.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).Updates(updates).Error; err != nil {
		p.logger.Error("Failed to settle event as failed", zap.Error(err))
		return
	}
	event.Status = models.EventStatusFailed
	event.LastError = cause.Error()

	if _, err := p.ledger.Append(ctx, audit.Entry{
		TenantID:   event.TenantID,
		Actor:      "processor",
		Action:     models.AuditActionEventFailed,
		EntityType: "webhook_event",
		EntityID:   event.ID.String(),
		Details: map[string]interface{}{
			"reason":   reason,
			"attempts": event.Attempts,
			"error":    cause.Error(),
		},
	}); err != nil {
		p.logger.Error("Failed to audit event failure", zap.Error(err))
	}

	p.logger.Error("Event permanently failed",
		zap.String("event_id", event.ID.String()),
		zap.String("reason", reason),
		zap.Error(cause))
}

// backoff grows exponentially with the attempt count, capped at the
// configured maximum.
func (p *Processor) backoff(attempts int) time.Duration {
	base := time.Duration(p.cfg.BaseDelaySeconds) * time.Second
	max := time.Duration(p.cfg.MaxDelaySeconds) * time.Second

	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	delay := base * (1 << shift)
	if delay > max {
		delay = max
	}
	return delay
}
