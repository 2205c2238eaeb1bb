// Package recon cross-checks the three systems of record: the payment
// gateway, the local ledger and the CRM. Divergences become Discrepancy
// rows with fixed severities; only a missing CRM tag may be fixed
// automatically.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/crm"
	"github.com/lexure-intelligence/payment-integrity/internal/gateway"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// ErrRunInProgress is returned when another reconciliation run holds the lock.
var ErrRunInProgress = errors.New("a reconciliation run is already in progress")

// Params configures one run. Zero values fall back to config defaults.
type Params struct {
	TenantID             string
	Window               time.Duration
	BatchSize            int
	EnableAutoCorrection bool
	DryRun               bool
	RequestedBy          string
}

// Report is the outcome of one run.
type Report struct {
	ExecutionID        string               `json:"execution_id"`
	WindowStart        time.Time            `json:"window_start"`
	WindowEnd          time.Time            `json:"window_end"`
	DryRun             bool                 `json:"dry_run"`
	PaymentsChecked    int                  `json:"payments_checked"`
	DiscrepanciesFound int                  `json:"discrepancies_found"`
	CorrectionsApplied int                  `json:"corrections_applied"`
	BySeverity         map[string]int       `json:"by_severity"`
	Discrepancies      []models.Discrepancy `json:"discrepancies"`
}

// Engine runs reconciliation.
type Engine struct {
	db      *gorm.DB
	ledger  audit.Ledger
	alerts  *alerts.Service
	gateway gateway.Client
	crm     crm.Client
	lock    *RunLock
	logger  *zap.Logger
	tracer  trace.Tracer

	tagPrefix string
	tolerance float64
	cfg       config.ReconciliationConfig
}

func NewEngine(db *gorm.DB, ledger audit.Ledger, alertSvc *alerts.Service, gw gateway.Client, crmClient crm.Client, lock *RunLock, cfg config.ReconciliationConfig, tagPrefix string, tolerance float64, logger *zap.Logger) *Engine {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if tolerance <= 0 {
		tolerance = 0.01
	}
	return &Engine{
		db:        db,
		ledger:    ledger,
		alerts:    alertSvc,
		gateway:   gw,
		crm:       crmClient,
		lock:      lock,
		logger:    logger,
		tracer:    otel.Tracer("recon"),
		tagPrefix: tagPrefix,
		tolerance: tolerance,
		cfg:       cfg,
	}
}

// Run executes one reconciliation pass. Only one run may be active at a
// time; concurrent calls get ErrRunInProgress.
func (e *Engine) Run(ctx context.Context, params Params) (*Report, error) {
	release, ok, err := e.lock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	defer release()

	window := params.Window
	if window <= 0 {
		window = time.Duration(e.cfg.WindowHours) * time.Hour
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	if params.RequestedBy == "" {
		params.RequestedBy = "scheduler"
	}

	windowEnd := time.Now()
	windowStart := windowEnd.Add(-window)

	ctx, span := e.tracer.Start(ctx, "recon.Run",
		trace.WithAttributes(
			attribute.String("tenant_id", params.TenantID),
			attribute.Bool("dry_run", params.DryRun),
		))
	defer span.End()

	run := &models.ReconciliationRun{
		TenantID:    params.TenantID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		DryRun:      params.DryRun,
		Status:      models.RunStatusRunning,
	}
	if err := e.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to record reconciliation run: %w", err)
	}

	if _, err := e.ledger.Append(ctx, audit.Entry{
		TenantID:   params.TenantID,
		Actor:      params.RequestedBy,
		Action:     models.AuditActionReconRunStarted,
		EntityType: "reconciliation_run",
		EntityID:   run.ID.String(),
		Details: map[string]interface{}{
			"window_start": windowStart.UTC().Format(time.RFC3339),
			"window_end":   windowEnd.UTC().Format(time.RFC3339),
			"dry_run":      params.DryRun,
		},
	}); err != nil {
		e.logger.Error("Failed to audit run start", zap.Error(err))
	}

	report := &Report{
		ExecutionID: run.ID.String(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		DryRun:      params.DryRun,
		BySeverity:  make(map[string]int),
	}

	if err := e.checkLocalPayments(ctx, run, params, batchSize, report); err != nil {
		e.finishRun(ctx, run, report, err)
		return nil, err
	}
	e.checkGatewayOrphans(ctx, run, params, report)

	e.finishRun(ctx, run, report, nil)
	return report, nil
}

// checkLocalPayments walks ledger payments updated inside the window in
// batches and compares each against gateway and CRM. Pagination is keyset on
// id: corrections bump updated_at out of the window mid-scan, and an offset
// over the shrinking filtered set would skip the rows behind them.
func (e *Engine) checkLocalPayments(ctx context.Context, run *models.ReconciliationRun, params Params, batchSize int, report *Report) error {
	lastID := ""
	for {
		query := e.db.WithContext(ctx).Model(&models.Payment{}).
			Where("updated_at >= ? AND updated_at <= ?", run.WindowStart, run.WindowEnd).
			Order("id ASC").
			Limit(batchSize)
		if lastID != "" {
			query = query.Where("id > ?", lastID)
		}
		if params.TenantID != "" {
			query = query.Where("tenant_id = ?", params.TenantID)
		}

		var batch []models.Payment
		if err := query.Find(&batch).Error; err != nil {
			return fmt.Errorf("failed to load payment batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for i := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.checkPayment(ctx, run, params, &batch[i], report)
			report.PaymentsChecked++
		}

		if len(batch) < batchSize {
			return nil
		}
		lastID = batch[len(batch)-1].ID.String()
	}
}

func (e *Engine) checkPayment(ctx context.Context, run *models.ReconciliationRun, params Params, payment *models.Payment, report *Report) {
	if payment.ExternalID == "" {
		return
	}

	gp, err := e.gateway.GetPayment(ctx, payment.TenantID, payment.ExternalID)
	if err != nil {
		if errors.Is(err, gateway.ErrPaymentNotFound) {
			e.record(ctx, run, report, &models.Discrepancy{
				TenantID:          payment.TenantID,
				PaymentID:         &payment.ID,
				ExternalID:        payment.ExternalID,
				ExternalReference: payment.ExternalReference,
				Type:              models.DiscrepancyOrphanPayment,
				Expected:          "payment present at gateway",
				Actual:            "gateway has no such payment",
			})
			return
		}
		e.logger.Warn("Gateway check failed, skipping payment",
			zap.String("payment_id", payment.ID.String()), zap.Error(err))
		return
	}

	if math.Abs(payment.Amount-gp.TransactionAmount) > e.tolerance {
		e.record(ctx, run, report, &models.Discrepancy{
			TenantID:          payment.TenantID,
			PaymentID:         &payment.ID,
			ExternalID:        payment.ExternalID,
			ExternalReference: payment.ExternalReference,
			Type:              models.DiscrepancyAmountMismatch,
			Expected:          fmt.Sprintf("%.2f", payment.Amount),
			Actual:            fmt.Sprintf("%.2f", gp.TransactionAmount),
		})
		return
	}

	if payment.Status != gp.Status {
		e.record(ctx, run, report, &models.Discrepancy{
			TenantID:          payment.TenantID,
			PaymentID:         &payment.ID,
			ExternalID:        payment.ExternalID,
			ExternalReference: payment.ExternalReference,
			Type:              models.DiscrepancyStatusMismatch,
			Expected:          gp.Status,
			Actual:            payment.Status,
		})
	}

	e.checkCRMTag(ctx, run, params, payment, report)
}

// checkCRMTag verifies that an approved payment's tag reached the CRM, and
// re-applies it when auto-correction is on.
func (e *Engine) checkCRMTag(ctx context.Context, run *models.ReconciliationRun, params Params, payment *models.Payment, report *Report) {
	if payment.Status != models.PaymentStatusApproved || payment.CRMContactID == "" {
		return
	}

	tag := crm.TagFor(e.tagPrefix, payment.Amount)
	tagPresent := false
	contact, err := e.crm.GetContact(ctx, payment.TenantID, payment.CRMContactID)
	if err == nil {
		for _, existing := range contact.Tags {
			if existing == tag {
				tagPresent = true
				break
			}
		}
	} else if payment.CRMTagApplied {
		// Can't see the CRM right now; trust the local flag rather than
		// raising noise.
		e.logger.Warn("CRM check failed, skipping tag verification",
			zap.String("payment_id", payment.ID.String()), zap.Error(err))
		return
	}

	if tagPresent {
		if !payment.CRMTagApplied {
			now := time.Now()
			payment.CRMTagApplied = true
			payment.CRMTagAppliedAt = &now
			if err := e.db.WithContext(ctx).Save(payment).Error; err != nil {
				e.logger.Error("Failed to sync tag flag", zap.Error(err))
			}
		}
		return
	}

	disc := &models.Discrepancy{
		TenantID:          payment.TenantID,
		PaymentID:         &payment.ID,
		ExternalID:        payment.ExternalID,
		ExternalReference: payment.ExternalReference,
		Type:              models.DiscrepancyMissingTag,
		Expected:          tag,
		Actual:            "tag absent in CRM",
	}
	e.record(ctx, run, report, disc)

	if params.DryRun || !params.EnableAutoCorrection {
		return
	}

	if err := e.crm.ApplyPaymentTag(ctx, payment.TenantID, payment.CRMContactID, tag, payment.Amount); err != nil {
		e.logger.Error("Auto-correction failed",
			zap.String("payment_id", payment.ID.String()), zap.Error(err))
		return
	}

	now := time.Now()
	payment.CRMTagApplied = true
	payment.CRMTagAppliedAt = &now
	if err := e.db.WithContext(ctx).Save(payment).Error; err != nil {
		e.logger.Error("Failed to record corrected tag", zap.Error(err))
	}

	disc.Corrected = true
	disc.CorrectedAt = &now
	if err := e.db.WithContext(ctx).Save(disc).Error; err != nil {
		e.logger.Error("Failed to mark discrepancy corrected", zap.Error(err))
	}
	report.CorrectionsApplied++

	if _, err := e.ledger.Append(ctx, audit.Entry{
		TenantID:      payment.TenantID,
		Actor:         "recon",
		Action:        models.AuditActionAutoCorrection,
		EntityType:    "payment",
		EntityID:      payment.ID.String(),
		CorrelationID: run.ID.String(),
		Details:       map[string]interface{}{"tag": tag},
	}); err != nil {
		e.logger.Error("Failed to audit auto-correction", zap.Error(err))
	}
}

// checkGatewayOrphans looks for gateway payments inside the window that the
// local ledger never recorded.
func (e *Engine) checkGatewayOrphans(ctx context.Context, run *models.ReconciliationRun, params Params, report *Report) {
	tenantID := params.TenantID
	gatewayPayments, err := e.gateway.SearchPayments(ctx, tenantID, run.WindowStart, run.WindowEnd)
	if err != nil {
		e.logger.Warn("Gateway search failed, skipping missing-payment check", zap.Error(err))
		return
	}

	for i := range gatewayPayments {
		gp := &gatewayPayments[i]
		var count int64
		query := e.db.WithContext(ctx).Model(&models.Payment{}).Where("external_id = ?", gp.ID)
		if tenantID != "" {
			query = query.Where("tenant_id = ?", tenantID)
		}
		if err := query.Count(&count).Error; err != nil {
			e.logger.Error("Failed to check for local payment", zap.Error(err))
			continue
		}
		if count > 0 {
			continue
		}

		e.record(ctx, run, report, &models.Discrepancy{
			TenantID:          tenantID,
			ExternalID:        gp.ID,
			ExternalReference: gp.ExternalReference,
			Type:              models.DiscrepancyMissingPayment,
			Expected:          "payment recorded in local ledger",
			Actual:            fmt.Sprintf("gateway payment %s has no local row", gp.ID),
		})
	}
}

// record fills in severity and correctability, persists the discrepancy and
// audits it.
func (e *Engine) record(ctx context.Context, run *models.ReconciliationRun, report *Report, disc *models.Discrepancy) {
	disc.RunID = run.ID
	disc.Severity = models.SeverityForDiscrepancy(disc.Type)
	disc.AutoCorrectable = models.AutoCorrectable(disc.Type)

	if err := e.db.WithContext(ctx).Create(disc).Error; err != nil {
		e.logger.Error("Failed to persist discrepancy", zap.Error(err))
		return
	}

	report.DiscrepanciesFound++
	report.BySeverity[disc.Severity]++
	report.Discrepancies = append(report.Discrepancies, *disc)

	if _, err := e.ledger.Append(ctx, audit.Entry{
		TenantID:      disc.TenantID,
		Actor:         "recon",
		Action:        models.AuditActionDiscrepancyFound,
		EntityType:    "discrepancy",
		EntityID:      disc.ID.String(),
		CorrelationID: run.ID.String(),
		Details: map[string]interface{}{
			"type":     disc.Type,
			"severity": disc.Severity,
			"expected": disc.Expected,
			"actual":   disc.Actual,
		},
	}); err != nil {
		e.logger.Error("Failed to audit discrepancy", zap.Error(err))
	}

	// Critical and high findings need a human now, not at report review.
	if e.alerts != nil &&
		(disc.Severity == models.SeverityCritical || disc.Severity == models.SeverityHigh) {
		e.alerts.Raise(ctx, disc.TenantID, alerts.TypeReconDiscrepancy, disc.Severity,
			"reconciliation found a "+disc.Type+" discrepancy",
			map[string]interface{}{
				"discrepancy_id": disc.ID.String(),
				"type":           disc.Type,
				"external_id":    disc.ExternalID,
				"expected":       disc.Expected,
				"actual":         disc.Actual,
			})
	}

	e.logger.Warn("Discrepancy found",
		zap.String("type", disc.Type),
		zap.String("severity", disc.Severity),
		zap.String("external_id", disc.ExternalID))
}

func (e *Engine) finishRun(ctx context.Context, run *models.ReconciliationRun, report *Report, runErr error) {
	now := time.Now()
	status := models.RunStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = models.RunStatusFailed
		errMsg = runErr.Error()
	}

	var severityJSON datatypes.JSON
	if raw, err := json.Marshal(report.BySeverity); err == nil {
		severityJSON = datatypes.JSON(raw)
	}

	updates := map[string]interface{}{
		"status":              status,
		"error":               errMsg,
		"payments_checked":    report.PaymentsChecked,
		"discrepancies_found": report.DiscrepanciesFound,
		"corrections_applied": report.CorrectionsApplied,
		"severity_counts":     severityJSON,
		"completed_at":        now,
	}
	if err := e.db.WithContext(ctx).Model(&models.ReconciliationRun{}).
		Where("id = ?", run.ID).Updates(updates).Error; err != nil {
		e.logger.Error("Failed to finalize run record", zap.Error(err))
	}

	if _, err := e.ledger.Append(ctx, audit.Entry{
		TenantID:   run.TenantID,
		Actor:      "recon",
		Action:     models.AuditActionReconRunFinished,
		EntityType: "reconciliation_run",
		EntityID:   run.ID.String(),
		Details: map[string]interface{}{
			"status":              status,
			"payments_checked":    report.PaymentsChecked,
			"discrepancies_found": report.DiscrepanciesFound,
			"corrections_applied": report.CorrectionsApplied,
		},
	}); err != nil {
		e.logger.Error("Failed to audit run finish", zap.Error(err))
	}

	e.logger.Info("Reconciliation run finished",
		zap.String("execution_id", run.ID.String()),
		zap.String("status", status),
		zap.Int("payments_checked", report.PaymentsChecked),
		zap.Int("discrepancies_found", report.DiscrepanciesFound),
		zap.Int("corrections_applied", report.CorrectionsApplied))
}

// History lists past runs, newest first.
func (e *Engine) History(ctx context.Context, tenantID string, limit int) ([]models.ReconciliationRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := e.db.WithContext(ctx).Model(&models.ReconciliationRun{}).
		Order("started_at DESC").Limit(limit)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	var runs []models.ReconciliationRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
