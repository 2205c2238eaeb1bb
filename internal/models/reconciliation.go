package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Discrepancy types found by reconciliation.
const (
	DiscrepancyMissingTag     = "missing_tag"
	DiscrepancyStatusMismatch = "status_mismatch"
	DiscrepancyAmountMismatch = "amount_mismatch"
	DiscrepancyMissingPayment = "missing_payment"
	DiscrepancyOrphanPayment  = "orphan_payment"
)

// Severities, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Reconciliation run states.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Discrepancy is one divergence between gateway, local ledger and CRM,
// recorded by a reconciliation run.
type Discrepancy struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID string    `json:"tenant_id" gorm:"index"`
	RunID    uuid.UUID `json:"run_id" gorm:"type:uuid;index"`

	PaymentID         *uuid.UUID `json:"payment_id,omitempty" gorm:"type:uuid;index"`
	ExternalID        string     `json:"external_id" gorm:"index"`
	ExternalReference string     `json:"external_reference"`

	Type     string `json:"type" gorm:"not null;index"`
	Severity string `json:"severity" gorm:"not null;index"`

	Expected string         `json:"expected"`
	Actual   string         `json:"actual"`
	Details  datatypes.JSON `json:"details,omitempty" gorm:"type:jsonb"`

	AutoCorrectable bool       `json:"auto_correctable"`
	Corrected       bool       `json:"corrected"`
	CorrectedAt     *time.Time `json:"corrected_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (d *Discrepancy) TableName() string { return "discrepancies" }

func (d *Discrepancy) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return nil
}

// ReconciliationRun is the persisted record of one reconciliation execution.
type ReconciliationRun struct {
	ID       uuid.UUID `json:"execution_id" gorm:"type:uuid;primary_key"`
	TenantID string    `json:"tenant_id,omitempty" gorm:"index"` // empty means all tenants

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	DryRun      bool      `json:"dry_run"`

	Status string `json:"status" gorm:"default:'running';index"`
	Error  string `json:"error,omitempty"`

	PaymentsChecked    int `json:"payments_checked"`
	DiscrepanciesFound int `json:"discrepancies_found"`
	CorrectionsApplied int `json:"corrections_applied"`

	SeverityCounts datatypes.JSON `json:"severity_counts,omitempty" gorm:"type:jsonb"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r *ReconciliationRun) TableName() string { return "reconciliation_runs" }

func (r *ReconciliationRun) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return nil
}

// SeverityForDiscrepancy maps a discrepancy type to its fixed severity.
func SeverityForDiscrepancy(discType string) string {
	switch discType {
	case DiscrepancyAmountMismatch:
		return SeverityCritical
	case DiscrepancyMissingPayment, DiscrepancyOrphanPayment:
		return SeverityHigh
	case DiscrepancyMissingTag, DiscrepancyStatusMismatch:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AutoCorrectable reports whether the engine may fix this discrepancy type
// on its own. Only a missing CRM tag is safe to re-apply.
func AutoCorrectable(discType string) bool {
	return discType == DiscrepancyMissingTag
}
