package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GenesisHash seeds the chain: the first entry's previous hash.
const GenesisHash = "genesis"

// Well-known audit actions.
const (
	AuditActionEventReceived     = "webhook_event_received"
	AuditActionEventProcessed    = "webhook_event_processed"
	AuditActionEventFailed       = "webhook_event_failed"
	AuditActionEventRetried      = "webhook_event_retried"
	AuditActionPaymentUpdated    = "payment_updated"
	AuditActionCRMUpdateSuccess  = "crm_update_success"
	AuditActionCRMUpdateFailed   = "crm_update_failed"
	AuditActionCredentialRotated = "credential_rotated"
	AuditActionCredentialExpired = "credential_refresh_failed"
	AuditActionSecurityAlert     = "security_alert"
	AuditActionReconRunStarted   = "reconciliation_started"
	AuditActionReconRunFinished  = "reconciliation_finished"
	AuditActionDiscrepancyFound  = "discrepancy_found"
	AuditActionAutoCorrection    = "auto_correction_applied"
)

// AuditLogEntry is one block in the append-only hash chain. Seq is a strictly
// increasing global sequence; Hash covers the entry fields plus PrevHash, so
// any after-the-fact edit breaks verification from that point on.
type AuditLogEntry struct {
	ID  uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	Seq int64     `json:"seq" gorm:"not null;uniqueIndex"`

	TenantID      string `json:"tenant_id" gorm:"index"`
	Actor         string `json:"actor" gorm:"not null"`
	Action        string `json:"action" gorm:"not null;index"`
	EntityType    string `json:"entity_type" gorm:"index"`
	EntityID      string `json:"entity_id" gorm:"index"`
	CorrelationID string `json:"correlation_id" gorm:"index"`

	Details datatypes.JSON `json:"details,omitempty" gorm:"type:jsonb"`

	// DetailsDigest is the sha256 of the details bytes as written. It is
	// hashed into the chain instead of the jsonb column, which does not
	// preserve key order.
	DetailsDigest string `json:"details_digest,omitempty"`

	PrevHash string `json:"prev_hash" gorm:"not null"`
	Hash     string `json:"hash" gorm:"not null;uniqueIndex"`

	CreatedAt time.Time `json:"created_at"`
}

func (a *AuditLogEntry) TableName() string { return "audit_log_entries" }

func (a *AuditLogEntry) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return nil
}
