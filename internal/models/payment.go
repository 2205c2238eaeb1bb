package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Payment statuses mirrored from the gateway.
const (
	PaymentStatusPending  = "pending"
	PaymentStatusApproved = "approved"
	PaymentStatusRejected = "rejected"
	PaymentStatusRefunded = "refunded"
)

// Payment is the local ledger row for a gateway payment. ExternalID is the
// gateway's payment ID; ExternalReference links back to the originating
// order or invoice.
type Payment struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID string    `json:"tenant_id" gorm:"not null;index"`

	ExternalID        string `json:"external_id" gorm:"not null;uniqueIndex"`
	ExternalReference string `json:"external_reference" gorm:"index"`

	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency" gorm:"default:'ARS'"`
	Status       string  `json:"status" gorm:"default:'pending';index"`
	StatusDetail string  `json:"status_detail"`

	PayerEmail  string `json:"payer_email"`
	Description string `json:"description"`

	// CRM linkage
	CRMContactID    string     `json:"crm_contact_id"`
	CRMTagApplied   bool       `json:"crm_tag_applied"`
	CRMTagAppliedAt *time.Time `json:"crm_tag_applied_at,omitempty"`

	GatewayUpdatedAt *time.Time `json:"gateway_updated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (p *Payment) TableName() string { return "payments" }

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	return nil
}

func (p *Payment) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	p.UpdatedAt = time.Now()
	return nil
}

// IsTerminal reports whether the payment has already reached a final state.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusApproved ||
		p.Status == PaymentStatusRejected ||
		p.Status == PaymentStatusRefunded
}
