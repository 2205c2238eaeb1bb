package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// External systems a credential can belong to.
const (
	SystemCRM     = "crm"
	SystemGateway = "gateway"
)

// TenantCredential holds one tenant's OAuth credentials for one external
// system. Access and refresh tokens are stored here but must never appear in
// logs or API responses.
type TenantCredential struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID string    `json:"tenant_id" gorm:"not null;index:idx_tenant_system,unique"`
	System   string    `json:"system" gorm:"not null;index:idx_tenant_system,unique"`

	AccessToken  string `json:"-" gorm:"not null"`
	RefreshToken string `json:"-"`
	TokenType    string `json:"token_type" gorm:"default:'Bearer'"`
	Scope        string `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`

	// External account identifiers
	AccountID  string `json:"account_id"`
	LocationID string `json:"location_id"`

	// Gateway-only: shared secret for webhook signature checks.
	WebhookSecret string `json:"-"`

	Active              bool `json:"active" gorm:"default:true"`
	ConsecutiveFailures int  `json:"consecutive_failures" gorm:"default:0"`

	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (c *TenantCredential) TableName() string { return "tenant_credentials" }

func (c *TenantCredential) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	return nil
}

func (c *TenantCredential) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	c.UpdatedAt = time.Now()
	return nil
}

// NeedsRefresh reports whether the access token expires within the buffer.
func (c *TenantCredential) NeedsRefresh(buffer time.Duration) bool {
	return time.Now().Add(buffer).After(c.ExpiresAt)
}
