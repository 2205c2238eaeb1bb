package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Webhook event lifecycle states.
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusError      = "error"
	EventStatusFailed     = "failed"
)

const (
	DefaultMaxAttempts = 3
	MaxEventAgeHours   = 24
)

// WebhookEvent is the durable record of every webhook delivery, valid or not.
// It doubles as the processing queue: workers claim pending/error rows by
// setting claimed_by and a lease deadline.
type WebhookEvent struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID string    `json:"tenant_id" gorm:"not null;index"`

	// Delivery identity
	EventID           string `json:"event_id" gorm:"index"` // provider's delivery ID
	Topic             string `json:"topic" gorm:"index"`
	ResourceID        string `json:"resource_id" gorm:"index"` // gateway payment ID the event points at
	ExternalReference string `json:"external_reference"`

	// Raw delivery, stored verbatim. Typed views are built only at
	// processing time.
	Payload  datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Headers  datatypes.JSON `json:"headers" gorm:"type:jsonb"`
	SourceIP string         `json:"source_ip,omitempty"`

	SignatureValid bool `json:"signature_valid"`

	// Processing state
	Status      string `json:"status" gorm:"default:'pending';index"`
	Attempts    int    `json:"attempts" gorm:"default:0"`
	MaxAttempts int    `json:"max_attempts" gorm:"default:3"`
	LastError   string `json:"last_error,omitempty"`

	// Lease ownership while a worker holds the event
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Earliest time the next attempt may run; backoff after errors.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty" gorm:"index"`

	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (e *WebhookEvent) TableName() string { return "webhook_events" }

func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = time.Now()
	return nil
}

func (e *WebhookEvent) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	e.UpdatedAt = time.Now()
	return nil
}

// CanRetry reports whether another processing attempt is allowed.
func (e *WebhookEvent) CanRetry() bool {
	return e.Attempts < e.MaxAttempts &&
		(e.Status == EventStatusPending || e.Status == EventStatusError)
}

// IsStale reports whether the event is too old to keep retrying.
func (e *WebhookEvent) IsStale(maxAge time.Duration) bool {
	return time.Since(e.ReceivedAt) > maxAge
}

// LeaseExpired reports whether a previously claimed event can be reclaimed.
func (e *WebhookEvent) LeaseExpired(now time.Time) bool {
	return e.LeaseExpiresAt != nil && now.After(*e.LeaseExpiresAt)
}
