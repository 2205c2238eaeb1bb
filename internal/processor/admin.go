package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// ErrEventNotFound is returned for unknown event IDs.
var ErrEventNotFound = errors.New("webhook event not found")

// AdminService exposes event inspection and manual retry.
type AdminService struct {
	db     *gorm.DB
	ledger audit.Ledger
	logger *zap.Logger
}

func NewAdminService(db *gorm.DB, ledger audit.Ledger, logger *zap.Logger) *AdminService {
	return &AdminService{db: db, ledger: ledger, logger: logger}
}

// EventFilter narrows event listings. Zero values are ignored.
type EventFilter struct {
	TenantID string
	Status   string
	Topic    string
	Limit    int
	Offset   int
}

func (s *AdminService) ListEvents(ctx context.Context, filter EventFilter) ([]models.WebhookEvent, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Topic != "" {
		query = query.Where("topic = ?", filter.Topic)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var events []models.WebhookEvent
	err := query.Order("received_at DESC").Limit(limit).Offset(filter.Offset).Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	return events, total, nil
}

func (s *AdminService) GetEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &event, nil
}

// RetryEvent puts a settled event back in the queue. The attempt history is
// kept; only the status and backoff are reset.
func (s *AdminService) RetryEvent(ctx context.Context, id uuid.UUID, requestedBy string) (*models.WebhookEvent, error) {
	event, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	if event.Status != models.EventStatusFailed && event.Status != models.EventStatusError {
		return nil, fmt.Errorf("event %s is %s, only failed or errored events can be retried", id, event.Status)
	}

	// Re-arm received_at so an old event is not immediately refailed as
	// stale. The original receipt time survives in the audit trail.
	now := time.Now()
	originalReceivedAt := event.ReceivedAt
	updates := map[string]interface{}{
		"status":           models.EventStatusPending,
		"last_error":       "",
		"next_attempt_at":  nil,
		"claimed_by":       "",
		"lease_expires_at": nil,
		"received_at":      now,
		"updated_at":       now,
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to reset event: %w", err)
	}
	event.Status = models.EventStatusPending
	event.LastError = ""
	event.NextAttemptAt = nil
	event.ReceivedAt = now

	if _, err := s.ledger.Append(ctx, audit.Entry{
		TenantID:   event.TenantID,
		Actor:      requestedBy,
		Action:     models.AuditActionEventRetried,
		EntityType: "webhook_event",
		EntityID:   event.ID.String(),
		Details: map[string]interface{}{
			"attempts_so_far":      event.Attempts,
			"original_received_at": originalReceivedAt,
		},
	}); err != nil {
		s.logger.Error("Failed to audit manual retry", zap.Error(err))
	}

	return event, nil
}

// Stats summarizes queue health.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByTopic  map[string]int64 `json:"by_topic"`
	Invalid  int64            `json:"invalid_signatures"`
}

func (s *AdminService) EventStats(ctx context.Context, tenantID string) (*Stats, error) {
	base := s.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if tenantID != "" {
		base = base.Where("tenant_id = ?", tenantID)
	}

	stats := &Stats{
		ByStatus: make(map[string]int64),
		ByTopic:  make(map[string]int64),
	}

	if err := base.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	type bucket struct {
		Key   string
		Count int64
	}

	var statusBuckets []bucket
	if err := base.Session(&gorm.Session{}).
		Select("status AS key, COUNT(*) AS count").
		Group("status").Scan(&statusBuckets).Error; err != nil {
		return nil, fmt.Errorf("failed to group by status: %w", err)
	}
	for _, b := range statusBuckets {
		stats.ByStatus[b.Key] = b.Count
	}

	var topicBuckets []bucket
	if err := base.Session(&gorm.Session{}).
		Select("topic AS key, COUNT(*) AS count").
		Group("topic").Scan(&topicBuckets).Error; err != nil {
		return nil, fmt.Errorf("failed to group by topic: %w", err)
	}
	for _, b := range topicBuckets {
		stats.ByTopic[b.Key] = b.Count
	}

	if err := base.Session(&gorm.Session{}).
		Where("signature_valid = ?", false).
		Count(&stats.Invalid).Error; err != nil {
		return nil, fmt.Errorf("failed to count invalid signatures: %w", err)
	}

	return stats, nil
}
