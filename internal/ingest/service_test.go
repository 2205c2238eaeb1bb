package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/credentials"
	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

const testSecret = "test-webhook-secret"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.WebhookEvent{},
		&models.AuditLogEntry{},
		&models.TenantCredential{},
	))
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (*Service, *eventbus.MemoryEventBus) {
	t.Helper()
	ledger := audit.NewLedger(db, zap.NewNop())
	bus := eventbus.NewMemoryEventBus()
	alertSvc := alerts.NewService(ledger, bus, zap.NewNop())
	store := credentials.NewStore(db)
	cfg := config.WebhookConfig{
		Secret:          testSecret,
		SignatureHeader: "X-Signature",
		RatePerSecond:   100,
		RateBurst:       100,
	}
	return NewService(db, store, ledger, alertSvc, bus, cfg, 3, zap.NewNop()), bus
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func headersWith(signature string) http.Header {
	h := http.Header{}
	if signature != "" {
		h.Set("X-Signature", signature)
	}
	h.Set("Content-Type", "application/json")
	return h
}

func TestReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("valid delivery persisted pending", func(t *testing.T) {
		db := newTestDB(t)
		svc, bus := newTestService(t, db)

		body := []byte(`{"id": 101, "topic": "payment", "data": {"id": 555001}}`)
		event, err := svc.Receive(ctx, "tenant-1", body, headersWith(sign(body)), "203.0.113.9")
		require.NoError(t, err)

		assert.Equal(t, models.EventStatusPending, event.Status)
		assert.True(t, event.SignatureValid)
		assert.Equal(t, "payment", event.Topic)
		assert.Equal(t, "555001", event.ResourceID)
		assert.Equal(t, "101", event.EventID)
		assert.Equal(t, "203.0.113.9", event.SourceIP)

		assert.Len(t, bus.Published(eventbus.TopicWebhookEvents), 1)
		assert.Empty(t, bus.Published(eventbus.TopicSecurityAlerts))
	})

	t.Run("bad signature flagged not rejected", func(t *testing.T) {
		db := newTestDB(t)
		svc, bus := newTestService(t, db)

		body := []byte(`{"id": 102, "topic": "payment", "data": {"id": 555002}}`)
		event, err := svc.Receive(ctx, "tenant-1", body, headersWith("bogus-signature"), "203.0.113.9")
		require.NoError(t, err)

		assert.False(t, event.SignatureValid)
		assert.Equal(t, models.EventStatusPending, event.Status)
		assert.Len(t, bus.Published(eventbus.TopicSecurityAlerts), 1)
	})

	t.Run("missing signature flagged", func(t *testing.T) {
		db := newTestDB(t)
		svc, _ := newTestService(t, db)

		body := []byte(`{"id": 103, "topic": "payment", "data": {"id": 555003}}`)
		event, err := svc.Receive(ctx, "tenant-1", body, headersWith(""), "203.0.113.9")
		require.NoError(t, err)
		assert.False(t, event.SignatureValid)
	})

	t.Run("invalid json persisted terminal", func(t *testing.T) {
		db := newTestDB(t)
		svc, _ := newTestService(t, db)

		body := []byte(`{not json at all`)
		event, err := svc.Receive(ctx, "tenant-1", body, headersWith(sign(body)), "203.0.113.9")
		require.NoError(t, err)

		assert.Equal(t, "invalid_json", event.Topic)
		assert.Equal(t, models.EventStatusFailed, event.Status)
		assert.NotEmpty(t, event.LastError)
	})

	t.Run("duplicate delivery returns original row", func(t *testing.T) {
		db := newTestDB(t)
		svc, _ := newTestService(t, db)

		body := []byte(`{"id": 104, "topic": "payment", "data": {"id": 555004}}`)
		first, err := svc.Receive(ctx, "tenant-1", body, headersWith(sign(body)), "203.0.113.9")
		require.NoError(t, err)
		second, err := svc.Receive(ctx, "tenant-1", body, headersWith(sign(body)), "203.0.113.9")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)

		var count int64
		require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("same event id under another tenant is a new row", func(t *testing.T) {
		db := newTestDB(t)
		svc, _ := newTestService(t, db)

		body := []byte(`{"id": 105, "topic": "payment", "data": {"id": 555005}}`)
		first, err := svc.Receive(ctx, "tenant-1", body, headersWith(sign(body)), "203.0.113.9")
		require.NoError(t, err)
		second, err := svc.Receive(ctx, "tenant-2", body, headersWith(sign(body)), "203.0.113.9")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("receipt is audited", func(t *testing.T) {
		db := newTestDB(t)
		svc, _ := newTestService(t, db)

		body := []byte(`{"id": 106, "topic": "payment", "data": {"id": 555006}}`)
		_, err := svc.Receive(ctx, "tenant-1", body, headersWith(sign(body)), "203.0.113.9")
		require.NoError(t, err)

		ledger := audit.NewLedger(db, zap.NewNop())
		entries, err := ledger.Query(ctx, audit.Filter{Action: models.AuditActionEventReceived})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}
