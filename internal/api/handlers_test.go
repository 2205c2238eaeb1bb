package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
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
	"github.com/lexure-intelligence/payment-integrity/internal/crm"
	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
	"github.com/lexure-intelligence/payment-integrity/internal/gateway"
	"github.com/lexure-intelligence/payment-integrity/internal/ingest"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
	"github.com/lexure-intelligence/payment-integrity/internal/processor"
	"github.com/lexure-intelligence/payment-integrity/internal/recon"
)

const (
	testAdminToken = "test-admin-token"
	testSecret     = "test-webhook-secret"
)

type stubGateway struct{}

func (stubGateway) GetPayment(ctx context.Context, tenantID, paymentID string) (*gateway.Payment, error) {
	return nil, gateway.ErrPaymentNotFound
}

func (stubGateway) SearchPayments(ctx context.Context, tenantID string, begin, end time.Time) ([]gateway.Payment, error) {
	return nil, nil
}

type stubCRM struct{}

func (stubCRM) ApplyPaymentTag(ctx context.Context, tenantID, contactID, tag string, amount float64) error {
	return nil
}

func (stubCRM) GetContact(ctx context.Context, tenantID, contactID string) (*crm.Contact, error) {
	return &crm.Contact{ID: contactID}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.WebhookEvent{},
		&models.Payment{},
		&models.AuditLogEntry{},
		&models.TenantCredential{},
		&models.Discrepancy{},
		&models.ReconciliationRun{},
	))

	logger := zap.NewNop()
	ledger := audit.NewLedger(db, logger)
	bus := eventbus.NewMemoryEventBus()
	alertSvc := alerts.NewService(ledger, bus, logger)
	store := credentials.NewStore(db)
	manager := credentials.NewManager(store, ledger, alertSvc, "cid", "csecret", "http://localhost:0/token", logger)

	ingestSvc := ingest.NewService(db, store, ledger, alertSvc, bus, config.WebhookConfig{
		Secret:          testSecret,
		SignatureHeader: "X-Signature",
	}, 3, logger)
	adminSvc := processor.NewAdminService(db, ledger, logger)
	engine := recon.NewEngine(db, ledger, alertSvc, stubGateway{}, stubCRM{}, recon.NewRunLock(nil, time.Minute),
		config.ReconciliationConfig{WindowHours: 24, BatchSize: 10}, "pago", 0.01, logger)

	handler := NewHandler(ingestSvc, adminSvc, engine, ledger, manager, alertSvc, testAdminToken, logger)
	return handler.Router(), db
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func doRequest(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func TestWebhookEndpoint(t *testing.T) {
	t.Run("valid delivery acknowledged", func(t *testing.T) {
		router, db := newTestRouter(t)
		body := []byte(`{"id": 1, "topic": "payment", "data": {"id": 99}}`)

		rec := doRequest(router, http.MethodPost, "/api/v1/webhooks/gateway?tenant_id=t1",
			body, map[string]string{"X-Signature": sign(body)})
		assert.Equal(t, http.StatusOK, rec.Code)

		var count int64
		require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("bad signature still acknowledged", func(t *testing.T) {
		router, db := newTestRouter(t)
		body := []byte(`{"id": 2, "topic": "payment", "data": {"id": 98}}`)

		rec := doRequest(router, http.MethodPost, "/api/v1/webhooks/gateway",
			body, map[string]string{"X-Signature": "wrong"})
		assert.Equal(t, http.StatusOK, rec.Code)

		var event models.WebhookEvent
		require.NoError(t, db.First(&event).Error)
		assert.False(t, event.SignatureValid)
	})
}

func TestAdminAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	t.Run("missing token rejected", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/v1/admin/events", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/v1/admin/events", nil,
			map[string]string{"Authorization": "Bearer nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token accepted", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/v1/admin/events", nil, adminHeaders())
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAdminEvents(t *testing.T) {
	router, db := newTestRouter(t)

	event := &models.WebhookEvent{
		TenantID:    "t1",
		Topic:       "payment",
		Status:      models.EventStatusFailed,
		Attempts:    3,
		MaxAttempts: 3,
		ReceivedAt:  time.Now(),
	}
	require.NoError(t, db.Create(event).Error)

	t.Run("list with status filter", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/v1/admin/events?status=failed", nil, adminHeaders())
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Events []models.WebhookEvent `json:"events"`
			Total  int64                 `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(1), resp.Total)
	})

	t.Run("get by id", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/v1/admin/events/"+event.ID.String(), nil, adminHeaders())
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet,
			"/api/v1/admin/events/00000000-0000-0000-0000-000000000001", nil, adminHeaders())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("retry resets status and keeps attempts", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost,
			"/api/v1/admin/events/"+event.ID.String()+"/retry", nil, adminHeaders())
		require.Equal(t, http.StatusOK, rec.Code)

		var fresh models.WebhookEvent
		require.NoError(t, db.Where("id = ?", event.ID).First(&fresh).Error)
		assert.Equal(t, models.EventStatusPending, fresh.Status)
		assert.Equal(t, 3, fresh.Attempts)
	})

	t.Run("stats", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/v1/admin/stats", nil, adminHeaders())
		require.Equal(t, http.StatusOK, rec.Code)
		var stats processor.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, int64(1), stats.Total)
	})
}

func TestAdminAudit(t *testing.T) {
	router, db := newTestRouter(t)

	ledger := audit.NewLedger(db, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := ledger.Append(context.Background(), audit.Entry{
			Actor:    "test",
			Action:   models.AuditActionEventProcessed,
			EntityID: fmt.Sprintf("evt-%d", i),
		})
		require.NoError(t, err)
	}

	t.Run("query", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/v1/admin/audit", nil, adminHeaders())
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Entries []models.AuditLogEntry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Entries, 3)
	})

	t.Run("verify intact chain", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/api/v1/admin/audit/verify",
			[]byte(`{"from_seq": 1, "to_seq": 3}`), adminHeaders())
		require.Equal(t, http.StatusOK, rec.Code)

		var result audit.VerifyResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.Valid)
		assert.Equal(t, 3, result.Checked)
	})
}

func TestAdminReconcile(t *testing.T) {
	router, db := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/admin/reconcile",
		[]byte(`{"window_hours": 24, "dry_run": true}`), adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var report recon.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.NotEmpty(t, report.ExecutionID)
	assert.True(t, report.DryRun)

	var run models.ReconciliationRun
	require.NoError(t, db.Where("id = ?", report.ExecutionID).First(&run).Error)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	recList := doRequest(router, http.MethodGet, "/api/v1/admin/reconciliations", nil, adminHeaders())
	assert.Equal(t, http.StatusOK, recList.Code)
}
