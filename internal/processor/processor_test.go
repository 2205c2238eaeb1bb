package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/crm"
	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
	"github.com/lexure-intelligence/payment-integrity/internal/gateway"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

type fakeGateway struct {
	mu       sync.Mutex
	payments map[string]gateway.Payment
	err      error
}

func (f *fakeGateway) GetPayment(ctx context.Context, tenantID, paymentID string) (*gateway.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, gateway.ErrPaymentNotFound
	}
	return &p, nil
}

func (f *fakeGateway) SearchPayments(ctx context.Context, tenantID string, begin, end time.Time) ([]gateway.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []gateway.Payment
	for _, p := range f.payments {
		out = append(out, p)
	}
	return out, nil
}

type fakeCRM struct {
	mu      sync.Mutex
	applied []string
	err     error
}

func (f *fakeCRM) ApplyPaymentTag(ctx context.Context, tenantID, contactID, tag string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, contactID+":"+tag)
	return nil
}

func (f *fakeCRM) GetContact(ctx context.Context, tenantID, contactID string) (*crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &crm.Contact{ID: contactID}, nil
}

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
		&models.Payment{},
		&models.AuditLogEntry{},
		&models.Discrepancy{},
	))
	return db
}

type fixture struct {
	db     *gorm.DB
	proc   *Processor
	gw     *fakeGateway
	crm    *fakeCRM
	bus    *eventbus.MemoryEventBus
	ledger audit.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	ledger := audit.NewLedger(db, zap.NewNop())
	bus := eventbus.NewMemoryEventBus()
	alertSvc := alerts.NewService(ledger, bus, zap.NewNop())
	gw := &fakeGateway{payments: make(map[string]gateway.Payment)}
	crmClient := &fakeCRM{}

	cfg := config.ProcessorConfig{
		MaxAttempts:      3,
		LeaseSeconds:     120,
		BaseDelaySeconds: 2,
		MaxDelaySeconds:  300,
		AmountTolerance:  0.01,
	}
	proc := NewProcessor(db, ledger, alertSvc, gw, crmClient, cfg, "pago", zap.NewNop())
	return &fixture{db: db, proc: proc, gw: gw, crm: crmClient, bus: bus, ledger: ledger}
}

func (f *fixture) seedEvent(t *testing.T, topic, resourceID string) *models.WebhookEvent {
	t.Helper()
	event := &models.WebhookEvent{
		TenantID:       "tenant-1",
		EventID:        "evt-" + resourceID,
		Topic:          topic,
		ResourceID:     resourceID,
		Payload:        datatypes.JSON([]byte(`{}`)),
		SignatureValid: true,
		Status:         models.EventStatusPending,
		MaxAttempts:    3,
		ReceivedAt:     time.Now(),
	}
	require.NoError(t, f.db.Create(event).Error)
	return event
}

func (f *fixture) seedPayment(t *testing.T, externalRef string, amount float64) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		TenantID:          "tenant-1",
		ExternalID:        "gw-" + externalRef,
		ExternalReference: externalRef,
		Amount:            amount,
		Status:            models.PaymentStatusPending,
		CRMContactID:      "contact-" + externalRef,
	}
	require.NoError(t, f.db.Create(payment).Error)
	return payment
}

func (f *fixture) claimAndProcess(t *testing.T, ctx context.Context) *models.WebhookEvent {
	t.Helper()
	event, err := f.proc.ClaimNext(ctx, "worker-test")
	require.NoError(t, err)
	require.NoError(t, f.proc.ProcessClaimed(ctx, event))
	return event
}

func (f *fixture) reload(t *testing.T, event *models.WebhookEvent) *models.WebhookEvent {
	t.Helper()
	var fresh models.WebhookEvent
	require.NoError(t, f.db.Where("id = ?", event.ID).First(&fresh).Error)
	return &fresh
}

func alertTypes(bus *eventbus.MemoryEventBus) []string {
	var types []string
	for _, raw := range bus.Published(eventbus.TopicSecurityAlerts) {
		if m, ok := raw.(map[string]interface{}); ok {
			if s, ok := m["alert_type"].(string); ok {
				types = append(types, s)
			}
		}
	}
	return types
}

func TestClaimNext(t *testing.T) {
	ctx := context.Background()

	t.Run("claims pending and increments attempts", func(t *testing.T) {
		f := newFixture(t)
		seeded := f.seedEvent(t, "payment", "100")

		event, err := f.proc.ClaimNext(ctx, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, seeded.ID, event.ID)
		assert.Equal(t, models.EventStatusProcessing, event.Status)
		assert.Equal(t, 1, event.Attempts)
		assert.Equal(t, "worker-a", event.ClaimedBy)
		require.NotNil(t, event.LeaseExpiresAt)

		_, err = f.proc.ClaimNext(ctx, "worker-b")
		assert.ErrorIs(t, err, ErrNoWork)
	})

	t.Run("skips errored event still in backoff", func(t *testing.T) {
		f := newFixture(t)
		event := f.seedEvent(t, "payment", "101")
		next := time.Now().Add(time.Hour)
		require.NoError(t, f.db.Model(event).Updates(map[string]interface{}{
			"status":          models.EventStatusError,
			"attempts":        1,
			"next_attempt_at": next,
		}).Error)

		_, err := f.proc.ClaimNext(ctx, "worker-a")
		assert.ErrorIs(t, err, ErrNoWork)
	})

	t.Run("reclaims expired lease and re-increments attempts", func(t *testing.T) {
		f := newFixture(t)
		event := f.seedEvent(t, "payment", "102")
		expired := time.Now().Add(-time.Minute)
		require.NoError(t, f.db.Model(event).Updates(map[string]interface{}{
			"status":           models.EventStatusProcessing,
			"claimed_by":       "worker-dead",
			"attempts":         1,
			"lease_expires_at": expired,
		}).Error)

		claimed, err := f.proc.ClaimNext(ctx, "worker-alive")
		require.NoError(t, err)
		assert.Equal(t, 2, claimed.Attempts)
		assert.Equal(t, "worker-alive", claimed.ClaimedBy)
	})

	t.Run("sibling event on a leased resource waits", func(t *testing.T) {
		f := newFixture(t)
		f.seedEvent(t, "payment", "900")
		f.seedEvent(t, "payment", "900")

		first, err := f.proc.ClaimNext(ctx, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, "900", first.ResourceID)

		// The sibling references the same payment and must wait out the lease.
		_, err = f.proc.ClaimNext(ctx, "worker-b")
		assert.ErrorIs(t, err, ErrNoWork)

		// A different resource is unaffected.
		other := f.seedEvent(t, "payment", "901")
		claimed, err := f.proc.ClaimNext(ctx, "worker-b")
		require.NoError(t, err)
		assert.Equal(t, other.ID, claimed.ID)

		// Settling the first releases the resource for the sibling.
		require.NoError(t, f.proc.ProcessClaimed(ctx, first))
		next, err := f.proc.ClaimNext(ctx, "worker-b")
		require.NoError(t, err)
		assert.Equal(t, "900", next.ResourceID)
		assert.NotEqual(t, first.ID, next.ID)
	})

	t.Run("expired lease at the attempt ceiling settles failed", func(t *testing.T) {
		f := newFixture(t)
		event := f.seedEvent(t, "payment", "902")
		expired := time.Now().Add(-time.Minute)
		require.NoError(t, f.db.Model(event).Updates(map[string]interface{}{
			"status":           models.EventStatusProcessing,
			"claimed_by":       "worker-dead",
			"attempts":         3,
			"lease_expires_at": expired,
		}).Error)

		_, err := f.proc.ClaimNext(ctx, "worker-alive")
		assert.ErrorIs(t, err, ErrNoWork)

		settled := f.reload(t, event)
		assert.Equal(t, models.EventStatusFailed, settled.Status)
		assert.Equal(t, 3, settled.Attempts)
	})

	t.Run("exhausted errored event not claimable", func(t *testing.T) {
		f := newFixture(t)
		event := f.seedEvent(t, "payment", "103")
		require.NoError(t, f.db.Model(event).Updates(map[string]interface{}{
			"status":   models.EventStatusError,
			"attempts": 3,
		}).Error)

		_, err := f.proc.ClaimNext(ctx, "worker-a")
		assert.ErrorIs(t, err, ErrNoWork)
	})
}

func TestProcessHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payment := f.seedPayment(t, "order-1", 150.00)
	f.gw.payments["555"] = gateway.Payment{
		ID:                "555",
		Status:            models.PaymentStatusApproved,
		TransactionAmount: 150.00,
		ExternalReference: "order-1",
		PayerEmail:        "payer@example.com",
	}
	f.seedEvent(t, "payment", "555")

	settled := f.reload(t, f.claimAndProcess(t, ctx))
	assert.Equal(t, models.EventStatusProcessed, settled.Status)
	require.NotNil(t, settled.ProcessedAt)

	var fresh models.Payment
	require.NoError(t, f.db.Where("id = ?", payment.ID).First(&fresh).Error)
	assert.Equal(t, models.PaymentStatusApproved, fresh.Status)
	assert.Equal(t, "555", fresh.ExternalID)
	assert.True(t, fresh.CRMTagApplied)

	require.Len(t, f.crm.applied, 1)
	assert.Equal(t, "contact-order-1:pago_150.00", f.crm.applied[0])

	ledger := audit.NewLedger(f.db, zap.NewNop())
	for _, action := range []string{
		models.AuditActionPaymentUpdated,
		models.AuditActionCRMUpdateSuccess,
		models.AuditActionEventProcessed,
	} {
		entries, err := ledger.Query(ctx, audit.Filter{Action: action})
		require.NoError(t, err)
		assert.Len(t, entries, 1, action)
	}
}

func TestProcessEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("non-payment topic short-circuits", func(t *testing.T) {
		f := newFixture(t)
		f.seedEvent(t, "subscription", "any")
		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusProcessed, settled.Status)
		assert.Empty(t, f.crm.applied)
	})

	t.Run("amount mismatch leaves payment untouched", func(t *testing.T) {
		f := newFixture(t)
		payment := f.seedPayment(t, "order-2", 150.00)
		f.gw.payments["556"] = gateway.Payment{
			ID:                "556",
			Status:            models.PaymentStatusApproved,
			TransactionAmount: 175.00,
			ExternalReference: "order-2",
		}
		f.seedEvent(t, "payment", "556")

		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusError, settled.Status)
		require.NotNil(t, settled.NextAttemptAt)

		var fresh models.Payment
		require.NoError(t, f.db.Where("id = ?", payment.ID).First(&fresh).Error)
		assert.Equal(t, models.PaymentStatusPending, fresh.Status)
		assert.Equal(t, 150.00, fresh.Amount)

		assert.Contains(t, alertTypes(f.bus), alerts.TypeAmountMismatch)

		// The mismatch is queryable as a critical discrepancy right away,
		// not only after the next reconciliation run.
		var discs []models.Discrepancy
		require.NoError(t, f.db.Where("payment_id = ?", payment.ID).Find(&discs).Error)
		require.Len(t, discs, 1)
		assert.Equal(t, models.DiscrepancyAmountMismatch, discs[0].Type)
		assert.Equal(t, models.SeverityCritical, discs[0].Severity)
		assert.Equal(t, "150.00", discs[0].Expected)
		assert.Equal(t, "175.00", discs[0].Actual)

		// A retried attempt reuses the open row.
		require.NoError(t, f.db.Model(settled).Update("next_attempt_at", nil).Error)
		f.claimAndProcess(t, ctx)
		require.NoError(t, f.db.Where("payment_id = ?", payment.ID).Find(&discs).Error)
		assert.Len(t, discs, 1)
	})

	t.Run("amount within tolerance accepted", func(t *testing.T) {
		f := newFixture(t)
		f.seedPayment(t, "order-3", 150.00)
		f.gw.payments["557"] = gateway.Payment{
			ID:                "557",
			Status:            models.PaymentStatusApproved,
			TransactionAmount: 150.005,
			ExternalReference: "order-3",
		}
		f.seedEvent(t, "payment", "557")

		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusProcessed, settled.Status)
	})

	t.Run("unknown payment reference alerts and retries", func(t *testing.T) {
		f := newFixture(t)
		f.gw.payments["558"] = gateway.Payment{
			ID:                "558",
			Status:            models.PaymentStatusApproved,
			TransactionAmount: 99.00,
			ExternalReference: "order-unknown",
		}
		f.seedEvent(t, "payment", "558")

		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusError, settled.Status)
		assert.Contains(t, alertTypes(f.bus), alerts.TypeUnknownReference)
	})

	t.Run("duplicate settled payment short-circuits", func(t *testing.T) {
		f := newFixture(t)
		payment := f.seedPayment(t, "order-4", 150.00)
		now := time.Now()
		require.NoError(t, f.db.Model(payment).Updates(map[string]interface{}{
			"external_id":        "559",
			"status":             models.PaymentStatusApproved,
			"crm_tag_applied":    true,
			"crm_tag_applied_at": now,
		}).Error)
		f.gw.payments["559"] = gateway.Payment{
			ID:                "559",
			Status:            models.PaymentStatusApproved,
			TransactionAmount: 150.00,
			ExternalReference: "order-4",
		}
		f.seedEvent(t, "payment", "559")

		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusProcessed, settled.Status)
		assert.Empty(t, f.crm.applied)
		assert.Contains(t, alertTypes(f.bus), alerts.TypeDuplicatePayment)
	})

	t.Run("unsigned payment event fails terminally", func(t *testing.T) {
		f := newFixture(t)
		f.seedPayment(t, "order-sig", 150.00)
		f.gw.payments["562"] = gateway.Payment{
			ID:                "562",
			Status:            models.PaymentStatusApproved,
			TransactionAmount: 150.00,
			ExternalReference: "order-sig",
		}
		event := f.seedEvent(t, "payment", "562")
		require.NoError(t, f.db.Model(event).Update("signature_valid", false).Error)

		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusFailed, settled.Status)
		assert.Empty(t, f.crm.applied)

		entries, err := f.ledger.Query(ctx, audit.Filter{Action: models.AuditActionSecurityAlert})
		require.NoError(t, err)
		assert.NotEmpty(t, entries)
	})

	t.Run("gateway 404 is permanent", func(t *testing.T) {
		f := newFixture(t)
		f.seedEvent(t, "payment", "560")

		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusFailed, settled.Status)
	})

	t.Run("stale event fails without gateway call", func(t *testing.T) {
		f := newFixture(t)
		event := f.seedEvent(t, "payment", "561")
		require.NoError(t, f.db.Model(event).
			Update("received_at", time.Now().Add(-25*time.Hour)).Error)

		settled := f.reload(t, f.claimAndProcess(t, ctx))
		assert.Equal(t, models.EventStatusFailed, settled.Status)
	})
}

func TestCRMFailureAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payment := f.seedPayment(t, "order-5", 80.00)
	f.gw.payments["562"] = gateway.Payment{
		ID:                "562",
		Status:            models.PaymentStatusApproved,
		TransactionAmount: 80.00,
		ExternalReference: "order-5",
	}
	f.crm.err = fmt.Errorf("crm is down")
	f.seedEvent(t, "payment", "562")

	// Payment commit sticks and the event still settles processed; the
	// missing tag is reconciliation's problem now.
	settled := f.reload(t, f.claimAndProcess(t, ctx))
	assert.Equal(t, models.EventStatusProcessed, settled.Status)

	var fresh models.Payment
	require.NoError(t, f.db.Where("id = ?", payment.ID).First(&fresh).Error)
	assert.Equal(t, models.PaymentStatusApproved, fresh.Status)
	assert.False(t, fresh.CRMTagApplied)

	ledger := audit.NewLedger(f.db, zap.NewNop())
	entries, err := ledger.Query(ctx, audit.Filter{Action: models.AuditActionCRMUpdateFailed})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.payments["563"] = gateway.Payment{
		ID:                "563",
		Status:            models.PaymentStatusApproved,
		TransactionAmount: 50.00,
		ExternalReference: "order-nowhere",
	}
	event := f.seedEvent(t, "payment", "563")

	// Three attempts against a payment the ledger does not know.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.db.Model(event).Update("next_attempt_at", nil).Error)
		claimed, err := f.proc.ClaimNext(ctx, "worker-test")
		require.NoError(t, err)
		require.NoError(t, f.proc.ProcessClaimed(ctx, claimed))
	}

	settled := f.reload(t, event)
	assert.Equal(t, models.EventStatusFailed, settled.Status)
	assert.Equal(t, 3, settled.Attempts)
	assert.Contains(t, alertTypes(f.bus), alerts.TypeEventExhausted)

	_, err := f.proc.ClaimNext(ctx, "worker-test")
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestBackoff(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 2*time.Second, f.proc.backoff(1))
	assert.Equal(t, 4*time.Second, f.proc.backoff(2))
	assert.Equal(t, 8*time.Second, f.proc.backoff(3))
	assert.Equal(t, 300*time.Second, f.proc.backoff(20))
}
