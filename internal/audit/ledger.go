// Package audit maintains the append-only, hash-chained audit ledger. All
// hashing happens here; callers hand over plain entries and never compute
// or see chain internals beyond the returned hash.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-integrity/internal/models"
)

// Entry is what callers record. The ledger assigns seq, prev hash and hash.
type Entry struct {
	TenantID      string
	Actor         string
	Action        string
	EntityType    string
	EntityID      string
	CorrelationID string
	Details       map[string]interface{}
}

// Ledger appends and verifies chained audit entries.
type Ledger interface {
	Append(ctx context.Context, entry Entry) (*models.AuditLogEntry, error)
	Verify(ctx context.Context, fromSeq, toSeq int64) (*VerifyResult, error)
	Query(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error)
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"` // seq of the first bad entry
	Reason   string `json:"reason,omitempty"`
}

// Filter narrows a ledger query. Zero values are ignored.
type Filter struct {
	TenantID   string
	Action     string
	EntityType string
	EntityID   string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

type ledger struct {
	db     *gorm.DB
	logger *zap.Logger

	// Serializes appends within this process. Cross-process races are
	// caught by the unique index on seq and retried.
	mu sync.Mutex
}

// NewLedger creates a database-backed ledger.
func NewLedger(db *gorm.DB, logger *zap.Logger) Ledger {
	return &ledger{db: db, logger: logger}
}

const appendRetries = 3

func (l *ledger) Append(ctx context.Context, entry Entry) (*models.AuditLogEntry, error) {
	if entry.Action == "" {
		return nil, errors.New("audit entry requires an action")
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	for i := 0; i < appendRetries; i++ {
		row, err := l.appendOnce(ctx, entry)
		if err == nil {
			return row, nil
		}
		lastErr = err
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		// Another writer took our seq; re-read the head and try again.
	}
	return nil, fmt.Errorf("failed to append audit entry: %w", lastErr)
}

func (l *ledger) appendOnce(ctx context.Context, entry Entry) (*models.AuditLogEntry, error) {
	var row *models.AuditLogEntry

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head models.AuditLogEntry
		seq := int64(1)
		prevHash := models.GenesisHash

		err := tx.Order("seq DESC").First(&head).Error
		switch {
		case err == nil:
			seq = head.Seq + 1
			prevHash = head.Hash
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first entry in the chain
		default:
			return fmt.Errorf("failed to read chain head: %w", err)
		}

		var details datatypes.JSON
		detailsDigest := ""
		if entry.Details != nil {
			raw, err := marshalDetails(entry.Details)
			if err != nil {
				return err
			}
			details = raw
			sum := sha256.Sum256(raw)
			detailsDigest = hex.EncodeToString(sum[:])
		}

		// Microsecond precision survives a postgres round-trip; nanoseconds
		// would not, and the hash must be recomputable from the stored row.
		now := time.Now().UTC().Truncate(time.Microsecond)
		candidate := models.AuditLogEntry{
			Seq:           seq,
			TenantID:      entry.TenantID,
			Actor:         entry.Actor,
			Action:        entry.Action,
			EntityType:    entry.EntityType,
			EntityID:      entry.EntityID,
			CorrelationID: entry.CorrelationID,
			Details:       details,
			DetailsDigest: detailsDigest,
			PrevHash:      prevHash,
			CreatedAt:     now,
		}
		candidate.Hash = ComputeHash(&candidate)

		if err := tx.Create(&candidate).Error; err != nil {
			return err
		}
		row = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (l *ledger) Verify(ctx context.Context, fromSeq, toSeq int64) (*VerifyResult, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	query := l.db.WithContext(ctx).Order("seq ASC").Where("seq >= ?", fromSeq)
	if toSeq > 0 {
		query = query.Where("seq <= ?", toSeq)
	}

	var entries []models.AuditLogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load entries for verification: %w", err)
	}

	result := &VerifyResult{Valid: true}

	// Anchor the first entry's prev hash against its predecessor, or
	// against the genesis sentinel when the range starts at the beginning.
	prevHash := models.GenesisHash
	if fromSeq > 1 {
		var prev models.AuditLogEntry
		err := l.db.WithContext(ctx).Where("seq = ?", fromSeq-1).First(&prev).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load anchor entry %d: %w", fromSeq-1, err)
		}
		prevHash = prev.Hash
	}

	expectedSeq := fromSeq
	for i := range entries {
		e := &entries[i]
		result.Checked++

		if e.Seq != expectedSeq {
			result.Valid = false
			result.BrokenAt = e.Seq
			result.Reason = fmt.Sprintf("sequence gap: expected %d, found %d", expectedSeq, e.Seq)
			return result, nil
		}
		if e.PrevHash != prevHash {
			result.Valid = false
			result.BrokenAt = e.Seq
			result.Reason = "previous hash does not match prior entry"
			return result, nil
		}
		if recomputed := ComputeHash(e); recomputed != e.Hash {
			result.Valid = false
			result.BrokenAt = e.Seq
			result.Reason = "stored hash does not match entry contents"
			return result, nil
		}

		prevHash = e.Hash
		expectedSeq++
	}

	return result, nil
}

func (l *ledger) Query(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error) {
	query := l.db.WithContext(ctx).Model(&models.AuditLogEntry{}).Order("seq DESC")

	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at <= ?", filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query = query.Limit(limit).Offset(filter.Offset)

	var entries []models.AuditLogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return entries, nil
}

// ComputeHash derives the chain hash for an entry. Everything that the hash
// covers is immutable once written. The details payload is covered through
// the stored digest column; hashing the jsonb bytes directly would break on
// postgres, which re-orders object keys.
func ComputeHash(e *models.AuditLogEntry) string {
	payload := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d",
		e.Seq, e.PrevHash, e.TenantID, e.Actor, e.Action,
		e.EntityType, e.EntityID, e.CorrelationID, e.DetailsDigest,
		e.CreatedAt.UTC().UnixMicro())

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
