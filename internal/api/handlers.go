// Package api exposes the HTTP surface: the webhook intake endpoint and the
// admin API for operations.
package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/credentials"
	"github.com/lexure-intelligence/payment-integrity/internal/ingest"
	"github.com/lexure-intelligence/payment-integrity/internal/models"
	"github.com/lexure-intelligence/payment-integrity/internal/processor"
	"github.com/lexure-intelligence/payment-integrity/internal/recon"
)

// Handler bundles the services behind the HTTP surface.
type Handler struct {
	ingest     *ingest.Service
	admin      *processor.AdminService
	engine     *recon.Engine
	ledger     audit.Ledger
	creds      *credentials.Manager
	alerts     *alerts.Service
	adminToken string
	logger     *zap.Logger
}

func NewHandler(ingestSvc *ingest.Service, adminSvc *processor.AdminService, engine *recon.Engine, ledger audit.Ledger, creds *credentials.Manager, alertSvc *alerts.Service, adminToken string, logger *zap.Logger) *Handler {
	return &Handler{
		ingest:     ingestSvc,
		admin:      adminSvc,
		engine:     engine,
		ledger:     ledger,
		creds:      creds,
		alerts:     alertSvc,
		adminToken: adminToken,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes mounted.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := router.Group("/api/v1")
	v1.POST("/webhooks/gateway", h.receiveWebhook)

	admin := v1.Group("/admin")
	admin.Use(h.requireAdmin())
	{
		admin.GET("/events", h.listEvents)
		admin.GET("/events/:id", h.getEvent)
		admin.POST("/events/:id/retry", h.retryEvent)
		admin.GET("/stats", h.eventStats)
		admin.GET("/audit", h.queryAudit)
		admin.POST("/audit/verify", h.verifyAudit)
		admin.POST("/reconcile", h.triggerReconciliation)
		admin.GET("/reconciliations", h.listReconciliations)
		admin.GET("/credentials/:tenant_id/:system", h.credentialStatus)
	}

	return router
}

// requireAdmin checks the bearer token on admin routes.
func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminToken == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin API is not configured"})
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// receiveWebhook always acknowledges a delivery that could be persisted.
// Validation problems are flagged on the stored event, never surfaced to
// the sender.
func (h *Handler) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		tenantID = c.GetHeader("X-Tenant-ID")
	}
	if tenantID == "" {
		tenantID = "default"
	}

	event, err := h.ingest.Receive(c.Request.Context(), tenantID, body, c.Request.Header, c.ClientIP())
	if err != nil {
		h.logger.Error("Failed to persist webhook", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist delivery"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "received", "event_id": event.ID})
}

func (h *Handler) listEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, total, err := h.admin.ListEvents(c.Request.Context(), processor.EventFilter{
		TenantID: c.Query("tenant_id"),
		Status:   c.Query("status"),
		Topic:    c.Query("topic"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.logger.Error("Failed to list events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": total})
}

func (h *Handler) getEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	event, err := h.admin.GetEvent(c.Request.Context(), id)
	if errors.Is(err, processor.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event"})
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *Handler) retryEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	event, err := h.admin.RetryEvent(c.Request.Context(), id, "admin")
	if errors.Is(err, processor.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *Handler) eventStats(c *gin.Context) {
	stats, err := h.admin.EventStats(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) queryAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filter := audit.Filter{
		TenantID:   c.Query("tenant_id"),
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if since := c.Query("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = ts
		}
	}
	if until := c.Query("until"); until != "" {
		if ts, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = ts
		}
	}

	entries, err := h.ledger.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) verifyAudit(c *gin.Context) {
	var req struct {
		FromSeq int64 `json:"from_seq"`
		ToSeq   int64 `json:"to_seq"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.ledger.Verify(c.Request.Context(), req.FromSeq, req.ToSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	if !result.Valid && h.alerts != nil {
		h.alerts.Raise(c.Request.Context(), "", alerts.TypeLedgerTampered, models.SeverityCritical,
			"audit ledger chain verification failed",
			map[string]interface{}{"broken_at": result.BrokenAt, "reason": result.Reason})
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) triggerReconciliation(c *gin.Context) {
	var req struct {
		TenantID             string `json:"tenant_id"`
		WindowHours          int    `json:"window_hours"`
		EnableAutoCorrection bool   `json:"enable_auto_correction"`
		DryRun               bool   `json:"dry_run"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	params := recon.Params{
		TenantID:             req.TenantID,
		EnableAutoCorrection: req.EnableAutoCorrection,
		DryRun:               req.DryRun,
		RequestedBy:          "admin",
	}
	if req.WindowHours > 0 {
		params.Window = time.Duration(req.WindowHours) * time.Hour
	}

	report, err := h.engine.Run(c.Request.Context(), params)
	if errors.Is(err, recon.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "a reconciliation run is already in progress"})
		return
	}
	if err != nil {
		h.logger.Error("Reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) listReconciliations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.engine.History(c.Request.Context(), c.Query("tenant_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// credentialStatus reports expiry and health only. Token material never
// leaves the credentials package.
func (h *Handler) credentialStatus(c *gin.Context) {
	status, err := h.creds.StatusFor(c.Request.Context(),
		c.Param("tenant_id"), c.Param("system"))
	if errors.Is(err, credentials.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load credential"})
		return
	}
	c.JSON(http.StatusOK, status)
}
