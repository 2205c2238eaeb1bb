package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/api"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/credentials"
	"github.com/lexure-intelligence/payment-integrity/internal/crm"
	"github.com/lexure-intelligence/payment-integrity/internal/database"
	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
	"github.com/lexure-intelligence/payment-integrity/internal/gateway"
	"github.com/lexure-intelligence/payment-integrity/internal/ingest"
	"github.com/lexure-intelligence/payment-integrity/internal/processor"
	"github.com/lexure-intelligence/payment-integrity/internal/recon"
	"github.com/lexure-intelligence/payment-integrity/internal/secrets"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to parse configuration: %v", err)
	}

	logger, err := initLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting payment integrity API server")

	// Secrets from Vault override file and env config when configured.
	vault, err := secrets.NewVaultClient(cfg.Vault, logger)
	if err != nil {
		logger.Warn("Vault client unavailable, using config-based secrets", zap.Error(err))
	} else if vault != nil {
		if err := vault.Overlay(cfg); err != nil {
			logger.Warn("Failed to load secrets from Vault, using config", zap.Error(err))
		} else {
			logger.Info("Secrets loaded from Vault")
		}
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	var bus eventbus.EventBus
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisBus, err := eventbus.NewRedisEventBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer redisBus.Close()
		bus = redisBus

		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	} else {
		logger.Warn("Redis not configured, worker nudges are disabled")
		bus = eventbus.NewMemoryEventBus()
	}

	ledger := audit.NewLedger(db, logger)
	alertSvc := alerts.NewService(ledger, bus, logger)
	credStore := credentials.NewStore(db)
	credManager := credentials.NewManager(credStore, ledger, alertSvc,
		cfg.CRM.ClientID, cfg.CRM.ClientSecret, cfg.CRM.TokenURL, logger)

	gatewayClient := gateway.NewHTTPClient(cfg.Gateway, credStore, logger)
	crmClient := crm.NewHTTPClient(cfg.CRM, credManager, logger)

	ingestSvc := ingest.NewService(db, credStore, ledger, alertSvc, bus,
		cfg.Webhook, cfg.Processor.MaxAttempts, logger)
	adminSvc := processor.NewAdminService(db, ledger, logger)

	runLock := recon.NewRunLock(redisClient, 30*time.Minute)
	engine := recon.NewEngine(db, ledger, alertSvc, gatewayClient, crmClient, runLock,
		cfg.Reconciliation, cfg.CRM.TagPrefix, cfg.Processor.AmountTolerance, logger)

	handler := api.NewHandler(ingestSvc, adminSvc, engine, ledger, credManager, alertSvc, cfg.Admin.Token, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func initLogger(level string) (*zap.Logger, error) {
	var logLevel zap.AtomicLevel
	switch level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = logLevel
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	return zapCfg.Build()
}
