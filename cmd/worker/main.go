package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-integrity/internal/alerts"
	"github.com/lexure-intelligence/payment-integrity/internal/audit"
	"github.com/lexure-intelligence/payment-integrity/internal/config"
	"github.com/lexure-intelligence/payment-integrity/internal/credentials"
	"github.com/lexure-intelligence/payment-integrity/internal/crm"
	"github.com/lexure-intelligence/payment-integrity/internal/database"
	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
	"github.com/lexure-intelligence/payment-integrity/internal/gateway"
	"github.com/lexure-intelligence/payment-integrity/internal/processor"
	"github.com/lexure-intelligence/payment-integrity/internal/recon"
	"github.com/lexure-intelligence/payment-integrity/internal/secrets"
)

func main() {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Provide(
			loadConfig,
			initLogger,
			initDatabase,
			initEventBus,
			initRedisClient,
			audit.NewLedger,
			alerts.NewService,
			credentials.NewStore,
			initCredentialManager,
			initGatewayClient,
			initCRMClient,
			initProcessor,
			initPool,
			initRunLock,
			initReconEngine,
			initScheduler,
		),
		fx.Invoke(startWorker),
		fx.StopTimeout(30*time.Second),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Fatal("Failed to start worker: ", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down worker...")
	if err := app.Stop(context.Background()); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Worker shutdown complete")
}

func loadConfig() (*config.Config, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}
	return config.Get()
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var logLevel zap.AtomicLevel
	switch cfg.Log.Level {
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
	return zapCfg.Build()
}

func initDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	vault, err := secrets.NewVaultClient(cfg.Vault, logger)
	if err != nil {
		logger.Warn("Vault client unavailable, using config-based secrets", zap.Error(err))
	} else if vault != nil {
		if err := vault.Overlay(cfg); err != nil {
			logger.Warn("Failed to load secrets from Vault, using config", zap.Error(err))
		}
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func initEventBus(cfg *config.Config, logger *zap.Logger) (eventbus.EventBus, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("Redis not configured, falling back to in-process event bus")
		return eventbus.NewMemoryEventBus(), nil
	}
	return eventbus.NewRedisEventBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
}

func initRedisClient(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func initCredentialManager(store *credentials.Store, ledger audit.Ledger, alertSvc *alerts.Service, cfg *config.Config, logger *zap.Logger) *credentials.Manager {
	return credentials.NewManager(store, ledger, alertSvc,
		cfg.CRM.ClientID, cfg.CRM.ClientSecret, cfg.CRM.TokenURL, logger)
}

func initGatewayClient(cfg *config.Config, store *credentials.Store, logger *zap.Logger) gateway.Client {
	return gateway.NewHTTPClient(cfg.Gateway, store, logger)
}

func initCRMClient(cfg *config.Config, manager *credentials.Manager, logger *zap.Logger) crm.Client {
	return crm.NewHTTPClient(cfg.CRM, manager, logger)
}

func initProcessor(db *gorm.DB, ledger audit.Ledger, alertSvc *alerts.Service, gw gateway.Client, crmClient crm.Client, cfg *config.Config, logger *zap.Logger) *processor.Processor {
	return processor.NewProcessor(db, ledger, alertSvc, gw, crmClient,
		cfg.Processor, cfg.CRM.TagPrefix, logger)
}

func initPool(proc *processor.Processor, bus eventbus.EventBus, cfg *config.Config, logger *zap.Logger) *processor.Pool {
	return processor.NewPool(proc, bus, cfg.Processor.Workers, cfg.Processor.PollSeconds, logger)
}

func initRunLock(client *redis.Client) *recon.RunLock {
	return recon.NewRunLock(client, 30*time.Minute)
}

func initReconEngine(db *gorm.DB, ledger audit.Ledger, alertSvc *alerts.Service, gw gateway.Client, crmClient crm.Client, lock *recon.RunLock, cfg *config.Config, logger *zap.Logger) *recon.Engine {
	return recon.NewEngine(db, ledger, alertSvc, gw, crmClient, lock,
		cfg.Reconciliation, cfg.CRM.TagPrefix, cfg.Processor.AmountTolerance, logger)
}

func initScheduler(engine *recon.Engine, cfg *config.Config, logger *zap.Logger) *recon.Scheduler {
	params := recon.Params{
		Window:               time.Duration(cfg.Reconciliation.WindowHours) * time.Hour,
		BatchSize:            cfg.Reconciliation.BatchSize,
		EnableAutoCorrection: cfg.Reconciliation.EnableAutoCorrection,
		DryRun:               cfg.Reconciliation.DryRun,
		RequestedBy:          "scheduler",
	}
	return recon.NewScheduler(engine, cfg.Reconciliation.IntervalMinutes, params, logger)
}

func startWorker(lc fx.Lifecycle, pool *processor.Pool, scheduler *recon.Scheduler, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting payment integrity worker...")
			if err := pool.Start(runCtx); err != nil {
				cancel()
				return err
			}
			go scheduler.Start(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping payment integrity worker...")
			cancel()
			pool.Wait()
			return nil
		},
	})
}
