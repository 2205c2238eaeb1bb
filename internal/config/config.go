package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	CRM            CRMConfig            `mapstructure:"crm"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	Processor      ProcessorConfig      `mapstructure:"processor"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Vault          VaultConfig          `mapstructure:"vault"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Log            LogConfig            `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds redis configuration; Addr empty disables redis and the
// service falls back to in-process coordination.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GatewayConfig holds payment gateway API configuration
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AccessToken    string `mapstructure:"access_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CRMConfig holds CRM API and OAuth configuration
type CRMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TokenURL       string `mapstructure:"token_url"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	TagPrefix      string `mapstructure:"tag_prefix"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// WebhookConfig holds ingestion configuration
type WebhookConfig struct {
	Secret          string  `mapstructure:"secret"` // global fallback HMAC secret
	SignatureHeader string  `mapstructure:"signature_header"`
	RatePerSecond   float64 `mapstructure:"rate_per_second"`
	RateBurst       int     `mapstructure:"rate_burst"`
}

// ProcessorConfig holds event processor configuration
type ProcessorConfig struct {
	Workers          int     `mapstructure:"workers"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	LeaseSeconds     int     `mapstructure:"lease_seconds"`
	BaseDelaySeconds int     `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  int     `mapstructure:"max_delay_seconds"`
	PollSeconds      int     `mapstructure:"poll_seconds"`
	AmountTolerance  float64 `mapstructure:"amount_tolerance"`
}

// ReconciliationConfig holds reconciliation engine configuration
type ReconciliationConfig struct {
	WindowHours          int  `mapstructure:"window_hours"`
	BatchSize            int  `mapstructure:"batch_size"`
	IntervalMinutes      int  `mapstructure:"interval_minutes"`
	EnableAutoCorrection bool `mapstructure:"enable_auto_correction"`
	DryRun               bool `mapstructure:"dry_run"`
}

// VaultConfig holds optional Vault secret-source configuration
type VaultConfig struct {
	Addr       string `mapstructure:"addr"`
	Token      string `mapstructure:"token"`
	SecretPath string `mapstructure:"secret_path"`
}

// AdminConfig holds admin API configuration
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from file and environment variables
func Load() error {
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "payment_integrity")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("gateway.base_url", "https://api.mercadopago.com")
	viper.SetDefault("gateway.timeout_seconds", 10)
	viper.SetDefault("crm.base_url", "https://services.leadconnectorhq.com")
	viper.SetDefault("crm.token_url", "https://services.leadconnectorhq.com/oauth/token")
	viper.SetDefault("crm.tag_prefix", "pago")
	viper.SetDefault("crm.timeout_seconds", 10)
	viper.SetDefault("webhook.signature_header", "X-Signature")
	viper.SetDefault("webhook.rate_per_second", 50.0)
	viper.SetDefault("webhook.rate_burst", 100)
	viper.SetDefault("processor.workers", 4)
	viper.SetDefault("processor.max_attempts", 3)
	viper.SetDefault("processor.lease_seconds", 120)
	viper.SetDefault("processor.base_delay_seconds", 2)
	viper.SetDefault("processor.max_delay_seconds", 300)
	viper.SetDefault("processor.poll_seconds", 5)
	viper.SetDefault("processor.amount_tolerance", 0.01)
	viper.SetDefault("reconciliation.window_hours", 24)
	viper.SetDefault("reconciliation.batch_size", 50)
	viper.SetDefault("reconciliation.interval_minutes", 60)
	viper.SetDefault("reconciliation.enable_auto_correction", false)
	viper.SetDefault("reconciliation.dry_run", false)
	viper.SetDefault("log.level", "info")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app/config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                          "SERVER_PORT",
		"server.host":                          "SERVER_HOST",
		"database.host":                        "DATABASE_HOST",
		"database.port":                        "DATABASE_PORT",
		"database.name":                        "DATABASE_NAME",
		"database.user":                        "DATABASE_USER",
		"database.password":                    "DATABASE_PASSWORD",
		"database.ssl_mode":                    "DATABASE_SSL_MODE",
		"redis.addr":                           "REDIS_ADDR",
		"redis.password":                       "REDIS_PASSWORD",
		"gateway.base_url":                     "GATEWAY_BASE_URL",
		"gateway.access_token":                 "GATEWAY_ACCESS_TOKEN",
		"crm.base_url":                         "CRM_BASE_URL",
		"crm.token_url":                        "CRM_TOKEN_URL",
		"crm.client_id":                        "CRM_CLIENT_ID",
		"crm.client_secret":                    "CRM_CLIENT_SECRET",
		"crm.tag_prefix":                       "CRM_TAG_PREFIX",
		"webhook.secret":                       "WEBHOOK_SECRET",
		"processor.workers":                    "PROCESSOR_WORKERS",
		"processor.max_attempts":               "PROCESSOR_MAX_ATTEMPTS",
		"reconciliation.enable_auto_correction": "RECONCILIATION_ENABLE_AUTO_CORRECTION",
		"reconciliation.dry_run":               "RECONCILIATION_DRY_RUN",
		"vault.addr":                           "VAULT_ADDR",
		"vault.token":                          "VAULT_TOKEN",
		"vault.secret_path":                    "VAULT_SECRET_PATH",
		"admin.token":                          "ADMIN_TOKEN",
		"log.level":                            "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	return nil
}

// Get returns the current configuration
func Get() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}
