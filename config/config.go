package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the execution core.
type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	GuardConfig        GuardConfig        `json:"guard"`
	HealthConfig       HealthConfig       `json:"credential_health"`
	ReconcilerConfig   ReconcilerConfig   `json:"reconciler"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	AdminConfig        AdminConfig        `json:"admin"`
	NotificationConfig NotificationConfig `json:"notification"`
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// GuardConfig holds admission-control configuration for execute-decision calls
type GuardConfig struct {
	SigningSecret      string        `json:"signing_secret"`
	TimestampTolerance time.Duration `json:"timestamp_tolerance"`
	NonceTTL           time.Duration `json:"nonce_ttl"`
	GlobalRateLimit    int           `json:"global_rate_limit"`       // Per second, all callers
	DecisionRateLimit  int           `json:"decision_rate_limit"`     // Per minute, per decision
	UserRateLimit      int           `json:"user_rate_limit"`         // Per minute, per user
}

// HealthConfig holds credential health tracking configuration
type HealthConfig struct {
	QuarantineThreshold int           `json:"quarantine_threshold"` // Consecutive failures before quarantine
	QuarantineDuration  time.Duration `json:"quarantine_duration"`
}

// ReconcilerConfig holds order reconciliation loop configuration
type ReconcilerConfig struct {
	Enabled         bool          `json:"enabled"`
	StartupDelay    time.Duration `json:"startup_delay"`
	Interval        time.Duration `json:"interval"`
	StaleOrderAfter time.Duration `json:"stale_order_after"`
	MaxOrderAge     time.Duration `json:"max_order_age"`
	PerCallDelay    time.Duration `json:"per_call_delay"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the nonce and rate-counter store
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for credential storage
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for exchange credentials
}

// AdminConfig holds configuration for the operator surface
type AdminConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
}

// NotificationConfig holds outbound notification configuration
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ExchangeConfig holds per-venue endpoint configuration. Credentials are
// per-user and never configured here.
type ExchangeConfig struct {
	BinanceBaseURL string        `json:"binance_base_url"`
	BybitBaseURL   string        `json:"bybit_base_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output; console writer otherwise
}

// Load builds the configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	cfg.GuardConfig.SigningSecret = os.Getenv("DECISION_SIGNING_SECRET")
	cfg.GuardConfig.TimestampTolerance = getEnvDurationOrDefault("DECISION_TIMESTAMP_TOLERANCE", 60*time.Second)
	cfg.GuardConfig.NonceTTL = getEnvDurationOrDefault("DECISION_NONCE_TTL", 5*time.Minute)
	cfg.GuardConfig.GlobalRateLimit = getEnvIntOrDefault("DECISION_GLOBAL_RATE_LIMIT", 100)
	cfg.GuardConfig.DecisionRateLimit = getEnvIntOrDefault("DECISION_RATE_LIMIT", 3)
	cfg.GuardConfig.UserRateLimit = getEnvIntOrDefault("DECISION_USER_RATE_LIMIT", 60)

	cfg.HealthConfig.QuarantineThreshold = getEnvIntOrDefault("CREDENTIAL_QUARANTINE_THRESHOLD", 3)
	cfg.HealthConfig.QuarantineDuration = getEnvDurationOrDefault("CREDENTIAL_QUARANTINE_DURATION", 5*time.Minute)

	cfg.ReconcilerConfig.Enabled = getEnvOrDefault("RECONCILER_ENABLED", "true") == "true"
	cfg.ReconcilerConfig.StartupDelay = getEnvDurationOrDefault("RECONCILER_STARTUP_DELAY", 15*time.Second)
	cfg.ReconcilerConfig.Interval = getEnvDurationOrDefault("RECONCILER_INTERVAL", 5*time.Minute)
	cfg.ReconcilerConfig.StaleOrderAfter = getEnvDurationOrDefault("RECONCILER_STALE_ORDER_AFTER", 20*time.Minute)
	cfg.ReconcilerConfig.MaxOrderAge = getEnvDurationOrDefault("RECONCILER_MAX_ORDER_AGE", 72*time.Hour)
	cfg.ReconcilerConfig.PerCallDelay = getEnvDurationOrDefault("RECONCILER_PER_CALL_DELAY", 150*time.Millisecond)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "postgres")
	cfg.DatabaseConfig.Password = os.Getenv("DB_PASSWORD")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "execution_core")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", "disable")

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = os.Getenv("REDIS_PASSWORD")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = os.Getenv("VAULT_TOKEN")
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "execution-core/exchange-credentials")

	cfg.AdminConfig.Enabled = getEnvOrDefault("ADMIN_ENABLED", "false") == "true"
	cfg.AdminConfig.JWTSecret = os.Getenv("ADMIN_JWT_SECRET")

	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.NotificationConfig.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")

	cfg.ExchangeConfig.BinanceBaseURL = getEnvOrDefault("BINANCE_BASE_URL", "https://api.binance.com")
	cfg.ExchangeConfig.BybitBaseURL = getEnvOrDefault("BYBIT_BASE_URL", "https://api.bybit.com")
	cfg.ExchangeConfig.RequestTimeout = getEnvDurationOrDefault("EXCHANGE_REQUEST_TIMEOUT", 10*time.Second)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values that have no safe default.
func (c *Config) Validate() error {
	if c.GuardConfig.SigningSecret == "" {
		return fmt.Errorf("DECISION_SIGNING_SECRET is required")
	}
	if c.AdminConfig.Enabled && c.AdminConfig.JWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required when the admin surface is enabled")
	}
	if c.GuardConfig.GlobalRateLimit <= 0 || c.GuardConfig.DecisionRateLimit <= 0 || c.GuardConfig.UserRateLimit <= 0 {
		return fmt.Errorf("rate limit caps must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
