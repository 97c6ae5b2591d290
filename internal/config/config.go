package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// LedgerBackend selects the balance store implementation.
type LedgerBackend string

const (
	LedgerBackendPostgres LedgerBackend = "postgres"
	LedgerBackendMemory   LedgerBackend = "memory"
)

// Config holds all configuration for the metering service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Billing    BillingConfig
	Metering   MeteringConfig
	TopUp      TopUpConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `env:"SERVER_HOST"          envDefault:"0.0.0.0"`
	Port         int           `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT"  envDefault:"30s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT"  envDefault:"120s"`

	// ServiceToken authenticates upstream API handlers calling the metering API.
	ServiceToken   string   `env:"SERVICE_TOKEN"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	MaxBodyBytes   int64    `env:"SERVER_MAX_BODY_BYTES" envDefault:"1048576"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `env:"DB_HOST"              envDefault:"localhost"`
	Port            int           `env:"DB_PORT"              envDefault:"5432"`
	User            string        `env:"DB_USER"              envDefault:"metering"`
	Password        string        `env:"DB_PASSWORD"`
	Database        string        `env:"DB_NAME"              envDefault:"metering"`
	SSLMode         string        `env:"DB_SSL_MODE"          envDefault:"disable"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"    envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate     bool          `env:"DB_AUTO_MIGRATE"      envDefault:"true"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED"   envDefault:"true"`
	Host     string `env:"REDIS_HOST"      envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT"      envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"        envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

// BillingConfig holds payment processor configuration
type BillingConfig struct {
	StripeSecretKey     string          `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string          `env:"STRIPE_WEBHOOK_SECRET"`
	Currency            string          `env:"BILLING_CURRENCY"        envDefault:"usd"`
	CreditsPerUSD       decimal.Decimal `env:"BILLING_CREDITS_PER_USD" envDefault:"1"`
}

// MeteringConfig holds pricing and ledger policy configuration
type MeteringConfig struct {
	LedgerBackend LedgerBackend `env:"LEDGER_BACKEND" envDefault:"postgres"`

	MinimumCharge decimal.Decimal `env:"METERING_MINIMUM_CHARGE" envDefault:"0.01"`

	// OverdraftFloor is the lowest balance a debit may leave behind. Zero disallows overdraft.
	OverdraftFloor decimal.Decimal `env:"METERING_OVERDRAFT_FLOOR" envDefault:"0"`

	DebitTimeout      time.Duration `env:"METERING_DEBIT_TIMEOUT"       envDefault:"2s"`
	ConflictRetries   int           `env:"METERING_CONFLICT_RETRIES"    envDefault:"3"`
	ConflictBackoff   time.Duration `env:"METERING_CONFLICT_BACKOFF"    envDefault:"25ms"`
	DedupWindow       time.Duration `env:"METERING_DEDUP_WINDOW"        envDefault:"24h"`
	UsageWriteTimeout time.Duration `env:"METERING_USAGE_WRITE_TIMEOUT" envDefault:"3s"`

	// PricingFile is an optional YAML price list; built-in rates apply when empty.
	PricingFile string `env:"PRICING_FILE"`
}

// TopUpConfig holds auto-recharge worker configuration
type TopUpConfig struct {
	Enabled         bool          `env:"TOPUP_ENABLED"          envDefault:"false"`
	Workers         int           `env:"TOPUP_WORKERS"          envDefault:"4"`
	QueueSize       int           `env:"TOPUP_QUEUE_SIZE"       envDefault:"256"`
	PaymentTimeout  time.Duration `env:"TOPUP_PAYMENT_TIMEOUT"  envDefault:"20s"`
	PaymentsPerSec  float64       `env:"TOPUP_PAYMENTS_PER_SEC" envDefault:"10"`
	PaymentBurst    int           `env:"TOPUP_PAYMENT_BURST"    envDefault:"5"`
	InFlightTTL     time.Duration `env:"TOPUP_INFLIGHT_TTL"     envDefault:"2m"`
	ShutdownTimeout time.Duration `env:"TOPUP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `env:"MONITORING_ENABLED" envDefault:"true"`
	MetricsPath string `env:"METRICS_PATH"       envDefault:"/metrics"`
	LogLevel    string `env:"LOG_LEVEL"          envDefault:"info"`
	Development bool   `env:"LOG_DEVELOPMENT"    envDefault:"false"`
}

// LoadConfig loads configuration from .env files and environment variables
func LoadConfig() (*Config, error) {
	for _, file := range []string{".env", ".env.local"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Metering.LedgerBackend {
	case LedgerBackendPostgres:
		if c.Database.Password == "" {
			return errors.New("DB_PASSWORD is required")
		}
	case LedgerBackendMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Metering.LedgerBackend)
	}

	if c.TopUp.Enabled && c.Billing.StripeSecretKey == "" {
		return errors.New("STRIPE_SECRET_KEY is required when TOPUP_ENABLED is set")
	}

	if c.Metering.MinimumCharge.IsNegative() {
		return errors.New("METERING_MINIMUM_CHARGE must not be negative")
	}
	if c.Metering.OverdraftFloor.IsPositive() {
		return errors.New("METERING_OVERDRAFT_FLOOR must be zero or negative")
	}
	if c.Metering.ConflictRetries < 1 {
		return errors.New("METERING_CONFLICT_RETRIES must be at least 1")
	}
	if c.Metering.DebitTimeout <= 0 {
		return errors.New("METERING_DEBIT_TIMEOUT must be positive")
	}
	if !c.Billing.CreditsPerUSD.IsPositive() {
		return errors.New("BILLING_CREDITS_PER_USD must be positive")
	}
	if c.TopUp.Workers < 1 {
		return errors.New("TOPUP_WORKERS must be at least 1")
	}

	return nil
}
