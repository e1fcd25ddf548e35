package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"sportsdata/pipeline/internal/runledger"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

// Warehouse drivers
const (
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
	DriverMemory     = "memory"
)

// Config holds all application configuration
type Config struct {
	// Application
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Warehouse
	WarehouseDriver string `envconfig:"WAREHOUSE_DRIVER" default:"postgres"`
	AutoMigrate     bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	// Database
	DatabaseHost     string `envconfig:"DATABASE_HOST" default:"localhost"`
	DatabasePort     int    `envconfig:"DATABASE_PORT" default:"5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME" default:"pipeline"`
	DatabaseUser     string `envconfig:"DATABASE_USER" default:"pipeline"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	DatabaseSSLMode  string `envconfig:"DATABASE_SSL_MODE" default:"disable"`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"25"`

	// ClickHouse
	ClickHouseDSN         string        `envconfig:"CLICKHOUSE_DSN" default:"clickhouse://default:@localhost:9000/pipeline"`
	ClickHouseDialTimeout time.Duration `envconfig:"CLICKHOUSE_DIAL_TIMEOUT" default:"10s"`

	// Redis
	RedisHost     string `envconfig:"REDIS_HOST" default:""`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// SportsDataIO API
	SportsDataAPIKey  string        `envconfig:"SPORTSDATA_API_KEY"`
	SportsDataBaseURL string        `envconfig:"SPORTSDATA_BASE_URL" default:"https://api.sportsdata.io/v3/cfb"`
	SportsDataTimeout time.Duration `envconfig:"SPORTSDATA_TIMEOUT" default:"30s"`

	// Batch buffer
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"100"`
	BatchTimeout time.Duration `envconfig:"BATCH_TIMEOUT" default:"30s"`

	// Timeouts for warehouse calls
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	LookupTimeout   time.Duration `envconfig:"LOOKUP_TIMEOUT" default:"15s"`
	MergeTimeout    time.Duration `envconfig:"MERGE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	RunTimeout      time.Duration `envconfig:"RUN_TIMEOUT" default:"10m"`

	// Run ledger
	ClaimStaleThreshold time.Duration `envconfig:"CLAIM_STALE_THRESHOLD" default:"2h"`
	EmptyRunPolicy      string        `envconfig:"EMPTY_RUN_POLICY" default:"retry"`

	// Quota monitor
	QuotaDailyLimit    int           `envconfig:"QUOTA_DAILY_LIMIT" default:"1500"`
	QuotaWarnPct       float64       `envconfig:"QUOTA_WARN_PCT" default:"0.8"`
	QuotaCritPct       float64       `envconfig:"QUOTA_CRIT_PCT" default:"0.95"`
	QuotaWindowHours   int           `envconfig:"QUOTA_WINDOW_HOURS" default:"24"`
	QuotaAlertCooldown time.Duration `envconfig:"QUOTA_ALERT_COOLDOWN" default:"1h"`

	// Servers
	TriggerPort int `envconfig:"TRIGGER_PORT" default:"8080"`
	MetricsPort int `envconfig:"METRICS_PORT" default:"9090"`

	// Scheduler
	EnableScheduler bool   `envconfig:"ENABLE_SCHEDULER" default:"true"`
	QuotaCheckCron  string `envconfig:"QUOTA_CHECK_CRON" default:"*/15 * * * *"`
	DailyRunCron    string `envconfig:"DAILY_RUN_CRON" default:"0 6 * * *"`
	DailyProcessors string `envconfig:"DAILY_PROCESSORS" default:"scores"`
}

// Load loads configuration from environment variables
// It first attempts to load from .env file if in development mode
func Load() (*Config, error) {
	// Try to load .env file (ignore error if doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.WarehouseDriver {
	case DriverPostgres:
		if c.DatabasePassword == "" && c.IsProduction() {
			return fmt.Errorf("DATABASE_PASSWORD is required")
		}
	case DriverClickHouse:
		if c.ClickHouseDSN == "" {
			return fmt.Errorf("CLICKHOUSE_DSN is required")
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("WAREHOUSE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown WAREHOUSE_DRIVER %q", c.WarehouseDriver)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("BATCH_TIMEOUT must be positive")
	}

	if _, err := runledger.ParseEmptyRunPolicy(c.EmptyRunPolicy); err != nil {
		return fmt.Errorf("EMPTY_RUN_POLICY: %w", err)
	}

	if c.QuotaWarnPct <= 0 || c.QuotaWarnPct >= c.QuotaCritPct || c.QuotaCritPct > 1 {
		return fmt.Errorf("quota thresholds must satisfy 0 < QUOTA_WARN_PCT < QUOTA_CRIT_PCT <= 1")
	}

	if c.EnableScheduler {
		for name, spec := range map[string]string{"QUOTA_CHECK_CRON": c.QuotaCheckCron, "DAILY_RUN_CRON": c.DailyRunCron} {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	return nil
}

// DatabasePortString returns the database port as the pool config expects it
func (c *Config) DatabasePortString() string {
	return strconv.Itoa(c.DatabasePort)
}

// RedisEnabled reports whether a Redis host is configured
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// MustLoad loads configuration or panics on error
// Use this in main() where we want to fail fast
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
