// Package postgres is the warehouse backend for PostgreSQL 15+, where MERGE
// is available. Older servers reject MERGE and the upsert protocol falls
// back to delete-then-insert.
package postgres

import (
	"context"
	"fmt"
	"time"

	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns int32
	MinConns int32
}

// DSN returns the connection URL
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// Warehouse is a warehouse.Client backed by a pgx connection pool
type Warehouse struct {
	Pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
	schemas *warehouse.SchemaCache
}

// New creates a connection pool and verifies it
func New(ctx context.Context, cfg Config) (*Warehouse, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Successfully connected to database")

	return NewFromPool(pool), nil
}

// NewFromPool wraps an existing pool
func NewFromPool(pool *pgxpool.Pool) *Warehouse {
	return &Warehouse{
		Pool:    pool,
		dialect: goqu.Dialect("postgres"),
		schemas: warehouse.NewSchemaCache(),
	}
}

// Close closes the database connection pool
func (w *Warehouse) Close() error {
	if w.Pool != nil {
		w.Pool.Close()
		log.Info().Msg("Database connection pool closed")
	}
	return nil
}

// Health checks if the database is healthy
func (w *Warehouse) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := w.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// PoolStats returns database pool statistics and publishes them as gauges
func (w *Warehouse) PoolStats() map[string]interface{} {
	stat := w.Pool.Stat()
	metrics.UpdateDBConnectionStats(stat.AcquiredConns(), stat.IdleConns())
	return map[string]interface{}{
		"total_conns":    stat.TotalConns(),
		"acquired_conns": stat.AcquiredConns(),
		"idle_conns":     stat.IdleConns(),
		"max_conns":      stat.MaxConns(),
	}
}

func observe(op, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordWarehouseCall(op, table, status, time.Since(start).Seconds())
}
