// Package app assembles the pipeline components from configuration. Both
// commands build on it so the worker and the backfill CLI share one wiring.
package app

import (
	"context"
	"fmt"
	"strings"

	"sportsdata/pipeline/internal/batch"
	"sportsdata/pipeline/internal/cache"
	"sportsdata/pipeline/internal/client"
	"sportsdata/pipeline/internal/config"
	"sportsdata/pipeline/internal/contenthash"
	"sportsdata/pipeline/internal/models"
	"sportsdata/pipeline/internal/processor"
	"sportsdata/pipeline/internal/quota"
	"sportsdata/pipeline/internal/runledger"
	"sportsdata/pipeline/internal/scheduler"
	"sportsdata/pipeline/internal/upsert"
	"sportsdata/pipeline/internal/warehouse"
	"sportsdata/pipeline/internal/warehouse/clickhouse"
	"sportsdata/pipeline/internal/warehouse/memory"
	"sportsdata/pipeline/internal/warehouse/postgres"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// findingsBatchSize keeps quota findings from waiting on the shared batch size,
// since an audit writes one row per table.
const findingsBatchSize = 25

// App holds the wired components.
type App struct {
	Config    *config.Config
	Warehouse warehouse.Client
	Buffers   *batch.Registry
	Ledger    *runledger.Ledger
	Upserter  *upsert.Upserter
	Quota     *quota.Monitor
	Service   *processor.Service
	Cache     *cache.RedisCache
}

// Open connects to the configured warehouse and builds the App.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	wh, err := OpenWarehouse(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var redisCache *cache.RedisCache
	if cfg.RedisEnabled() {
		redisCache, err = cache.NewRedisCache(cache.Config{
			Host:     cfg.RedisHost,
			Port:     fmt.Sprint(cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to Redis - quota alerts will not be de-duplicated across workers")
			redisCache = nil
		} else {
			log.Info().Msg("Redis cache connected")
		}
	}

	fetcher := client.NewClient(cfg.SportsDataBaseURL, cfg.SportsDataAPIKey, cfg.SportsDataTimeout)
	return Build(cfg, wh, redisCache, fetcher)
}

// Build wires the components around an open warehouse. redisCache may be nil.
func Build(cfg *config.Config, wh warehouse.Client, redisCache *cache.RedisCache, fetcher processor.GamesFetcher) (*App, error) {
	policy, err := runledger.ParseEmptyRunPolicy(cfg.EmptyRunPolicy)
	if err != nil {
		return nil, err
	}

	buffers := batch.NewRegistry(wh, batch.Config{
		BatchSize:       cfg.BatchSize,
		Timeout:         cfg.BatchTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	ledger := runledger.New(wh, runledger.Config{
		StaleThreshold: cfg.ClaimStaleThreshold,
		EmptyRunPolicy: policy,
		LookupTimeout:  cfg.LookupTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	})

	upserter := upsert.New(wh, upsert.Config{
		WriteTimeout: cfg.WriteTimeout,
		MergeTimeout: cfg.MergeTimeout,
	})

	buffers.Configure(quota.DefaultFindingsTable, batch.Config{
		BatchSize:       findingsBatchSize,
		Timeout:         cfg.BatchTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	findings, err := buffers.Get(quota.DefaultFindingsTable)
	if err != nil {
		return nil, err
	}
	opts := []quota.Option{quota.WithSink(findings)}
	if redisCache != nil {
		opts = append(opts, quota.WithCooldown(redisCache))
	}
	monitor := quota.New(wh, quota.Config{
		DailyLimit:    cfg.QuotaDailyLimit,
		WarnPct:       cfg.QuotaWarnPct,
		CritPct:       cfg.QuotaCritPct,
		WindowHours:   cfg.QuotaWindowHours,
		AlertCooldown: cfg.QuotaAlertCooldown,
		LookupTimeout: cfg.LookupTimeout,
	}, opts...)

	svc := processor.NewService(ledger, upserter, buffers, wh, cfg.LookupTimeout)
	if err := svc.Register(processor.ScoresDefinition(fetcher)); err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Warehouse: wh,
		Buffers:   buffers,
		Ledger:    ledger,
		Upserter:  upserter,
		Quota:     monitor,
		Service:   svc,
		Cache:     redisCache,
	}, nil
}

// Scheduler returns a scheduler for the configured jobs.
func (a *App) Scheduler() *scheduler.Scheduler {
	return scheduler.NewScheduler(scheduler.Config{
		QuotaCheckCron:  a.Config.QuotaCheckCron,
		DailyRunCron:    a.Config.DailyRunCron,
		DailyProcessors: splitList(a.Config.DailyProcessors),
		LookbackDays:    1,
		RunTimeout:      a.Config.RunTimeout,
	}, a.Quota, a.Service, a.Buffers)
}

// Health checks the warehouse and, when configured, Redis.
func (a *App) Health(ctx context.Context) error {
	if h, ok := a.Warehouse.(interface{ Health(context.Context) error }); ok {
		if err := h.Health(ctx); err != nil {
			return fmt.Errorf("warehouse: %w", err)
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close flushes every batch buffer, then closes the connections.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error

	if err := a.Buffers.ShutdownAll(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush buffers: %w", err))
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.Warehouse.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close warehouse: %w", err))
	}
	return result.ErrorOrNil()
}

// OpenWarehouse connects to the configured warehouse driver and prepares
// its schema.
func OpenWarehouse(ctx context.Context, cfg *config.Config) (warehouse.Client, error) {
	switch cfg.WarehouseDriver {
	case config.DriverPostgres:
		pgCfg := postgres.Config{
			Host:     cfg.DatabaseHost,
			Port:     cfg.DatabasePortString(),
			User:     cfg.DatabaseUser,
			Password: cfg.DatabasePassword,
			Database: cfg.DatabaseName,
			SSLMode:  cfg.DatabaseSSLMode,
			MaxConns: cfg.DatabaseMaxConns,
		}
		if cfg.AutoMigrate {
			if err := postgres.Migrate(pgCfg); err != nil {
				return nil, err
			}
		}
		return postgres.New(ctx, pgCfg)

	case config.DriverClickHouse:
		ch, err := clickhouse.New(ctx, clickhouse.Config{
			DSN:         cfg.ClickHouseDSN,
			DialTimeout: cfg.ClickHouseDialTimeout,
		})
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := ch.EnsureSchema(ctx); err != nil {
				ch.Close()
				return nil, err
			}
		}
		return ch, nil

	case config.DriverMemory:
		log.Warn().Msg("Using in-memory warehouse, nothing will be persisted")
		return NewMemoryWarehouse(), nil

	default:
		return nil, fmt.Errorf("unknown warehouse driver %q", cfg.WarehouseDriver)
	}
}

// NewMemoryWarehouse returns an in-memory warehouse with the pipeline tables.
func NewMemoryWarehouse() *memory.Warehouse {
	wh := memory.New()
	wh.CreateTable(runledger.DefaultTable, runledger.Columns...)
	wh.CreateTable(quota.DefaultFindingsTable, quota.FindingsColumns...)

	scores := append([]string(nil), models.GameScoreFields...)
	wh.CreateTable(models.GameScoresTable, append(scores, contenthash.DefaultColumn, "fetched_at")...)
	return wh
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
