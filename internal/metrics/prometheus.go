package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the pipeline write path

var (
	// API Call metrics
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_api_calls_total",
			Help: "Total number of SportsDataIO API calls",
		},
		[]string{"endpoint", "status"},
	)

	APICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_api_call_duration_seconds",
			Help:    "Duration of API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Warehouse metrics
	WarehouseCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_warehouse_calls_total",
			Help: "Total number of warehouse operations",
		},
		[]string{"operation", "table", "status"},
	)

	WarehouseCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_warehouse_call_duration_seconds",
			Help:    "Duration of warehouse operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// Batch buffer metrics
	BatchRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_batch_records_total",
			Help: "Records passing through batch buffers by outcome",
		},
		[]string{"table", "outcome"},
	)

	BatchFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_batch_flush_duration_seconds",
			Help:    "Duration of batch flushes in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"table"},
	)

	BatchFlushSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_batch_flush_size",
			Help:    "Number of records per batch flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"table"},
	)

	BatchPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_batch_pending_records",
			Help: "Records currently waiting in a batch buffer",
		},
		[]string{"table"},
	)

	// Idempotency metrics
	IdempotencyChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_idempotency_checks_total",
			Help: "Total number of content hash comparisons by result",
		},
		[]string{"table", "result"},
	)

	// Run ledger metrics
	ClaimDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_claim_decisions_total",
			Help: "Run ledger decisions by processor",
		},
		[]string{"processor", "decision"},
	)

	LedgerWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_ledger_writes_total",
			Help: "Run ledger rows appended by run status",
		},
		[]string{"status", "result"},
	)

	// Upsert metrics
	UpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_upserts_total",
			Help: "Staging upserts by mode and status",
		},
		[]string{"table", "mode", "status"},
	)

	UpsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_upsert_duration_seconds",
			Help:    "Duration of staging upserts in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"table"},
	)

	// Quota metrics
	QuotaUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_quota_usage_ratio",
			Help: "Bulk load operations in the audit window divided by the daily limit",
		},
		[]string{"table"},
	)

	QuotaLoadJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_quota_load_jobs",
			Help: "Bulk load operations in the audit window",
		},
		[]string{"table"},
	)

	QuotaAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_quota_alerts_total",
			Help: "Quota alerts raised by level",
		},
		[]string{"table", "level"},
	)

	// Cache metrics
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_cache_operation_duration_seconds",
			Help:    "Duration of cache operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// Processor metrics
	ProcessorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_processor_runs_total",
			Help: "Total number of processor runs by terminal status",
		},
		[]string{"processor", "status"},
	)

	ProcessorRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_processor_run_duration_seconds",
			Help:    "Duration of processor runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"processor"},
	)

	TriggerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_trigger_events_total",
			Help: "Trigger deliveries by outcome",
		},
		[]string{"processor", "outcome"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_system_uptime_seconds",
			Help: "System uptime in seconds",
		},
	)

	LastSuccessfulRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_last_successful_run_timestamp",
			Help: "Timestamp of last successful processor run",
		},
	)
)

// RecordAPICall records an API call metric
func RecordAPICall(endpoint, status string, duration float64) {
	APICallsTotal.WithLabelValues(endpoint, status).Inc()
	APICallDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordWarehouseCall records a warehouse operation
func RecordWarehouseCall(operation, table, status string, duration float64) {
	WarehouseCallsTotal.WithLabelValues(operation, table, status).Inc()
	WarehouseCallDuration.WithLabelValues(operation, table).Observe(duration)
}

// UpdateDBConnectionStats updates database connection pool statistics
func UpdateDBConnectionStats(active, idle int32) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}

// RecordBatchRecords counts records added, flushed, failed or dropped by a buffer
func RecordBatchRecords(table, outcome string, n int) {
	if n <= 0 {
		return
	}
	BatchRecordsTotal.WithLabelValues(table, outcome).Add(float64(n))
}

// RecordBatchFlush records one flush attempt
func RecordBatchFlush(table string, size int, duration float64) {
	BatchFlushDuration.WithLabelValues(table).Observe(duration)
	BatchFlushSize.WithLabelValues(table).Observe(float64(size))
}

// SetBatchPending reports the current buffer depth
func SetBatchPending(table string, n int) {
	BatchPending.WithLabelValues(table).Set(float64(n))
}

// RecordIdempotencyCheck records a skip/write decision
func RecordIdempotencyCheck(table, result string) {
	IdempotencyChecksTotal.WithLabelValues(table, result).Inc()
}

// RecordClaimDecision records a run ledger decision
func RecordClaimDecision(processor, decision string) {
	ClaimDecisionsTotal.WithLabelValues(processor, decision).Inc()
}

// RecordLedgerWrite records an appended ledger row
func RecordLedgerWrite(status string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	LedgerWritesTotal.WithLabelValues(status, result).Inc()
}

// RecordUpsert records a staging upsert
func RecordUpsert(table, mode, status string, duration float64) {
	UpsertsTotal.WithLabelValues(table, mode, status).Inc()
	UpsertDuration.WithLabelValues(table).Observe(duration)
}

// UpdateQuotaUsage updates the quota gauges for a table
func UpdateQuotaUsage(table string, jobs int, ratio float64) {
	QuotaLoadJobs.WithLabelValues(table).Set(float64(jobs))
	QuotaUsageRatio.WithLabelValues(table).Set(ratio)
}

// RecordQuotaAlert records a raised quota alert
func RecordQuotaAlert(table, level string) {
	QuotaAlertsTotal.WithLabelValues(table, level).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordCacheOperation records a cache operation duration
func RecordCacheOperation(operation string, duration float64) {
	CacheOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordProcessorRun records a finished processor run
func RecordProcessorRun(processor, status string, duration float64) {
	ProcessorRunsTotal.WithLabelValues(processor, status).Inc()
	ProcessorRunDuration.WithLabelValues(processor).Observe(duration)

	if status == "success" {
		LastSuccessfulRun.SetToCurrentTime()
	}
}

// RecordTriggerEvent records a trigger delivery
func RecordTriggerEvent(processor, outcome string) {
	TriggerEventsTotal.WithLabelValues(processor, outcome).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
