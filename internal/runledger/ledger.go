// Package runledger records processor runs as append-only rows and answers
// whether a (processor, date, sub-key) unit has already been handled. The
// latest row by start time is authoritative; no row is ever updated.
package runledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTable          = "processor_run_history"
	DefaultStaleThreshold = 2 * time.Hour
	defaultTimeout        = 15 * time.Second
	defaultHistoryDepth   = 20
)

// Columns is the layout of the run history table.
var Columns = []string{
	"processor_name",
	"run_id",
	"status",
	"data_date",
	"sub_key",
	"started_at",
	"processed_at",
	"records_processed",
	"zero_active_records",
	"summary",
	"trigger_source",
	"trigger_message_id",
	"error_message",
}

// Store is the subset of the warehouse the ledger needs.
type Store interface {
	warehouse.Streamer
	warehouse.Selector
}

// Config controls the ledger.
type Config struct {
	Table          string
	StaleThreshold time.Duration
	EmptyRunPolicy EmptyRunPolicy
	LookupTimeout  time.Duration
	WriteTimeout   time.Duration
	// HistoryDepth caps how many recent rows are read per key.
	HistoryDepth uint
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the run claim ledger.
type Ledger struct {
	store Store
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	inflight map[string]*Run
}

// New creates a Ledger.
func New(store Store, cfg Config, opts ...Option) *Ledger {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.EmptyRunPolicy == "" {
		cfg.EmptyRunPolicy = RetryEmpty
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultTimeout
	}
	if cfg.HistoryDepth == 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}

	l := &Ledger{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Claim appends a running row before work begins and returns the new run id.
// The row is a write-ahead marker, not a lock: concurrent claims can both
// succeed. A failed write is logged and the run id is still returned.
func (l *Ledger) Claim(ctx context.Context, key Key, meta Meta) string {
	run := &Run{
		ID:        uuid.NewString(),
		Key:       key,
		Meta:      meta,
		StartedAt: l.now().UTC(),
	}

	l.mu.Lock()
	l.inflight[run.ID] = run
	l.mu.Unlock()

	row := run.row(StatusRunning)
	row["processed_at"] = nil
	row["records_processed"] = int64(0)
	row["zero_active_records"] = false
	row["summary"] = nil
	row["error_message"] = nil

	if err := l.append(ctx, row); err != nil {
		log.Warn().
			Err(err).
			Str("processor", key.Processor).
			Str("data_date", key.DataDate).
			Str("run_id", run.ID).
			Msg("Failed to write run claim, continuing unclaimed")
	} else {
		log.Debug().
			Str("processor", key.Processor).
			Str("data_date", key.DataDate).
			Str("sub_key", key.SubKey).
			Str("run_id", run.ID).
			Msg("Run claimed")
	}
	return run.ID
}

// Complete appends the terminal row for runID. It never modifies the
// running row. Runs started by another process are looked up by id.
func (l *Ledger) Complete(ctx context.Context, runID string, out Outcome) {
	run, err := l.resolve(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("Cannot complete unknown run")
		metrics.RecordLedgerWrite(string(out.Status), err)
		return
	}

	status := out.Status
	if status == "" || status == StatusRunning {
		status = StatusSuccess
		if out.Err != nil {
			status = StatusFailed
		}
	}

	row := run.row(status)
	row["processed_at"] = l.now().UTC()
	row["records_processed"] = int64(out.RecordsProcessed)
	row["zero_active_records"] = out.ZeroActiveRecords
	row["summary"] = encodeSummary(out.Summary)
	row["error_message"] = nil
	if out.Err != nil {
		row["error_message"] = out.Err.Error()
	}

	if err := l.append(ctx, row); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("status", string(status)).Msg("Failed to write terminal run row")
	}

	l.mu.Lock()
	delete(l.inflight, runID)
	l.mu.Unlock()

	if status == StatusFailed {
		log.Error().
			Err(out.Err).
			Str("processor", run.Key.Processor).
			Str("data_date", run.Key.DataDate).
			Str("sub_key", run.Key.SubKey).
			Str("run_id", runID).
			Msg("Processor run failed")
		return
	}
	log.Info().
		Str("processor", run.Key.Processor).
		Str("data_date", run.Key.DataDate).
		Str("run_id", runID).
		Str("status", string(status)).
		Int("records", out.RecordsProcessed).
		Msg("Processor run completed")
}

// Check evaluates the latest row for key. It never returns an error: an
// unreachable warehouse yields DecisionLookupFailed, which does not skip.
func (l *Ledger) Check(ctx context.Context, key Key) Decision {
	history, err := l.History(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("processor", key.Processor).Str("data_date", key.DataDate).Msg("Run history lookup failed, assuming not processed")
		metrics.RecordClaimDecision(key.Processor, string(DecisionLookupFailed))
		metrics.RecordError("runledger", "lookup")
		return DecisionLookupFailed
	}

	d := l.decide(latest(history))
	metrics.RecordClaimDecision(key.Processor, string(d))
	log.Debug().
		Str("processor", key.Processor).
		Str("data_date", key.DataDate).
		Str("sub_key", key.SubKey).
		Str("decision", string(d)).
		Msg("Run ledger decision")
	return d
}

// IsAlreadyProcessed reports whether work for key should be skipped.
func (l *Ledger) IsAlreadyProcessed(ctx context.Context, key Key) bool {
	return l.Check(ctx, key).Skip()
}

// Begin checks key and claims it when the decision allows. The returned run
// id is empty when the work should be skipped.
func (l *Ledger) Begin(ctx context.Context, key Key, meta Meta) (string, Decision) {
	d := l.Check(ctx, key)
	if d.Skip() {
		return "", d
	}
	return l.Claim(ctx, key, meta), d
}

// History returns the most recent rows for key, newest first.
func (l *Ledger) History(ctx context.Context, key Key) ([]Claim, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, l.cfg.LookupTimeout)
	defer cancel()

	rows, err := l.store.Select(lookupCtx, warehouse.Select{
		Table: l.cfg.Table,
		Where: goqu.Ex{
			"processor_name": key.Processor,
			"data_date":      key.DataDate,
			"sub_key":        key.subKey(),
		},
		OrderBy: []warehouse.Order{
			{Column: "started_at", Desc: true},
			{Column: "processed_at", Desc: true},
		},
		Limit: l.cfg.HistoryDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read run history: %w", err)
	}

	claims := make([]Claim, 0, len(rows))
	for _, r := range rows {
		claims = append(claims, decodeClaim(r))
	}
	return claims, nil
}

func (l *Ledger) decide(c *Claim) Decision {
	if c == nil {
		return DecisionNotClaimed
	}

	switch c.Status {
	case StatusRunning:
		if l.now().Sub(c.StartedAt) > l.cfg.StaleThreshold {
			return DecisionStale
		}
		return DecisionClaimedActive
	case StatusSuccess, StatusPartial:
		if c.RecordsProcessed > 0 && !c.ZeroActiveRecords {
			return DecisionDone
		}
		if l.cfg.EmptyRunPolicy == AcceptEmpty {
			return DecisionDone
		}
		return DecisionRetryEmpty
	case StatusFailed, StatusSkipped:
		return DecisionRetryFailed
	default:
		return DecisionNotClaimed
	}
}

// latest picks the authoritative row: the newest run, and within that run
// its terminal row when one exists.
func latest(history []Claim) *Claim {
	if len(history) == 0 {
		return nil
	}
	newest := history[0]
	for i := range history {
		c := history[i]
		if c.RunID == newest.RunID && c.Status != StatusRunning {
			return &c
		}
	}
	return &newest
}

func (l *Ledger) resolve(ctx context.Context, runID string) (*Run, error) {
	l.mu.Lock()
	run, ok := l.inflight[runID]
	l.mu.Unlock()
	if ok {
		return run, nil
	}

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.LookupTimeout)
	defer cancel()

	rows, err := l.store.Select(lookupCtx, warehouse.Select{
		Table: l.cfg.Table,
		Where: goqu.Ex{"run_id": runID, "status": string(StatusRunning)},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up run %s: %w", runID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no running row for run %s", runID)
	}

	c := decodeClaim(rows[0])
	return &Run{
		ID:        c.RunID,
		Key:       Key{Processor: c.Processor, DataDate: c.DataDate, SubKey: c.SubKey},
		Meta:      Meta{TriggerSource: c.TriggerSource, TriggerMessageID: c.TriggerMessageID},
		StartedAt: c.StartedAt,
	}, nil
}

// append writes row on a context detached from the caller's cancellation, so
// a run whose own deadline expired still records its terminal row.
func (l *Ledger) append(ctx context.Context, row warehouse.Row) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.WriteTimeout)
	defer cancel()

	status := warehouse.AsString(row["status"])
	insertErrs, err := l.store.InsertStreaming(writeCtx, l.cfg.Table, []warehouse.Row{row})
	if err == nil && len(insertErrs) > 0 {
		err = insertErrs[0]
	}
	metrics.RecordLedgerWrite(status, err)
	if err != nil {
		metrics.RecordError("runledger", "write")
		return fmt.Errorf("failed to append %s row: %w", status, err)
	}
	return nil
}

func encodeSummary(summary map[string]any) any {
	if len(summary) == 0 {
		return nil
	}
	b, err := json.Marshal(summary)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode run summary")
		return nil
	}
	return string(b)
}
