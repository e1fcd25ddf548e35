// Package batch buffers rows per target table and writes them through the
// warehouse streaming path, which is billed by volume rather than by
// operation and therefore does not consume the daily bulk-load quota.
package batch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultTimeout         = 30 * time.Second
	DefaultCheckInterval   = time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	minCheckInterval = 10 * time.Millisecond
	maxLoggedRows    = 20
)

// ErrClosed is returned by Add once the buffer has been shut down.
var ErrClosed = errors.New("batch buffer is shut down")

// Config controls when a buffer flushes.
type Config struct {
	// BatchSize is the record count that triggers a synchronous flush from Add.
	BatchSize int
	// Timeout is the maximum idle time before the background loop flushes.
	Timeout time.Duration
	// CheckInterval is how often the background loop wakes up.
	CheckInterval time.Duration
	// WriteTimeout bounds each streaming insert.
	WriteTimeout time.Duration
	// ShutdownTimeout bounds the final flush.
	ShutdownTimeout time.Duration
}

// WithDefaults fills zero values. CheckInterval is clamped to a quarter of
// Timeout so short timeouts are still honored promptly.
func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if limit := c.Timeout / 4; c.CheckInterval > limit {
		c.CheckInterval = limit
	}
	if c.CheckInterval < minCheckInterval {
		c.CheckInterval = minCheckInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// PartialFlushError reports rows the warehouse rejected individually during
// an otherwise successful streaming insert.
type PartialFlushError struct {
	Table  string
	Total  int
	Errors []warehouse.InsertError
}

func (e *PartialFlushError) Error() string {
	return fmt.Sprintf("%d of %d rows rejected by %s, first: %v", len(e.Errors), e.Total, e.Table, e.Errors[0])
}

// Stats is a point-in-time view of a buffer's counters.
type Stats struct {
	Table        string
	Added        int64
	Flushed      int64
	Failed       int64
	Flushes      int64
	Pending      int
	AvgLatency   time.Duration
	AvgBatchSize float64
}

// Buffer accumulates rows for one table. The mutex only guards the
// append-or-snapshot decision; network I/O happens outside it.
type Buffer struct {
	client warehouse.Streamer
	table  string
	cfg    Config

	mu        sync.Mutex
	pending   []warehouse.Row
	lastFlush time.Time
	closed    bool

	// writeMu serializes writes so rows leave in insertion order. The cached
	// schema is only touched while it is held.
	writeMu      sync.Mutex
	schema       []string
	schemaLoaded bool

	added     atomic.Int64
	flushed   atomic.Int64
	failed    atomic.Int64
	flushes   atomic.Int64
	attempted atomic.Int64
	latency   atomic.Int64

	stop         chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a buffer for table and starts its background flush loop.
func New(client warehouse.Streamer, table string, cfg Config) *Buffer {
	b := &Buffer{
		client:    client,
		table:     table,
		cfg:       cfg.WithDefaults(),
		lastFlush: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b
}

// Table returns the buffer's target table.
func (b *Buffer) Table() string {
	return b.table
}

// Add appends a copy of row. When the batch reaches BatchSize the flush runs
// before Add returns and its error is returned to the caller.
func (b *Buffer) Add(ctx context.Context, row warehouse.Row) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, b.table)
	}
	b.pending = append(b.pending, maps.Clone(row))
	size := len(b.pending)
	b.mu.Unlock()

	b.added.Add(1)
	metrics.RecordBatchRecords(b.table, "added", 1)
	metrics.SetBatchPending(b.table, size)

	if size >= b.cfg.BatchSize {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes everything pending. A failed flush is logged and counted but
// not retried; the rows are not put back. The snapshot holds rows from every
// caller, so the write is bounded by WriteTimeout and not by ctx's
// cancellation.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.flush(ctx, b.cfg.WriteTimeout)
}

func (b *Buffer) flush(ctx context.Context, timeout time.Duration) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	rows := b.pending
	b.pending = nil
	b.lastFlush = time.Now()
	b.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	metrics.SetBatchPending(b.table, 0)
	return b.write(ctx, rows, timeout)
}

func (b *Buffer) write(ctx context.Context, rows []warehouse.Row, timeout time.Duration) error {
	start := time.Now()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	projected, dropped := warehouse.Project(rows, b.loadSchema(writeCtx))
	if len(dropped) > 0 {
		log.Debug().
			Str("table", b.table).
			Strs("fields", dropped).
			Msg("Dropping fields not present in table schema")
	}

	insertErrs, err := b.client.InsertStreaming(writeCtx, b.table, projected)
	elapsed := time.Since(start)

	b.flushes.Add(1)
	b.attempted.Add(int64(len(rows)))
	b.latency.Add(int64(elapsed))
	metrics.RecordBatchFlush(b.table, len(rows), elapsed.Seconds())

	if err != nil {
		b.failed.Add(int64(len(rows)))
		metrics.RecordBatchRecords(b.table, "failed", len(rows))
		metrics.RecordError("batch", "flush")

		log.Error().
			Err(err).
			Str("table", b.table).
			Int("rows", len(rows)).
			Dur("elapsed", elapsed).
			Msg("Batch flush failed, rows discarded")
		for i, row := range projected {
			if i == maxLoggedRows {
				log.Error().Str("table", b.table).Int("omitted", len(projected)-i).Msg("Further failed rows omitted")
				break
			}
			log.Error().Str("table", b.table).Int("index", i).Interface("row", row).Msg("Failed row")
		}
		return fmt.Errorf("failed to flush %d rows to %s: %w", len(rows), b.table, err)
	}

	ok := len(rows) - len(insertErrs)
	b.flushed.Add(int64(ok))
	metrics.RecordBatchRecords(b.table, "flushed", ok)

	if len(insertErrs) > 0 {
		b.failed.Add(int64(len(insertErrs)))
		metrics.RecordBatchRecords(b.table, "failed", len(insertErrs))
		metrics.RecordError("batch", "row_rejected")

		for i, ie := range insertErrs {
			if i == maxLoggedRows {
				break
			}
			ev := log.Warn().Err(ie.Err).Str("table", b.table).Int("index", ie.Index)
			if ie.Index >= 0 && ie.Index < len(projected) {
				ev = ev.Interface("row", projected[ie.Index])
			}
			ev.Msg("Row rejected by streaming insert")
		}
		return &PartialFlushError{Table: b.table, Total: len(rows), Errors: insertErrs}
	}

	log.Debug().
		Str("table", b.table).
		Int("rows", len(rows)).
		Dur("elapsed", elapsed).
		Msg("Batch flushed")
	return nil
}

// loadSchema returns the cached destination schema, fetching it on first use.
// A failed lookup disables filtering for this flush and is retried next time.
func (b *Buffer) loadSchema(ctx context.Context) []string {
	if b.schemaLoaded {
		return b.schema
	}

	schema, err := b.client.TableSchema(ctx, b.table)
	if err != nil {
		log.Warn().Err(err).Str("table", b.table).Msg("Schema lookup failed, writing rows unfiltered")
		return nil
	}
	b.schema = schema
	b.schemaLoaded = true
	return schema
}

func (b *Buffer) loop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if b.due() {
				// errors are logged inside write
				_ = b.Flush(context.Background())
			}
		}
	}
}

func (b *Buffer) due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 && time.Since(b.lastFlush) >= b.cfg.Timeout
}

// Shutdown stops the background loop and performs one final flush bounded by
// ShutdownTimeout and WriteTimeout. Later calls return the first call's
// result; Add is rejected from the moment Shutdown starts.
func (b *Buffer) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stop)
		<-b.done

		b.shutdownErr = b.flush(ctx, min(b.cfg.ShutdownTimeout, b.cfg.WriteTimeout))
		if b.shutdownErr != nil {
			log.Error().Err(b.shutdownErr).Str("table", b.table).Msg("Final flush failed")
		}
	})
	return b.shutdownErr
}

// Stats returns the buffer's counters without draining it.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	s := Stats{
		Table:   b.table,
		Added:   b.added.Load(),
		Flushed: b.flushed.Load(),
		Failed:  b.failed.Load(),
		Flushes: b.flushes.Load(),
		Pending: pending,
	}
	if s.Flushes > 0 {
		s.AvgLatency = time.Duration(b.latency.Load() / s.Flushes)
		s.AvgBatchSize = float64(b.attempted.Load()) / float64(s.Flushes)
	}
	return s
}
