package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sportsdata/pipeline/internal/warehouse"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Registry owns one Buffer per target table. Its lifetime belongs to the
// caller, which must call ShutdownAll on the way out.
type Registry struct {
	client warehouse.Streamer
	cfg    Config

	mu        sync.Mutex
	buffers   map[string]*Buffer
	overrides map[string]Config
	closed    bool
}

// NewRegistry creates a registry whose buffers share cfg.
func NewRegistry(client warehouse.Streamer, cfg Config) *Registry {
	return &Registry{
		client:    client,
		cfg:       cfg,
		buffers:   make(map[string]*Buffer),
		overrides: make(map[string]Config),
	}
}

// Configure sets a table-specific config used when its buffer is created.
func (r *Registry) Configure(table string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[table] = cfg
}

// Get returns the buffer for table, creating it on first use.
func (r *Registry) Get(table string) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: registry", ErrClosed)
	}
	if b, ok := r.buffers[table]; ok {
		return b, nil
	}

	cfg := r.cfg
	if o, ok := r.overrides[table]; ok {
		cfg = o
	}
	b := New(r.client, table, cfg)
	r.buffers[table] = b
	log.Debug().Str("table", table).Int("batch_size", b.cfg.BatchSize).Msg("Created batch buffer")
	return b, nil
}

// Add appends row to table's buffer.
func (r *Registry) Add(ctx context.Context, table string, row warehouse.Row) error {
	b, err := r.Get(table)
	if err != nil {
		return err
	}
	return b.Add(ctx, row)
}

// Tables returns the tables with a live buffer, sorted.
func (r *Registry) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tables := make([]string, 0, len(r.buffers))
	for t := range r.buffers {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Stats returns the counters of every buffer, sorted by table.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	buffers := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		buffers = append(buffers, b)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(buffers))
	for _, b := range buffers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Table < stats[j].Table })
	return stats
}

// ShutdownAll shuts every buffer down in parallel and returns the combined
// final-flush errors. The registry rejects new tables afterwards.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	buffers := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		buffers = append(buffers, b)
	}
	r.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	var g errgroup.Group
	for _, b := range buffers {
		b := b
		g.Go(func() error {
			if err := b.Shutdown(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", b.Table(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Int("buffers", len(buffers)).Msg("Batch buffers shut down")
	return result.ErrorOrNil()
}
