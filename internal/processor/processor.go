// Package processor runs the worker flow for one unit of work: consult the
// run ledger, produce rows, tag them with content hashes, skip unchanged
// content, write through the batch buffer or the staging upsert, then record
// the terminal run row.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sportsdata/pipeline/internal/batch"
	"sportsdata/pipeline/internal/contenthash"
	"sportsdata/pipeline/internal/idempotency"
	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/runledger"
	"sportsdata/pipeline/internal/upsert"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/rs/zerolog/log"
)

// DateLayout is the format of data dates in run keys and trigger payloads.
const DateLayout = "2006-01-02"

var (
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrInvalidRequest   = errors.New("invalid processor request")
)

// Producer yields the rows for one date and optional sub-key.
type Producer interface {
	Produce(ctx context.Context, date time.Time, subKey string) ([]warehouse.Row, error)
	// MeaningfulFields are the fields that define a row's content.
	MeaningfulFields() []string
}

// Strategy selects the write path.
type Strategy string

const (
	// StrategyUpsert replaces the produced slice through a staging table.
	StrategyUpsert Strategy = "upsert"
	// StrategyStream sends changed rows through the table's batch buffer.
	StrategyStream Strategy = "stream"
)

// Definition binds a producer to its target table.
type Definition struct {
	Name           string
	Table          string
	KeyFields      []string
	PartitionField string
	// RecencyField orders stored versions of a key for hash comparison.
	RecencyField string
	Strategy     Strategy
	Producer     Producer
}

func (d Definition) validate() error {
	switch {
	case d.Name == "":
		return errors.New("processor name is required")
	case d.Table == "":
		return fmt.Errorf("processor %s: table is required", d.Name)
	case len(d.KeyFields) == 0:
		return fmt.Errorf("processor %s: key fields are required", d.Name)
	case d.Producer == nil:
		return fmt.Errorf("processor %s: producer is required", d.Name)
	}
	switch d.Strategy {
	case StrategyUpsert, StrategyStream:
	default:
		return fmt.Errorf("processor %s: unknown strategy %q", d.Name, d.Strategy)
	}
	return nil
}

// Request asks for one processor run.
type Request struct {
	Processor string
	Date      time.Time
	SubKey    string
	Meta      runledger.Meta
	// Force claims and runs even when the ledger says the work is done.
	Force bool
}

// ParseDate parses a data date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad data date %q", ErrInvalidRequest, s)
	}
	return d, nil
}

// Result describes what a run did.
type Result struct {
	RunID     string
	Decision  runledger.Decision
	Skipped   bool
	Status    runledger.Status
	Records   int
	Written   int
	Unchanged bool
	Mode      upsert.Mode
}

type registered struct {
	def    Definition
	filter *idempotency.Filter
}

// Service dispatches processor runs.
type Service struct {
	ledger        *runledger.Ledger
	upserter      *upsert.Upserter
	buffers       *batch.Registry
	selector      warehouse.Selector
	lookupTimeout time.Duration

	mu         sync.RWMutex
	processors map[string]*registered
}

// NewService creates a Service. selector is used for content hash lookups.
func NewService(ledger *runledger.Ledger, upserter *upsert.Upserter, buffers *batch.Registry, selector warehouse.Selector, lookupTimeout time.Duration) *Service {
	return &Service{
		ledger:        ledger,
		upserter:      upserter,
		buffers:       buffers,
		selector:      selector,
		lookupTimeout: lookupTimeout,
		processors:    make(map[string]*registered),
	}
}

// Register adds a processor definition.
func (s *Service) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processors[def.Name]; ok {
		return fmt.Errorf("processor %s already registered", def.Name)
	}
	s.processors[def.Name] = &registered{
		def: def,
		filter: idempotency.New(s.selector, idempotency.Config{
			KeyFields:      def.KeyFields,
			PartitionField: def.PartitionField,
			RecencyField:   def.RecencyField,
			HashFields:     def.Producer.MeaningfulFields(),
			LookupTimeout:  s.lookupTimeout,
		}),
	}
	return nil
}

// Processors returns the registered processor names, sorted.
func (s *Service) Processors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.processors))
	for name := range s.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ledger returns the run ledger.
func (s *Service) Ledger() *runledger.Ledger {
	return s.ledger
}

// Run executes one unit of work. A skipped run is not an error. Failures are
// recorded in the ledger and returned so at-least-once triggers redeliver.
func (s *Service) Run(ctx context.Context, req Request) (res Result, err error) {
	s.mu.RLock()
	p, ok := s.processors[req.Processor]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProcessor, req.Processor)
	}
	if req.Date.IsZero() {
		return Result{}, fmt.Errorf("%w: data date is required", ErrInvalidRequest)
	}

	key := runledger.Key{
		Processor: req.Processor,
		DataDate:  req.Date.Format(DateLayout),
		SubKey:    req.SubKey,
	}

	if req.Force {
		res.RunID = s.ledger.Claim(ctx, key, req.Meta)
		log.Info().Str("processor", key.Processor).Str("data_date", key.DataDate).Msg("Forced run, ledger check bypassed")
	} else {
		res.RunID, res.Decision = s.ledger.Begin(ctx, key, req.Meta)
		if res.RunID == "" {
			res.Skipped = true
			log.Info().
				Str("processor", key.Processor).
				Str("data_date", key.DataDate).
				Str("sub_key", key.SubKey).
				Str("decision", string(res.Decision)).
				Msg("Work already handled, skipping")
			metrics.RecordProcessorRun(key.Processor, "skipped", 0)
			return res, nil
		}
	}

	start := time.Now()
	out := s.execute(ctx, p, req, &res)
	if out.Status == "" {
		out.Status = runledger.StatusSuccess
		if out.Err != nil {
			out.Status = runledger.StatusFailed
		}
	}
	res.Status = out.Status

	s.ledger.Complete(ctx, res.RunID, out)
	metrics.RecordProcessorRun(key.Processor, string(out.Status), time.Since(start).Seconds())
	return res, out.Err
}

func (s *Service) execute(ctx context.Context, p *registered, req Request, res *Result) runledger.Outcome {
	def := p.def

	rows, err := def.Producer.Produce(ctx, req.Date, req.SubKey)
	if err != nil {
		metrics.RecordError("processor", "produce")
		return runledger.Outcome{Err: fmt.Errorf("failed to produce rows: %w", err)}
	}
	res.Records = len(rows)

	if len(rows) == 0 {
		return runledger.Outcome{
			ZeroActiveRecords: true,
			Summary:           map[string]any{"table": def.Table, "rows": 0},
		}
	}

	contenthash.Tag(rows, def.Producer.MeaningfulFields(), contenthash.DefaultColumn)

	summary := map[string]any{"table": def.Table, "rows": len(rows)}
	switch def.Strategy {
	case StrategyStream:
		changed := p.filter.ChangedRows(ctx, def.Table, rows)
		for _, row := range changed {
			if err := s.buffers.Add(ctx, def.Table, row); err != nil {
				return runledger.Outcome{
					RecordsProcessed: res.Written,
					Summary:          summary,
					Err:              fmt.Errorf("failed to buffer rows for %s: %w", def.Table, err),
				}
			}
			res.Written++
		}
		res.Unchanged = len(changed) == 0
		summary["written"] = res.Written

	default:
		if p.filter.ShouldSkipWrite(ctx, def.Table, rows) {
			res.Unchanged = true
			summary["unchanged"] = true
			break
		}

		up, err := s.upserter.Replace(ctx, upsert.Request{
			Table:     def.Table,
			Rows:      rows,
			KeyFields: def.KeyFields,
		})
		res.Mode = up.Mode
		summary["mode"] = string(up.Mode)
		if len(up.DroppedFields) > 0 {
			summary["dropped_fields"] = up.DroppedFields
		}
		if err != nil {
			return runledger.Outcome{Summary: summary, Err: err}
		}
		res.Written = up.RowsLoaded
		summary["written"] = res.Written
	}

	return runledger.Outcome{
		RecordsProcessed: len(rows),
		Summary:          summary,
	}
}
