// Package upsert replaces a slice of a partitioned table through a staging
// table and a single merge statement, so readers never observe the slice
// half-deleted.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sportsdata/pipeline/internal/contenthash"
	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout   = 2 * time.Minute
	defaultMergeTimeout   = 5 * time.Minute
	defaultCleanupTimeout = 30 * time.Second
)

// Mode is the path that applied the rows.
type Mode string

const (
	ModeMerge    Mode = "merge"
	ModeFallback Mode = "delete_insert"
	ModeNoop     Mode = "noop"
)

// Reason classifies an upsert failure.
type Reason string

const (
	ReasonSchemaLookup   Reason = "schema_lookup"
	ReasonStagingCreate  Reason = "staging_create"
	ReasonStagingLoad    Reason = "staging_load"
	ReasonCoveringDelete Reason = "covering_delete"
	ReasonMergeFailed    Reason = "merge_failed"
	ReasonFallbackFailed Reason = "fallback_failed"
)

// MergeError is returned for every failed upsert. Reason tells the caller
// which step failed; the target is untouched for every reason before
// ReasonCoveringDelete.
type MergeError struct {
	Table  string
	Reason Reason
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("upsert into %s failed at %s: %v", e.Table, e.Reason, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// Config holds per-step timeouts.
type Config struct {
	WriteTimeout   time.Duration
	MergeTimeout   time.Duration
	CleanupTimeout time.Duration
}

// Request describes one slice replacement.
type Request struct {
	Table string
	Rows  []warehouse.Row
	// KeyFields is the natural key the merge matches on.
	KeyFields []string
	// CoveringDelete optionally removes target rows before the merge, for
	// callers that want rows absent from the new slice to disappear.
	CoveringDelete goqu.Ex
}

// Result reports how the rows were applied.
type Result struct {
	Mode          Mode
	StagingTable  string
	RowsLoaded    int
	DroppedFields []string
}

// Upserter runs the staging protocol against a warehouse.
type Upserter struct {
	client warehouse.Client
	cfg    Config
}

// New creates an Upserter.
func New(client warehouse.Client, cfg Config) *Upserter {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = defaultMergeTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	return &Upserter{client: client, cfg: cfg}
}

// Replace loads req.Rows into a fresh staging table and merges it into the
// target. The staging table is dropped whatever happens. When the warehouse
// reports the merge as unsupported the rows are applied with a bound-parameter
// delete followed by an append load instead; any other merge error is returned.
func (u *Upserter) Replace(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordUpsert(req.Table, string(res.Mode), status, time.Since(start).Seconds())
	}()

	if len(req.Rows) == 0 {
		return Result{Mode: ModeNoop}, nil
	}
	if len(req.KeyFields) == 0 {
		return Result{}, &MergeError{Table: req.Table, Reason: ReasonMergeFailed, Err: errors.New("no key fields")}
	}

	schema, err := u.schema(ctx, req.Table)
	if err != nil {
		return Result{}, &MergeError{Table: req.Table, Reason: ReasonSchemaLookup, Err: err}
	}
	rows, dropped := warehouse.Project(req.Rows, schema)
	if len(dropped) > 0 {
		log.Debug().Str("table", req.Table).Strs("fields", dropped).Msg("Dropping fields not present in table schema")
	}

	res = Result{StagingTable: warehouse.StagingName(req.Table), DroppedFields: dropped}

	if err := u.client.CreateTableLike(ctx, res.StagingTable, req.Table); err != nil {
		return res, &MergeError{Table: req.Table, Reason: ReasonStagingCreate, Err: err}
	}
	defer u.dropStaging(ctx, res.StagingTable)

	loadCtx, cancel := context.WithTimeout(ctx, u.cfg.WriteTimeout)
	job, err := u.client.LoadBulk(loadCtx, res.StagingTable, rows, warehouse.WriteTruncate)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("table", req.Table).Str("staging", res.StagingTable).Msg("Staging load failed, target left untouched")
		metrics.RecordError("upsert", "staging_load")
		return res, &MergeError{Table: req.Table, Reason: ReasonStagingLoad, Err: err}
	}
	res.RowsLoaded = job.Rows

	if len(req.CoveringDelete) > 0 {
		delCtx, cancel := context.WithTimeout(ctx, u.cfg.WriteTimeout)
		deleted, err := u.client.DeleteWhere(delCtx, req.Table, req.CoveringDelete)
		cancel()
		if err != nil {
			return res, &MergeError{Table: req.Table, Reason: ReasonCoveringDelete, Err: err}
		}
		log.Debug().Str("table", req.Table).Int64("deleted", deleted).Msg("Applied covering delete")
	}

	stmt := warehouse.MergeStatement{
		Target:  req.Table,
		Source:  res.StagingTable,
		Keys:    req.KeyFields,
		Columns: warehouse.Columns(rows),
	}

	mergeCtx, cancel := context.WithTimeout(ctx, u.cfg.MergeTimeout)
	err = u.client.Merge(mergeCtx, stmt)
	cancel()

	switch {
	case err == nil:
		res.Mode = ModeMerge
		log.Info().
			Str("table", req.Table).
			Int("rows", res.RowsLoaded).
			Dur("elapsed", time.Since(start)).
			Msg("Merged staging table into target")
		return res, nil

	case errors.Is(err, warehouse.ErrMergeUnsupported):
		res.Mode = ModeFallback
		log.Warn().
			Err(err).
			Str("table", req.Table).
			Msg("Merge unsupported, applying rows with delete then insert")
		metrics.RecordError("upsert", "merge_unsupported")

		if err := u.deleteThenInsert(ctx, req.Table, req.KeyFields, rows); err != nil {
			return res, &MergeError{Table: req.Table, Reason: ReasonFallbackFailed, Err: err}
		}
		return res, nil

	default:
		metrics.RecordError("upsert", "merge")
		return res, &MergeError{Table: req.Table, Reason: ReasonMergeFailed, Err: err}
	}
}

func (u *Upserter) schema(ctx context.Context, table string) ([]string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, u.cfg.WriteTimeout)
	defer cancel()
	return u.client.TableSchema(lookupCtx, table)
}

// deleteThenInsert removes the target rows at the keys in rows with bound
// parameters, then appends rows. Readers can briefly see the keys missing.
func (u *Upserter) deleteThenInsert(ctx context.Context, table string, keys []string, rows []warehouse.Row) error {
	writeCtx, cancel := context.WithTimeout(ctx, u.cfg.WriteTimeout)
	defer cancel()

	for _, where := range keyPredicates(keys, rows) {
		if _, err := u.client.DeleteWhere(writeCtx, table, where); err != nil {
			return fmt.Errorf("failed to delete existing rows: %w", err)
		}
	}
	if _, err := u.client.LoadBulk(writeCtx, table, rows, warehouse.WriteAppend); err != nil {
		return fmt.Errorf("failed to insert rows: %w", err)
	}
	return nil
}

// keyPredicates builds delete predicates for the distinct keys in rows: one
// IN list for a single-column key, one equality predicate per tuple otherwise.
func keyPredicates(keys []string, rows []warehouse.Row) []goqu.Ex {
	seen := make(map[string]struct{})
	var tuples []goqu.Ex
	var single []any

	for _, row := range rows {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = contenthash.Canonical(row[k])
		}
		id := strings.Join(parts, "|")
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if len(keys) == 1 {
			single = append(single, row[keys[0]])
			continue
		}
		ex := goqu.Ex{}
		for _, k := range keys {
			ex[k] = row[k]
		}
		tuples = append(tuples, ex)
	}

	if len(keys) == 1 {
		return []goqu.Ex{{keys[0]: single}}
	}
	return tuples
}

func (u *Upserter) dropStaging(ctx context.Context, name string) {
	dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.CleanupTimeout)
	defer cancel()

	if err := u.client.DeleteTable(dropCtx, name); err != nil {
		log.Warn().Err(err).Str("staging", name).Msg("Failed to drop staging table")
		metrics.RecordError("upsert", "staging_drop")
	}
}
