// Package idempotency skips writes whose content is already stored by
// comparing content hashes against the hash column of the target table.
package idempotency

import (
	"context"
	"strings"
	"time"

	"sportsdata/pipeline/internal/contenthash"
	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const defaultLookupTimeout = 15 * time.Second

// Config describes how stored rows are located and compared.
type Config struct {
	// KeyFields form the natural key used to pair candidate and stored rows.
	KeyFields []string
	// PartitionField scopes the lookup to the partitions present in the batch.
	PartitionField string
	// HashField is the column holding the stored hash.
	HashField string
	// HashFields are hashed for candidate rows that have not been tagged yet.
	HashFields []string
	// RecencyField orders stored versions of a key so the newest one is
	// compared. Without it the last row read wins.
	RecencyField  string
	LookupTimeout time.Duration
}

// Filter compares candidate rows against stored hashes.
type Filter struct {
	client warehouse.Selector
	cfg    Config
}

// New creates a Filter.
func New(client warehouse.Selector, cfg Config) *Filter {
	if cfg.HashField == "" {
		cfg.HashField = contenthash.DefaultColumn
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	return &Filter{client: client, cfg: cfg}
}

// ShouldSkipWrite reports whether every row's hash equals the hash stored at
// its key. The rows are treated as one unit: a single changed or new row
// means the whole write proceeds. Lookup failures are logged and answered
// with false.
func (f *Filter) ShouldSkipWrite(ctx context.Context, table string, rows []warehouse.Row) bool {
	if len(rows) == 0 {
		return false
	}

	stored, err := f.storedHashes(ctx, table, rows)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Msg("Hash lookup failed, proceeding with write")
		metrics.RecordIdempotencyCheck(table, "lookup_failed")
		metrics.RecordError("idempotency", "lookup")
		return false
	}

	for _, row := range rows {
		if !f.unchanged(row, stored) {
			metrics.RecordIdempotencyCheck(table, "write")
			return false
		}
	}

	log.Info().Str("table", table).Int("rows", len(rows)).Msg("Content unchanged, skipping write")
	metrics.RecordIdempotencyCheck(table, "skip")
	return true
}

// ChangedRows returns the rows that are new or whose hash differs from the
// stored one. For tables whose rows are independent of each other. All rows
// are returned when the lookup fails.
func (f *Filter) ChangedRows(ctx context.Context, table string, rows []warehouse.Row) []warehouse.Row {
	if len(rows) == 0 {
		return nil
	}

	stored, err := f.storedHashes(ctx, table, rows)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Msg("Hash lookup failed, treating all rows as changed")
		metrics.RecordIdempotencyCheck(table, "lookup_failed")
		return rows
	}

	changed := lo.Filter(rows, func(row warehouse.Row, _ int) bool {
		return !f.unchanged(row, stored)
	})
	log.Debug().
		Str("table", table).
		Int("rows", len(rows)).
		Int("changed", len(changed)).
		Msg("Compared content hashes")
	return changed
}

func (f *Filter) unchanged(row warehouse.Row, stored map[string]string) bool {
	hash, ok := stored[f.key(row)]
	return ok && hash == f.hashOf(row)
}

func (f *Filter) hashOf(row warehouse.Row) string {
	if h, ok := row[f.cfg.HashField]; ok && h != nil {
		return warehouse.AsString(h)
	}
	return string(contenthash.Compute(row, f.cfg.HashFields))
}

// storedHashes reads the newest stored hash for each key in rows, keyed by
// the canonical key string. Append-only tables keep superseded versions of a
// key; only the latest one counts.
func (f *Filter) storedHashes(ctx context.Context, table string, rows []warehouse.Row) (map[string]string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, f.cfg.LookupTimeout)
	defer cancel()

	q := warehouse.Select{
		Table:   table,
		Columns: append(append([]string(nil), f.cfg.KeyFields...), f.cfg.HashField),
		Where:   f.where(rows),
	}
	if r := f.cfg.RecencyField; r != "" {
		q.OrderBy = []warehouse.Order{{Column: r}}
	}
	stored, err := f.client.Select(lookupCtx, q)
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]string, len(stored))
	for _, row := range stored {
		k := f.key(row)
		if h := row[f.cfg.HashField]; h != nil {
			hashes[k] = warehouse.AsString(h)
			continue
		}
		// a newer untagged version supersedes older hashes
		delete(hashes, k)
	}
	return hashes, nil
}

// where scopes the lookup by partition and, for single-column keys, by key.
func (f *Filter) where(rows []warehouse.Row) goqu.Ex {
	where := goqu.Ex{}
	if p := f.cfg.PartitionField; p != "" {
		where[p] = distinct(rows, p)
	}
	if len(f.cfg.KeyFields) == 1 {
		k := f.cfg.KeyFields[0]
		where[k] = distinct(rows, k)
	}
	return where
}

func (f *Filter) key(row warehouse.Row) string {
	parts := make([]string, len(f.cfg.KeyFields))
	for i, k := range f.cfg.KeyFields {
		parts[i] = contenthash.Canonical(row[k])
	}
	return strings.Join(parts, "|")
}

func distinct(rows []warehouse.Row, field string) []any {
	seen := make(map[string]struct{})
	var values []any
	for _, row := range rows {
		v := row[field]
		c := contenthash.Canonical(v)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		values = append(values, v)
	}
	return values
}
