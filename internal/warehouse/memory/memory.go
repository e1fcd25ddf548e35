// Package memory is an in-process warehouse backend. It is used for local
// runs without infrastructure and as the recording test double for the
// pipeline core: every issued operation is appended to a statement log.
package memory

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Op names a recorded warehouse operation.
type Op string

const (
	OpCreate Op = "CREATE"
	OpLoad   Op = "LOAD"
	OpInsert Op = "INSERT_STREAMING"
	OpSelect Op = "SELECT"
	OpDelete Op = "DELETE"
	OpMerge  Op = "MERGE"
	OpDrop   Op = "DROP"
)

// Statement is one recorded operation.
type Statement struct {
	Op    Op
	Table string
	Rows  int
}

type table struct {
	columns []string
	rows    []warehouse.Row
}

type failure struct {
	op    Op
	table string
	err   error
	times int
}

// Warehouse is an in-memory warehouse.Client.
type Warehouse struct {
	mu             sync.Mutex
	tables         map[string]*table
	statements     []Statement
	failures       []*failure
	mergeSupported bool
	now            func() time.Time
}

// Option configures a Warehouse.
type Option func(*Warehouse)

// WithoutMerge makes Merge return warehouse.ErrMergeUnsupported, like an
// engine with no combined update+insert statement.
func WithoutMerge() Option {
	return func(w *Warehouse) { w.mergeSupported = false }
}

// WithClock overrides the clock used for load job audit rows.
func WithClock(now func() time.Time) Option {
	return func(w *Warehouse) { w.now = now }
}

// New creates an empty warehouse. The load job audit table always exists.
func New(opts ...Option) *Warehouse {
	w := &Warehouse{
		tables:         make(map[string]*table),
		mergeSupported: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.tables[warehouse.LoadJobsTable] = &table{
		columns: []string{"job_id", "table_name", "write_mode", "row_count", "created_at"},
	}
	return w
}

// CreateTable creates (or replaces) a table with the given columns.
func (w *Warehouse) CreateTable(name string, columns ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[name] = &table{columns: append([]string(nil), columns...)}
}

// Seed appends rows directly, bypassing the statement log.
func (w *Warehouse) Seed(name string, rows ...warehouse.Row) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		t = &table{columns: warehouse.Columns(rows)}
		w.tables[name] = t
	}
	for _, r := range rows {
		t.rows = append(t.rows, maps.Clone(r))
	}
}

// FailOn makes the next `times` calls of op against tbl fail with err.
// An empty tbl matches any table and a trailing "*" matches by prefix;
// times <= 0 fails forever.
func (w *Warehouse) FailOn(op Op, tbl string, err error, times int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = append(w.failures, &failure{op: op, table: tbl, err: err, times: times})
}

// Rows returns a copy of a table's rows.
func (w *Warehouse) Rows(name string) []warehouse.Row {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		return nil
	}
	out := make([]warehouse.Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = maps.Clone(r)
	}
	return out
}

// HasTable reports whether a table exists.
func (w *Warehouse) HasTable(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tables[name]
	return ok
}

// Statements returns the recorded operations in issue order.
func (w *Warehouse) Statements() []Statement {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Statement(nil), w.statements...)
}

// StatementsFor returns recorded operations against one table.
func (w *Warehouse) StatementsFor(name string) []Statement {
	return lo.Filter(w.Statements(), func(s Statement, _ int) bool { return s.Table == name })
}

// ResetStatements clears the statement log.
func (w *Warehouse) ResetStatements() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statements = nil
}

// InsertStreaming implements warehouse.Client. Rows carrying a column the
// table does not have are rejected individually.
func (w *Warehouse) InsertStreaming(ctx context.Context, name string, rows []warehouse.Row) ([]warehouse.InsertError, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(OpInsert, name, len(rows))
	if err := w.injected(ctx, OpInsert, name); err != nil {
		return nil, err
	}

	t, ok := w.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, name)
	}

	accepted, insertErrs := warehouse.Split(rows, t.columns)
	for _, r := range accepted {
		t.rows = append(t.rows, maps.Clone(r))
	}
	return insertErrs, nil
}

// LoadBulk implements warehouse.Client. The whole load fails if any row
// carries an unknown column, like a load job would.
func (w *Warehouse) LoadBulk(ctx context.Context, name string, rows []warehouse.Row, mode warehouse.WriteMode) (*warehouse.LoadJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(OpLoad, name, len(rows))
	if err := w.injected(ctx, OpLoad, name); err != nil {
		return nil, err
	}

	t, ok := w.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, name)
	}
	if _, rejected := warehouse.Split(rows, t.columns); len(rejected) > 0 {
		return nil, fmt.Errorf("load into %s rejected: %w", name, rejected[0])
	}

	if mode == warehouse.WriteTruncate {
		t.rows = nil
	}
	for _, r := range rows {
		t.rows = append(t.rows, maps.Clone(r))
	}

	job := &warehouse.LoadJob{
		ID:        uuid.NewString(),
		Table:     name,
		Mode:      mode,
		Rows:      len(rows),
		CreatedAt: w.now(),
	}
	audit := w.tables[warehouse.LoadJobsTable]
	audit.rows = append(audit.rows, warehouse.Row{
		"job_id":     job.ID,
		"table_name": job.Table,
		"write_mode": string(job.Mode),
		"row_count":  int64(job.Rows),
		"created_at": job.CreatedAt,
	})
	return job, nil
}

// Select implements warehouse.Client.
func (w *Warehouse) Select(ctx context.Context, q warehouse.Select) ([]warehouse.Row, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(OpSelect, q.Table, 0)
	if err := w.injected(ctx, OpSelect, q.Table); err != nil {
		return nil, err
	}

	t, ok := w.tables[q.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, q.Table)
	}

	var out []warehouse.Row
	for _, r := range t.rows {
		match, err := matches(r, q.Where)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, r)
		}
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.OrderBy {
				c := warehouse.Compare(out[i][o.Column], out[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit > 0 && uint(len(out)) > q.Limit {
		out = out[:q.Limit]
	}

	result := make([]warehouse.Row, len(out))
	for i, r := range out {
		if len(q.Columns) == 0 {
			result[i] = maps.Clone(r)
			continue
		}
		projected := make(warehouse.Row, len(q.Columns))
		for _, c := range q.Columns {
			projected[c] = r[c]
		}
		result[i] = projected
	}
	return result, nil
}

// DeleteWhere implements warehouse.Client.
func (w *Warehouse) DeleteWhere(ctx context.Context, name string, where goqu.Ex) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(OpDelete, name, 0)
	if err := w.injected(ctx, OpDelete, name); err != nil {
		return 0, err
	}

	t, ok := w.tables[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, name)
	}

	kept := t.rows[:0]
	var deleted int64
	for _, r := range t.rows {
		match, err := matches(r, where)
		if err != nil {
			return 0, err
		}
		if match {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	return deleted, nil
}

// Merge implements warehouse.Client as one atomic step under the lock.
func (w *Warehouse) Merge(ctx context.Context, m warehouse.MergeStatement) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(OpMerge, m.Target, 0)
	if !w.mergeSupported {
		return fmt.Errorf("%w: memory backend configured without merge", warehouse.ErrMergeUnsupported)
	}
	if err := w.injected(ctx, OpMerge, m.Target); err != nil {
		return err
	}

	target, ok := w.tables[m.Target]
	if !ok {
		return fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, m.Target)
	}
	source, ok := w.tables[m.Source]
	if !ok {
		return fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, m.Source)
	}

	update := m.UpdateColumns()
	for _, src := range source.rows {
		matched := false
		for _, dst := range target.rows {
			if keysEqual(src, dst, m.Keys) {
				for _, c := range update {
					dst[c] = src[c]
				}
				matched = true
			}
		}
		if !matched {
			inserted := make(warehouse.Row, len(m.Columns))
			for _, c := range m.Columns {
				inserted[c] = src[c]
			}
			target.rows = append(target.rows, inserted)
		}
	}
	return nil
}

// TableSchema implements warehouse.Client.
func (w *Warehouse) TableSchema(ctx context.Context, name string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.injected(ctx, OpSelect, name); err != nil {
		return nil, err
	}
	t, ok := w.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, name)
	}
	return append([]string(nil), t.columns...), nil
}

// CreateTableLike implements warehouse.Client.
func (w *Warehouse) CreateTableLike(ctx context.Context, name, template string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(OpCreate, name, 0)
	if err := w.injected(ctx, OpCreate, name); err != nil {
		return err
	}
	t, ok := w.tables[template]
	if !ok {
		return fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, template)
	}
	if _, exists := w.tables[name]; exists {
		return fmt.Errorf("table %s already exists", name)
	}
	w.tables[name] = &table{columns: append([]string(nil), t.columns...)}
	return nil
}

// DeleteTable implements warehouse.Client. Deleting a missing table is not an error.
func (w *Warehouse) DeleteTable(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(OpDrop, name, 0)
	if err := w.injected(ctx, OpDrop, name); err != nil {
		return err
	}
	delete(w.tables, name)
	return nil
}

// Close implements warehouse.Client.
func (w *Warehouse) Close() error { return nil }

func (w *Warehouse) record(op Op, name string, rows int) {
	w.statements = append(w.statements, Statement{Op: op, Table: name, Rows: rows})
}

// injected returns the context error, like a driver would, or the next
// injected failure for op on name.
func (w *Warehouse) injected(ctx context.Context, op Op, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, f := range w.failures {
		if f.op != op || !tableMatches(f.table, name) {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				w.failures = append(w.failures[:i], w.failures[i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

func tableMatches(pattern, name string) bool {
	switch {
	case pattern == "":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == name
	}
}

func keysEqual(a, b warehouse.Row, keys []string) bool {
	for _, k := range keys {
		if a[k] == nil || b[k] == nil || !warehouse.Equal(a[k], b[k]) {
			return false
		}
	}
	return true
}

func matches(r warehouse.Row, where goqu.Ex) (bool, error) {
	for col, cond := range where {
		ok, err := matchValue(r[col], cond)
		if err != nil {
			return false, fmt.Errorf("column %s: %w", col, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchValue(v, cond any) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return v == nil, nil
	case goqu.Op:
		for op, operand := range c {
			ok, err := matchOp(v, op, operand)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case []byte:
		return v != nil && warehouse.Equal(v, c), nil
	}

	rv := reflect.ValueOf(cond)
	if rv.Kind() == reflect.Slice {
		for i := 0; i < rv.Len(); i++ {
			if v != nil && warehouse.Equal(v, rv.Index(i).Interface()) {
				return true, nil
			}
		}
		return false, nil
	}
	return v != nil && warehouse.Equal(v, cond), nil
}

func matchOp(v any, op string, operand any) (bool, error) {
	if v == nil {
		return op == "neq" && operand != nil, nil
	}
	c := warehouse.Compare(v, operand)
	switch strings.ToLower(op) {
	case "eq":
		return c == 0, nil
	case "neq":
		return c != 0, nil
	case "gt":
		return c > 0, nil
	case "gte":
		return c >= 0, nil
	case "lt":
		return c < 0, nil
	case "lte":
		return c <= 0, nil
	case "in":
		return matchValue(v, operand)
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}
