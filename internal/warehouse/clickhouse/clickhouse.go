// Package clickhouse is the warehouse backend for ClickHouse. Streaming
// inserts use server-side async inserts; there is no MERGE statement, so
// Merge always reports warehouse.ErrMergeUnsupported.
package clickhouse

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config holds ClickHouse connection settings
type Config struct {
	DSN         string
	DialTimeout time.Duration
	MaxConns    int
	Settings    map[string]any
}

// Warehouse is a warehouse.Client backed by a native ClickHouse connection
type Warehouse struct {
	conn    driver.Conn
	dialect goqu.DialectWrapper
	schemas *warehouse.SchemaCache
}

var _ warehouse.Client = (*Warehouse)(nil)

// New opens a connection and verifies it
func New(ctx context.Context, cfg Config) (*Warehouse, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse clickhouse dsn: %w", err)
	}

	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.MaxConns > 0 {
		opts.MaxOpenConns = cfg.MaxConns
	}
	if len(cfg.Settings) > 0 {
		opts.Settings = clickhouse.Settings(cfg.Settings)
	}
	opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().Strs("addr", opts.Addr).Str("database", opts.Auth.Database).Msg("Successfully connected to clickhouse")
	return NewFromConn(conn), nil
}

// NewFromConn wraps an existing connection
func NewFromConn(conn driver.Conn) *Warehouse {
	return &Warehouse{
		conn:    conn,
		dialect: goqu.Dialect("mysql"),
		schemas: warehouse.NewSchemaCache(),
	}
}

// Close closes the connection
func (w *Warehouse) Close() error {
	return w.conn.Close()
}

// Health checks the connection
func (w *Warehouse) Health(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// InsertStreaming writes rows as an async insert, which the server buffers
// and flushes on its own schedule. Rows with unknown columns are rejected
// individually.
func (w *Warehouse) InsertStreaming(ctx context.Context, table string, rows []warehouse.Row) (insertErrs []warehouse.InsertError, err error) {
	start := time.Now()
	defer func() { observe("insert_streaming", table, start, err) }()

	schema, err := w.TableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	accepted, insertErrs := warehouse.Split(rows, schema)
	if len(accepted) == 0 {
		return insertErrs, nil
	}

	asyncCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          1,
		"wait_for_async_insert": 1,
	}))
	if err := w.insert(asyncCtx, table, accepted); err != nil {
		return nil, err
	}
	return insertErrs, nil
}

// LoadBulk inserts rows in one batch and records the job in the audit table.
func (w *Warehouse) LoadBulk(ctx context.Context, table string, rows []warehouse.Row, mode warehouse.WriteMode) (job *warehouse.LoadJob, err error) {
	start := time.Now()
	defer func() { observe("load_bulk", table, start, err) }()

	schema, err := w.TableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	if _, rejected := warehouse.Split(rows, schema); len(rejected) > 0 {
		return nil, fmt.Errorf("load into %s rejected: %w", table, rejected[0])
	}

	if mode == warehouse.WriteTruncate {
		if err := w.conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS "+ident(table)); err != nil {
			return nil, fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	if err := w.insert(ctx, table, rows); err != nil {
		return nil, err
	}

	job = &warehouse.LoadJob{
		ID:        uuid.NewString(),
		Table:     table,
		Mode:      mode,
		Rows:      len(rows),
		CreatedAt: time.Now().UTC(),
	}
	audit := warehouse.Row{
		"job_id":     job.ID,
		"table_name": job.Table,
		"write_mode": string(job.Mode),
		"row_count":  int64(job.Rows),
		"created_at": job.CreatedAt,
	}
	if err := w.insert(ctx, warehouse.LoadJobsTable, []warehouse.Row{audit}); err != nil {
		return nil, fmt.Errorf("failed to record load job: %w", err)
	}
	return job, nil
}

func (w *Warehouse) insert(ctx context.Context, table string, rows []warehouse.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := warehouse.Columns(rows)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
	}

	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", ident(table), strings.Join(quoted, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}
	for _, row := range rows {
		values := row.Values(cols)
		for i := range values {
			values[i] = normalize(values[i])
		}
		if err := batch.Append(values...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to %s: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Select runs a structured read and decodes every column generically.
func (w *Warehouse) Select(ctx context.Context, q warehouse.Select) (out []warehouse.Row, err error) {
	start := time.Now()
	defer func() { observe("select", q.Table, start, err) }()

	sql, args, err := q.ToSQL(w.dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to build select on %s: %w", q.Table, err)
	}

	rows, err := w.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Table, err)
	}
	defer rows.Close()

	types := rows.ColumnTypes()
	names := rows.Columns()
	for rows.Next() {
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", q.Table, err)
		}

		row := make(warehouse.Row, len(names))
		for i, name := range names {
			row[name] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", q.Table, err)
	}
	return out, nil
}

// DeleteWhere issues a lightweight DELETE. ClickHouse does not report the
// number of deleted rows, so the count is always zero.
func (w *Warehouse) DeleteWhere(ctx context.Context, table string, where goqu.Ex) (n int64, err error) {
	start := time.Now()
	defer func() { observe("delete", table, start, err) }()

	if len(where) == 0 {
		return 0, fmt.Errorf("refusing unconditional delete on %s", table)
	}

	sql, args, err := warehouse.DeleteSQL(w.dialect, table, where)
	if err != nil {
		return 0, fmt.Errorf("failed to build delete on %s: %w", table, err)
	}
	if err := w.conn.Exec(ctx, sql, args...); err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return 0, nil
}

// Merge is not available in ClickHouse.
func (w *Warehouse) Merge(_ context.Context, m warehouse.MergeStatement) error {
	return fmt.Errorf("%w: clickhouse has no MERGE statement (target %s)", warehouse.ErrMergeUnsupported, m.Target)
}

// TableSchema returns the table's columns in position order.
func (w *Warehouse) TableSchema(ctx context.Context, table string) ([]string, error) {
	return w.schemas.Get(ctx, table, w.loadSchema)
}

func (w *Warehouse) loadSchema(ctx context.Context, table string) (cols []string, err error) {
	start := time.Now()
	defer func() { observe("schema", table, start, err) }()

	var result []struct {
		Name string `ch:"name"`
	}
	err = w.conn.Select(ctx, &result,
		"SELECT name FROM system.columns WHERE database = currentDatabase() AND table = ? ORDER BY position",
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, table)
	}

	cols = make([]string, len(result))
	for i, r := range result {
		cols[i] = r.Name
	}
	return cols, nil
}

// CreateTableLike creates name with template's structure and engine.
func (w *Warehouse) CreateTableLike(ctx context.Context, name, template string) (err error) {
	start := time.Now()
	defer func() { observe("create_table", name, start, err) }()

	if err = w.conn.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", ident(name), ident(template))); err != nil {
		return fmt.Errorf("failed to create %s like %s: %w", name, template, err)
	}
	return nil
}

// DeleteTable drops name if it exists.
func (w *Warehouse) DeleteTable(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { observe("drop_table", name, start, err) }()

	w.schemas.Forget(name)
	if err = w.conn.Exec(ctx, "DROP TABLE IF EXISTS "+ident(name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	return nil
}

// normalize widens Go values to the types the schema declares: every integer
// column is Int64 and every float column Float64.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	return v
}

func ident(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func observe(op, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordWarehouseCall(op, table, status, time.Since(start).Seconds())
}
