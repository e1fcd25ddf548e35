package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
)

var _ warehouse.Client = (*Warehouse)(nil)

// InsertStreaming writes rows with one multi-row INSERT. Rows carrying
// columns the table lacks are rejected individually and never sent.
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

	cols := warehouse.Columns(accepted)
	records := make([]any, len(accepted))
	for i, row := range accepted {
		rec := goqu.Record{}
		for _, c := range cols {
			rec[c] = row[c]
		}
		records[i] = rec
	}

	sql, args, err := w.dialect.Insert(goqu.I(table)).Rows(records...).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert for %s: %w", table, err)
	}
	if _, err := w.Pool.Exec(ctx, sql, args...); err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return insertErrs, nil
}

// LoadBulk copies rows into table and records the job in the audit table,
// in one transaction.
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

	cols := warehouse.Columns(rows)
	job = &warehouse.LoadJob{
		ID:        uuid.NewString(),
		Table:     table,
		Mode:      mode,
		Rows:      len(rows),
		CreatedAt: time.Now().UTC(),
	}

	err = pgx.BeginFunc(ctx, w.Pool, func(tx pgx.Tx) error {
		if mode == warehouse.WriteTruncate {
			if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+ident(table)); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", table, err)
			}
		}

		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{table},
			cols,
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				return rows[i].Values(cols), nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to copy into %s: %w", table, err)
		}
		if n != int64(len(rows)) {
			return fmt.Errorf("only %d out of %d rows were copied into %s", n, len(rows), table)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO "+ident(warehouse.LoadJobsTable)+" (job_id, table_name, write_mode, row_count, created_at) VALUES ($1, $2, $3, $4, $5)",
			job.ID, job.Table, string(job.Mode), int64(job.Rows), job.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record load job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Select runs a structured read.
func (w *Warehouse) Select(ctx context.Context, q warehouse.Select) (out []warehouse.Row, err error) {
	start := time.Now()
	defer func() { observe("select", q.Table, start, err) }()

	sql, args, err := q.ToSQL(w.dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to build select on %s: %w", q.Table, err)
	}

	rows, err := w.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Table, err)
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", q.Table, err)
	}

	out = make([]warehouse.Row, len(maps))
	for i, m := range maps {
		out[i] = warehouse.Row(m)
	}
	return out, nil
}

// DeleteWhere deletes matching rows with bound parameters.
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
	tag, err := w.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// Merge runs a single MERGE statement. Servers without MERGE answer with a
// syntax or feature error, reported as warehouse.ErrMergeUnsupported.
func (w *Warehouse) Merge(ctx context.Context, m warehouse.MergeStatement) (err error) {
	start := time.Now()
	defer func() { observe("merge", m.Target, start, err) }()

	if _, err := w.Pool.Exec(ctx, MergeSQL(m)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == pgerrcode.SyntaxError || pgErr.Code == pgerrcode.FeatureNotSupported) {
			return fmt.Errorf("%w: %s", warehouse.ErrMergeUnsupported, pgErr.Message)
		}
		return fmt.Errorf("failed to merge %s into %s: %w", m.Source, m.Target, err)
	}
	return nil
}

// MergeSQL renders m as a PostgreSQL MERGE statement. It carries
// identifiers only, no values.
func MergeSQL(m warehouse.MergeStatement) string {
	on := lo.Map(m.Keys, func(k string, _ int) string {
		return fmt.Sprintf("t.%s = s.%s", ident(k), ident(k))
	})

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS t USING %s AS s ON %s", ident(m.Target), ident(m.Source), strings.Join(on, " AND "))

	if update := m.UpdateColumns(); len(update) > 0 {
		set := lo.Map(update, func(c string, _ int) string {
			return fmt.Sprintf("%s = s.%s", ident(c), ident(c))
		})
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(set, ", "))
	}

	cols := lo.Map(m.Columns, func(c string, _ int) string { return ident(c) })
	vals := lo.Map(m.Columns, func(c string, _ int) string { return "s." + ident(c) })
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}

// TableSchema returns the table's columns in ordinal order.
func (w *Warehouse) TableSchema(ctx context.Context, table string) ([]string, error) {
	return w.schemas.Get(ctx, table, w.loadSchema)
}

func (w *Warehouse) loadSchema(ctx context.Context, table string) (cols []string, err error) {
	start := time.Now()
	defer func() { observe("schema", table, start, err) }()

	rows, err := w.Pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1
		 ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}

	cols, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, table)
	}
	return cols, nil
}

// CreateTableLike creates an unlogged copy of template's columns.
func (w *Warehouse) CreateTableLike(ctx context.Context, name, template string) (err error) {
	start := time.Now()
	defer func() { observe("create_table", name, start, err) }()

	_, err = w.Pool.Exec(ctx, fmt.Sprintf("CREATE UNLOGGED TABLE %s (LIKE %s INCLUDING DEFAULTS)", ident(name), ident(template)))
	if err != nil {
		return fmt.Errorf("failed to create %s like %s: %w", name, template, err)
	}
	return nil
}

// DeleteTable drops name if it exists.
func (w *Warehouse) DeleteTable(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { observe("drop_table", name, start, err) }()

	w.schemas.Forget(name)
	if _, err = w.Pool.Exec(ctx, "DROP TABLE IF EXISTS "+ident(name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	return nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
