// Package warehouse defines the contract between the pipeline core and the
// partitioned analytical store it writes to.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// Row is a single record keyed by column name.
type Row map[string]any

// WriteMode controls how a bulk load treats existing table contents
type WriteMode string

const (
	WriteAppend   WriteMode = "WRITE_APPEND"
	WriteTruncate WriteMode = "WRITE_TRUNCATE"
)

// LoadJobsTable is the audit log every backend appends to when it issues a bulk load.
const LoadJobsTable = "warehouse_load_jobs"

var (
	// ErrMergeUnsupported is returned by Merge when the backend cannot execute
	// a combined update+insert statement.
	ErrMergeUnsupported = errors.New("merge statement not supported by warehouse")

	// ErrQuotaExceeded marks a bulk load refused because the table's daily cap was reached.
	ErrQuotaExceeded = errors.New("bulk load quota exceeded")

	// ErrTableNotFound is returned when a referenced table does not exist.
	ErrTableNotFound = errors.New("table not found")
)

// InsertError reports a streaming insert failure for one row of a request.
type InsertError struct {
	Index int
	Err   error
}

func (e InsertError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Index, e.Err)
}

// LoadJob describes one issued bulk-load operation.
type LoadJob struct {
	ID        string
	Table     string
	Mode      WriteMode
	Rows      int
	CreatedAt time.Time
}

// Order is a single ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Select is a structured read. Where uses goqu expression maps so that SQL
// backends can render it for their dialect and the in-memory backend can
// evaluate it directly. Supported forms: equality, nil (IS NULL), slices (IN)
// and goqu.Op with gt/gte/lt/lte/neq.
type Select struct {
	Table   string
	Columns []string
	Where   goqu.Ex
	OrderBy []Order
	Limit   uint
}

// MergeStatement describes a single-statement merge of Source into Target:
// rows matching on Keys are updated, the rest inserted.
type MergeStatement struct {
	Target  string
	Source  string
	Keys    []string
	Columns []string
}

// UpdateColumns returns the merge columns that are not part of the key.
func (m MergeStatement) UpdateColumns() []string {
	keys := make(map[string]struct{}, len(m.Keys))
	for _, k := range m.Keys {
		keys[k] = struct{}{}
	}

	var cols []string
	for _, c := range m.Columns {
		if _, ok := keys[c]; !ok {
			cols = append(cols, c)
		}
	}
	return cols
}

// Streamer is the streaming-insert half of a Client. Streaming inserts are
// billed by volume and do not count against the bulk-load cap.
type Streamer interface {
	InsertStreaming(ctx context.Context, table string, rows []Row) ([]InsertError, error)
	TableSchema(ctx context.Context, table string) ([]string, error)
}

// Selector runs structured reads.
type Selector interface {
	Select(ctx context.Context, q Select) ([]Row, error)
}

// Client is the full warehouse collaborator used by the pipeline core.
type Client interface {
	Streamer
	Selector

	// LoadBulk issues one bulk-load job. Every call counts against the
	// table's daily load quota.
	LoadBulk(ctx context.Context, table string, rows []Row, mode WriteMode) (*LoadJob, error)

	// DeleteWhere deletes rows matching where using bound parameters only.
	DeleteWhere(ctx context.Context, table string, where goqu.Ex) (int64, error)

	// Merge executes m as one atomic statement or returns an error wrapping
	// ErrMergeUnsupported.
	Merge(ctx context.Context, m MergeStatement) error

	CreateTableLike(ctx context.Context, name, template string) error
	DeleteTable(ctx context.Context, name string) error

	Close() error
}
