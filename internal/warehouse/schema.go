package warehouse

import (
	"context"
	"sync"
)

// SchemaCache memoizes table column lists for backends that validate rows
// before sending them.
type SchemaCache struct {
	mu     sync.RWMutex
	tables map[string][]string
}

// NewSchemaCache creates an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{tables: make(map[string][]string)}
}

// Get returns the cached columns of table, calling load on a miss.
func (c *SchemaCache) Get(ctx context.Context, table string, load func(context.Context, string) ([]string, error)) ([]string, error) {
	c.mu.RLock()
	cols, ok := c.tables[table]
	c.mu.RUnlock()
	if ok {
		return cols, nil
	}

	cols, err := load(ctx, table)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tables[table] = cols
	c.mu.Unlock()
	return cols, nil
}

// Forget drops table from the cache.
func (c *SchemaCache) Forget(table string) {
	c.mu.Lock()
	delete(c.tables, table)
	c.mu.Unlock()
}

// Split partitions rows into those whose every field is in schema and
// InsertErrors for the rest, keeping the original indexes.
func Split(rows []Row, schema []string) ([]Row, []InsertError) {
	known := make(map[string]struct{}, len(schema))
	for _, c := range schema {
		known[c] = struct{}{}
	}

	var (
		ok   []Row
		errs []InsertError
	)
	for i, row := range rows {
		bad := ""
		for k := range row {
			if _, found := known[k]; !found {
				bad = k
				break
			}
		}
		if bad != "" {
			errs = append(errs, InsertError{Index: i, Err: &UnknownFieldError{Field: bad}})
			continue
		}
		ok = append(ok, row)
	}
	return ok, errs
}

// UnknownFieldError reports a row field with no matching column.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return "no such field: " + e.Field
}
