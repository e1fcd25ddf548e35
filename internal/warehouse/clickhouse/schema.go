package clickhouse

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// EnsureSchema creates the pipeline tables that do not exist yet. Every
// statement is idempotent, so it is safe to run on each start.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	names, err := fs.Glob(schemaFiles, "schema/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list schema files: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		ddl, err := schemaFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		stmt := strings.TrimSpace(string(ddl))
		if stmt == "" {
			continue
		}
		if err := w.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %s: %w", name, err)
		}
		log.Debug().Str("file", name).Msg("Applied clickhouse schema")
	}
	return nil
}
