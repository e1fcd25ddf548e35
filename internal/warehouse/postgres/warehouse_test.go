//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests for the postgres warehouse
// Run with: go test -v -tags=integration ./internal/warehouse/postgres/...

func setupTestDB(t *testing.T) (*Warehouse, context.Context) {
	ctx := context.Background()

	cfg := Config{
		Host:     "localhost",
		Port:     "5432",
		Database: "pipeline_test",
		User:     "pipeline",
		Password: "pipeline",
		SSLMode:  "disable",
	}

	require.NoError(t, Migrate(cfg), "Failed to migrate test database")

	w, err := New(ctx, cfg)
	require.NoError(t, err, "Failed to connect to test database")

	_, err = w.Pool.Exec(ctx, "TRUNCATE game_team_scores, processor_run_history, warehouse_load_jobs")
	require.NoError(t, err)

	return w, ctx
}

func teardownTestDB(t *testing.T, w *Warehouse) {
	w.Close()
}

func scoreRow(gameID int, team string, points int) warehouse.Row {
	return warehouse.Row{
		"game_id":       gameID,
		"team_code":     team,
		"opponent_code": "OPP",
		"is_home":       true,
		"season":        2024,
		"week":          1,
		"game_date":     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		"status":        "Final",
		"points":        points,
	}
}

func TestDatabaseConnection(t *testing.T) {
	w, ctx := setupTestDB(t)
	defer teardownTestDB(t, w)

	assert.NoError(t, w.Health(ctx), "Database health check should pass")

	stats := w.PoolStats()
	assert.GreaterOrEqual(t, stats["max_conns"].(int32), int32(1), "Should have at least 1 max connection")
}

func TestTableSchema(t *testing.T) {
	w, ctx := setupTestDB(t)
	defer teardownTestDB(t, w)

	cols, err := w.TableSchema(ctx, "processor_run_history")
	require.NoError(t, err)
	assert.Equal(t, "processor_name", cols[0])

	_, err = w.TableSchema(ctx, "does_not_exist")
	assert.ErrorIs(t, err, warehouse.ErrTableNotFound)
}

func TestInsertStreamingAndSelect(t *testing.T) {
	w, ctx := setupTestDB(t)
	defer teardownTestDB(t, w)

	bad := scoreRow(2, "AUB", 7)
	bad["bogus"] = 1

	insertErrs, err := w.InsertStreaming(ctx, "game_team_scores", []warehouse.Row{scoreRow(1, "BAMA", 24), bad})
	require.NoError(t, err)
	require.Len(t, insertErrs, 1)
	assert.Equal(t, 1, insertErrs[0].Index)

	rows, err := w.Select(ctx, warehouse.Select{
		Table:   "game_team_scores",
		Columns: []string{"game_id", "points"},
		Where:   goqu.Ex{"team_code": "BAMA"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 24, rows[0]["points"])
}

func TestStagingMerge(t *testing.T) {
	w, ctx := setupTestDB(t)
	defer teardownTestDB(t, w)

	_, err := w.LoadBulk(ctx, "game_team_scores", []warehouse.Row{scoreRow(1, "BAMA", 10)}, warehouse.WriteAppend)
	require.NoError(t, err)

	staging := warehouse.StagingName("game_team_scores")
	require.NoError(t, w.CreateTableLike(ctx, staging, "game_team_scores"))
	defer w.DeleteTable(ctx, staging)

	_, err = w.LoadBulk(ctx, staging, []warehouse.Row{scoreRow(1, "BAMA", 24), scoreRow(1, "AUB", 17)}, warehouse.WriteTruncate)
	require.NoError(t, err)

	err = w.Merge(ctx, warehouse.MergeStatement{
		Target:  "game_team_scores",
		Source:  staging,
		Keys:    []string{"game_id", "team_code"},
		Columns: warehouse.Columns([]warehouse.Row{scoreRow(0, "", 0)}),
	})
	if err != nil {
		// servers before 15 have no MERGE
		require.ErrorIs(t, err, warehouse.ErrMergeUnsupported)
		t.Skip("MERGE not supported by this server")
	}

	rows, err := w.Select(ctx, warehouse.Select{
		Table:   "game_team_scores",
		OrderBy: []warehouse.Order{{Column: "team_code"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 17, rows[0]["points"])
	assert.EqualValues(t, 24, rows[1]["points"])

	jobs, err := w.Select(ctx, warehouse.Select{Table: warehouse.LoadJobsTable})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDeleteWhere(t *testing.T) {
	w, ctx := setupTestDB(t)
	defer teardownTestDB(t, w)

	_, err := w.LoadBulk(ctx, "game_team_scores", []warehouse.Row{scoreRow(1, "BAMA", 10), scoreRow(2, "UGA", 3)}, warehouse.WriteAppend)
	require.NoError(t, err)

	n, err := w.DeleteWhere(ctx, "game_team_scores", goqu.Ex{"game_id": []any{1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = w.DeleteWhere(ctx, "game_team_scores", goqu.Ex{})
	assert.Error(t, err, "Unconditional deletes are refused")
}
