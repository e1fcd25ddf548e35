package upsert

import (
	"context"
	"errors"
	"testing"

	"sportsdata/pipeline/internal/warehouse"
	"sportsdata/pipeline/internal/warehouse/memory"

	"github.com/doug-martin/goqu/v9"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = "team_game_stats"

func setupTarget(t *testing.T, opts ...memory.Option) *memory.Warehouse {
	t.Helper()
	wh := memory.New(opts...)
	wh.CreateTable(target, "game_id", "team", "points", "game_date", "data_hash")
	wh.Seed(target,
		warehouse.Row{"game_id": 1, "team": "BAMA", "points": 10, "game_date": "2025-01-01"},
		warehouse.Row{"game_id": 1, "team": "AUB", "points": 7, "game_date": "2025-01-01"},
		warehouse.Row{"game_id": 2, "team": "UGA", "points": 3, "game_date": "2025-01-01"},
	)
	return wh
}

func newSlice() []warehouse.Row {
	return []warehouse.Row{
		{"game_id": 1, "team": "BAMA", "points": 24, "game_date": "2025-01-01", "scraped_by": "worker-3"},
		{"game_id": 1, "team": "AUB", "points": 17, "game_date": "2025-01-01"},
		{"game_id": 3, "team": "LSU", "points": 28, "game_date": "2025-01-01"},
	}
}

func ops(stmts []memory.Statement) []memory.Op {
	return lo.Map(stmts, func(s memory.Statement, _ int) memory.Op { return s.Op })
}

func pointsByTeam(rows []warehouse.Row) map[string]any {
	return lo.SliceToMap(rows, func(r warehouse.Row) (string, any) { return r["team"].(string), r["points"] })
}

func TestReplace_MergeHappyPath(t *testing.T) {
	wh := setupTarget(t)
	u := New(wh, Config{})

	res, err := u.Replace(context.Background(), Request{
		Table:     target,
		Rows:      newSlice(),
		KeyFields: []string{"game_id", "team"},
	})
	require.NoError(t, err)

	assert.Equal(t, ModeMerge, res.Mode)
	assert.Equal(t, 3, res.RowsLoaded)
	assert.Equal(t, []string{"scraped_by"}, res.DroppedFields)
	assert.True(t, warehouse.IsStaging(res.StagingTable))
	assert.False(t, wh.HasTable(res.StagingTable), "Staging table must be dropped")

	targetOps := ops(wh.StatementsFor(target))
	assert.Equal(t, []memory.Op{memory.OpMerge}, targetOps,
		"Target must only see one combined statement, never DELETE then INSERT")
	assert.Equal(t, []memory.Op{memory.OpCreate, memory.OpLoad, memory.OpDrop}, ops(wh.StatementsFor(res.StagingTable)))

	points := pointsByTeam(wh.Rows(target))
	assert.Equal(t, 24, points["BAMA"])
	assert.Equal(t, 17, points["AUB"])
	assert.Equal(t, 28, points["LSU"])
	assert.Equal(t, 3, points["UGA"], "Rows absent from staging are untouched")
}

func TestReplace_StagingLoadFailure(t *testing.T) {
	wh := setupTarget(t)
	wh.FailOn(memory.OpLoad, target+"_staging_*", errors.New("load job rejected"), 1)
	u := New(wh, Config{})

	before := wh.Rows(target)
	res, err := u.Replace(context.Background(), Request{
		Table:     target,
		Rows:      newSlice(),
		KeyFields: []string{"game_id", "team"},
	})

	var mergeErr *MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Equal(t, ReasonStagingLoad, mergeErr.Reason)

	assert.Equal(t, before, wh.Rows(target), "Target must be unchanged")
	assert.Empty(t, wh.StatementsFor(target))
	assert.False(t, wh.HasTable(res.StagingTable), "Staging table is deleted regardless")
}

func TestReplace_FallbackWhenMergeUnsupported(t *testing.T) {
	wh := setupTarget(t, memory.WithoutMerge())
	u := New(wh, Config{})

	res, err := u.Replace(context.Background(), Request{
		Table:     target,
		Rows:      newSlice(),
		KeyFields: []string{"game_id", "team"},
	})
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, res.Mode)
	assert.False(t, wh.HasTable(res.StagingTable))

	targetOps := ops(wh.StatementsFor(target))
	assert.Equal(t, memory.OpMerge, targetOps[0])
	assert.Equal(t, memory.OpLoad, targetOps[len(targetOps)-1])
	assert.Equal(t, 3, lo.Count(targetOps, memory.OpDelete), "One bound delete per distinct key tuple")

	rows := wh.Rows(target)
	assert.Len(t, rows, 4)
	points := pointsByTeam(rows)
	assert.Equal(t, 24, points["BAMA"])
	assert.Equal(t, 3, points["UGA"])
}

func TestReplace_OtherMergeErrorPropagates(t *testing.T) {
	wh := setupTarget(t)
	wh.FailOn(memory.OpMerge, target, errors.New("concurrent update"), 1)
	u := New(wh, Config{})

	res, err := u.Replace(context.Background(), Request{
		Table:     target,
		Rows:      newSlice(),
		KeyFields: []string{"game_id", "team"},
	})

	var mergeErr *MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Equal(t, ReasonMergeFailed, mergeErr.Reason)
	assert.NotContains(t, ops(wh.StatementsFor(target)), memory.OpDelete, "No fallback for ordinary merge errors")
	assert.False(t, wh.HasTable(res.StagingTable))
}

func TestReplace_CoveringDelete(t *testing.T) {
	wh := setupTarget(t)
	u := New(wh, Config{})

	_, err := u.Replace(context.Background(), Request{
		Table:          target,
		Rows:           newSlice(),
		KeyFields:      []string{"game_id", "team"},
		CoveringDelete: goqu.Ex{"game_date": "2025-01-01"},
	})
	require.NoError(t, err)

	points := pointsByTeam(wh.Rows(target))
	assert.NotContains(t, points, "UGA", "Covering delete removes rows absent from the new slice")
	assert.Len(t, points, 3)
}

func TestReplace_EmptyRows(t *testing.T) {
	wh := setupTarget(t)
	u := New(wh, Config{})

	res, err := u.Replace(context.Background(), Request{Table: target, KeyFields: []string{"game_id"}})
	require.NoError(t, err)
	assert.Equal(t, ModeNoop, res.Mode)
	assert.Empty(t, wh.Statements())
}

func TestKeyPredicates(t *testing.T) {
	rows := newSlice()
	rows = append(rows, warehouse.Row{"game_id": 1, "team": "BAMA"})

	single := keyPredicates([]string{"game_id"}, rows)
	require.Len(t, single, 1)
	assert.Equal(t, []any{1, 3}, single[0]["game_id"])

	tuples := keyPredicates([]string{"game_id", "team"}, rows)
	assert.Len(t, tuples, 3)
}

