package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"sportsdata/pipeline/internal/contenthash"
	"sportsdata/pipeline/internal/warehouse"
	"sportsdata/pipeline/internal/warehouse/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gamesTable = "games"

var meaningful = []string{"game_id", "team", "points"}

func gameRows(homePoints int) []warehouse.Row {
	rows := []warehouse.Row{
		{"game_id": 401, "team": "BAMA", "points": homePoints, "game_date": "2025-01-01"},
		{"game_id": 401, "team": "AUB", "points": 17, "game_date": "2025-01-01"},
	}
	return rows
}

func setupFilter(t *testing.T) (*memory.Warehouse, *Filter) {
	t.Helper()
	wh := memory.New()
	wh.CreateTable(gamesTable, "game_id", "team", "points", "game_date", "data_hash")

	f := New(wh, Config{
		KeyFields:      []string{"game_id", "team"},
		PartitionField: "game_date",
		HashFields:     meaningful,
	})
	return wh, f
}

func store(wh *memory.Warehouse, rows []warehouse.Row) {
	contenthash.Tag(rows, meaningful, "")
	wh.Seed(gamesTable, rows...)
}

func TestShouldSkipWrite_AllUnchanged(t *testing.T) {
	wh, f := setupFilter(t)
	store(wh, gameRows(24))

	candidate := gameRows(24)
	contenthash.Tag(candidate, meaningful, "")

	ctx := context.Background()
	assert.True(t, f.ShouldSkipWrite(ctx, gamesTable, candidate))
	assert.True(t, f.ShouldSkipWrite(ctx, gamesTable, candidate), "Repeated calls should give the same answer")
}

func TestShouldSkipWrite_OneRowChanged(t *testing.T) {
	wh, f := setupFilter(t)
	store(wh, gameRows(24))

	candidate := gameRows(31)
	contenthash.Tag(candidate, meaningful, "")

	assert.False(t, f.ShouldSkipWrite(context.Background(), gamesTable, candidate),
		"One changed row should force the whole write")
}

func TestShouldSkipWrite_NewRow(t *testing.T) {
	wh, f := setupFilter(t)
	store(wh, gameRows(24)[:1])

	candidate := gameRows(24)
	contenthash.Tag(candidate, meaningful, "")

	assert.False(t, f.ShouldSkipWrite(context.Background(), gamesTable, candidate),
		"A row without a stored hash is always changed")
}

func TestShouldSkipWrite_UntaggedCandidatesAreHashed(t *testing.T) {
	wh, f := setupFilter(t)
	store(wh, gameRows(24))

	assert.True(t, f.ShouldSkipWrite(context.Background(), gamesTable, gameRows(24)))
}

func TestShouldSkipWrite_ComparesDecodedValues(t *testing.T) {
	wh, f := setupFilter(t)

	stored := gameRows(24)
	contenthash.Tag(stored, meaningful, "")
	for _, r := range stored {
		// drivers may hand back bytes and narrower integer types
		r["data_hash"] = []byte(r["data_hash"].(string))
		r["game_id"] = int32(401)
	}
	wh.Seed(gamesTable, stored...)

	assert.True(t, f.ShouldSkipWrite(context.Background(), gamesTable, gameRows(24)))
}

func TestShouldSkipWrite_LookupFailureFailsOpen(t *testing.T) {
	wh, f := setupFilter(t)
	store(wh, gameRows(24))
	wh.FailOn(memory.OpSelect, gamesTable, errors.New("connection reset"), 0)

	assert.False(t, f.ShouldSkipWrite(context.Background(), gamesTable, gameRows(24)))
}

func TestShouldSkipWrite_EmptyInput(t *testing.T) {
	_, f := setupFilter(t)
	assert.False(t, f.ShouldSkipWrite(context.Background(), gamesTable, nil))
}

func TestShouldSkipWrite_ScopedToPartition(t *testing.T) {
	wh, f := setupFilter(t)

	other := gameRows(24)
	for _, r := range other {
		r["game_date"] = "2024-12-31"
	}
	store(wh, other)

	assert.False(t, f.ShouldSkipWrite(context.Background(), gamesTable, gameRows(24)),
		"Hashes stored in another partition must not match")

	selects := wh.StatementsFor(gamesTable)
	require.NotEmpty(t, selects)
	assert.Equal(t, memory.OpSelect, selects[len(selects)-1].Op)
}

func TestChangedRows(t *testing.T) {
	wh, f := setupFilter(t)
	store(wh, gameRows(24))

	candidate := gameRows(31)
	changed := f.ChangedRows(context.Background(), gamesTable, candidate)

	require.Len(t, changed, 1)
	assert.Equal(t, "BAMA", changed[0]["team"])
}

func TestChangedRows_LookupFailureReturnsAll(t *testing.T) {
	wh, f := setupFilter(t)
	wh.FailOn(memory.OpSelect, gamesTable, errors.New("timeout"), 1)

	assert.Len(t, f.ChangedRows(context.Background(), gamesTable, gameRows(24)), 2)
}

func TestRevertedValueIsChanged(t *testing.T) {
	wh := memory.New()
	wh.CreateTable(gamesTable, "game_id", "team", "points", "game_date", "data_hash", "fetched_at")
	f := New(wh, Config{
		KeyFields:      []string{"game_id", "team"},
		PartitionField: "game_date",
		RecencyField:   "fetched_at",
		HashFields:     meaningful,
	})

	first := time.Date(2025, 1, 1, 18, 0, 0, 0, time.UTC)
	versions := map[int]time.Time{24: first, 27: first.Add(time.Hour)}
	// seeded newest first so read order alone would pick the stale version
	for _, points := range []int{27, 24} {
		rows := gameRows(points)[:1]
		rows[0]["fetched_at"] = versions[points]
		store(wh, rows)
	}

	candidate := gameRows(24)[:1]
	contenthash.Tag(candidate, meaningful, "")

	ctx := context.Background()
	assert.Len(t, f.ChangedRows(ctx, gamesTable, candidate), 1, "24 was superseded by 27")
	assert.False(t, f.ShouldSkipWrite(ctx, gamesTable, candidate))

	latest := gameRows(27)[:1]
	contenthash.Tag(latest, meaningful, "")
	assert.Empty(t, f.ChangedRows(ctx, gamesTable, latest))
}

func TestRevertedValueIsChanged_ReadOrder(t *testing.T) {
	wh, f := setupFilter(t)
	store(wh, gameRows(24)[:1])
	store(wh, gameRows(27)[:1])

	candidate := gameRows(24)[:1]
	contenthash.Tag(candidate, meaningful, "")

	assert.Len(t, f.ChangedRows(context.Background(), gamesTable, candidate), 1)
}
