package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sportsdata/pipeline/internal/warehouse"
	"sportsdata/pipeline/internal/warehouse/memory"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "play_events"

func setupWarehouse(t *testing.T) *memory.Warehouse {
	t.Helper()
	wh := memory.New()
	wh.CreateTable(testTable, "event_id", "game_id", "description")
	return wh
}

func flushSizes(wh *memory.Warehouse, table string) []int {
	inserts := lo.Filter(wh.StatementsFor(table), func(s memory.Statement, _ int) bool {
		return s.Op == memory.OpInsert
	})
	return lo.Map(inserts, func(s memory.Statement, _ int) int { return s.Rows })
}

func event(id int) warehouse.Row {
	return warehouse.Row{"event_id": id, "game_id": 401, "description": "rush"}
}

func TestBuffer_TimeoutFlush(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 3, Timeout: 100 * time.Millisecond})
	defer buf.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, event(1)))
	require.NoError(t, buf.Add(ctx, event(2)))

	assert.Empty(t, flushSizes(wh, testTable), "Nothing should flush before the timeout")

	assert.Eventually(t, func() bool {
		return len(flushSizes(wh, testTable)) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []int{2}, flushSizes(wh, testTable), "Expected exactly one timeout flush of 2 records")
	assert.Len(t, wh.Rows(testTable), 2)
}

func TestBuffer_SizeFlush(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 3, Timeout: 30 * time.Second})

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Add(ctx, event(i)))
	}

	assert.Equal(t, []int{3}, flushSizes(wh, testTable), "Add should flush synchronously at the threshold")
	assert.Equal(t, 2, buf.Stats().Pending)

	require.NoError(t, buf.Shutdown(ctx))
	assert.Equal(t, []int{3, 2}, flushSizes(wh, testTable))
}

func TestBuffer_FlushCountMatchesBatchSize(t *testing.T) {
	const batchSize = 4
	ctx := context.Background()

	for n := 1; n <= 25; n++ {
		wh := setupWarehouse(t)
		buf := New(wh, testTable, Config{BatchSize: batchSize, Timeout: time.Minute})

		for i := 0; i < n; i++ {
			require.NoError(t, buf.Add(ctx, event(i)))
		}
		require.NoError(t, buf.Shutdown(ctx))

		expected := (n + batchSize - 1) / batchSize
		assert.Len(t, flushSizes(wh, testTable), expected, "n=%d", n)
		assert.Len(t, wh.Rows(testTable), n, "n=%d", n)
	}
}

func TestBuffer_PreservesInsertionOrder(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 3, Timeout: time.Minute})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Add(ctx, event(i)))
	}
	require.NoError(t, buf.Shutdown(ctx))

	ids := lo.Map(wh.Rows(testTable), func(r warehouse.Row, _ int) any { return r["event_id"] })
	assert.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids)
}

func TestBuffer_DropsUnknownFields(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 2, Timeout: time.Minute})
	defer buf.Shutdown(context.Background())

	row := event(1)
	row["scraped_at"] = time.Now()
	row["debug"] = "x"

	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, row))
	require.NoError(t, buf.Add(ctx, event(2)))

	rows := wh.Rows(testTable)
	require.Len(t, rows, 2)
	assert.NotContains(t, rows[0], "scraped_at")
	assert.NotContains(t, rows[0], "debug")
	assert.Equal(t, int64(0), buf.Stats().Failed)
}

func TestBuffer_DoesNotMutateCallerRow(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 10, Timeout: time.Minute})

	row := event(1)
	require.NoError(t, buf.Add(context.Background(), row))
	row["description"] = "changed after add"

	require.NoError(t, buf.Shutdown(context.Background()))
	assert.Equal(t, "rush", wh.Rows(testTable)[0]["description"])
}

func TestBuffer_RejectsAddAfterShutdown(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{})

	ctx := context.Background()
	require.NoError(t, buf.Shutdown(ctx))
	require.NoError(t, buf.Shutdown(ctx), "Shutdown should be idempotent")

	err := buf.Add(ctx, event(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBuffer_FailedFlushNotRetried(t *testing.T) {
	wh := setupWarehouse(t)
	wh.FailOn(memory.OpInsert, testTable, errors.New("backend unavailable"), 1)

	buf := New(wh, testTable, Config{BatchSize: 2, Timeout: time.Minute})

	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, event(1)))
	err := buf.Add(ctx, event(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")

	stats := buf.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, 0, stats.Pending, "Failed rows must not be put back")

	require.NoError(t, buf.Add(ctx, event(3)))
	require.NoError(t, buf.Add(ctx, event(4)))
	require.NoError(t, buf.Shutdown(ctx))

	assert.Len(t, wh.Rows(testTable), 2)
	assert.Equal(t, []int{2, 2}, flushSizes(wh, testTable), "No retry insert should have been issued")
}

func TestBuffer_CancelledCallerDoesNotDropOthersRows(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 2, Timeout: time.Minute})
	defer buf.Shutdown(context.Background())

	require.NoError(t, buf.Add(context.Background(), event(1)))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, buf.Add(cancelled, event(2)))

	assert.Len(t, wh.Rows(testTable), 2)
	stats := buf.Stats()
	assert.Equal(t, int64(2), stats.Flushed)
	assert.Zero(t, stats.Failed)
}

func TestBuffer_ShutdownWithCancelledContextFlushes(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 10, Timeout: time.Minute})
	require.NoError(t, buf.Add(context.Background(), event(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, buf.Shutdown(ctx))
	assert.Len(t, wh.Rows(testTable), 1)
}

func TestBuffer_PartialFlush(t *testing.T) {
	wh := setupWarehouse(t)
	// schema lookup fails, so the unknown column reaches the warehouse
	wh.FailOn(memory.OpSelect, testTable, errors.New("metadata timeout"), 1)

	buf := New(wh, testTable, Config{BatchSize: 3, Timeout: time.Minute})
	defer buf.Shutdown(context.Background())

	bad := event(2)
	bad["unknown_col"] = 1

	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, event(1)))
	require.NoError(t, buf.Add(ctx, bad))
	err := buf.Add(ctx, event(3))

	var partial *PartialFlushError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 3, partial.Total)
	require.Len(t, partial.Errors, 1)
	assert.Equal(t, 1, partial.Errors[0].Index)

	stats := buf.Stats()
	assert.Equal(t, int64(2), stats.Flushed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestBuffer_Stats(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 4, Timeout: time.Minute})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, buf.Add(ctx, event(i)))
	}

	stats := buf.Stats()
	assert.Equal(t, testTable, stats.Table)
	assert.Equal(t, int64(6), stats.Added)
	assert.Equal(t, int64(4), stats.Flushed)
	assert.Equal(t, int64(1), stats.Flushes)
	assert.Equal(t, 2, stats.Pending, "Stats must not drain the buffer")

	require.NoError(t, buf.Shutdown(ctx))
	stats = buf.Stats()
	assert.Equal(t, int64(2), stats.Flushes)
	assert.InDelta(t, 3.0, stats.AvgBatchSize, 0.001)
}

func TestBuffer_ConcurrentAdds(t *testing.T) {
	wh := setupWarehouse(t)
	buf := New(wh, testTable, Config{BatchSize: 7, Timeout: 50 * time.Millisecond})

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, buf.Add(ctx, event(g*1000+i)))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, buf.Shutdown(ctx))

	assert.Len(t, wh.Rows(testTable), 500)
	stats := buf.Stats()
	assert.Equal(t, int64(500), stats.Added)
	assert.Equal(t, int64(500), stats.Flushed)
	assert.Equal(t, 0, stats.Pending)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultCheckInterval, cfg.CheckInterval)

	short := Config{Timeout: 100 * time.Millisecond}.WithDefaults()
	assert.Equal(t, 25*time.Millisecond, short.CheckInterval)
}
