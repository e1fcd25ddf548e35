package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"sportsdata/pipeline/internal/batch"
	"sportsdata/pipeline/internal/cache"
	"sportsdata/pipeline/internal/warehouse"
	"sportsdata/pipeline/internal/warehouse/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)

type recordingAlerter struct {
	alerts []TableUsage
}

func (a *recordingAlerter) Alert(_ context.Context, u TableUsage) error {
	a.alerts = append(a.alerts, u)
	return nil
}

func seedJobs(wh *memory.Warehouse, table string, jobs int, rowsPerJob int64, at time.Time) {
	for i := 0; i < jobs; i++ {
		wh.Seed(warehouse.LoadJobsTable, warehouse.Row{
			"job_id":     table + "-" + at.Format(time.RFC3339) + "-" + string(rune('a'+i%26)),
			"table_name": table,
			"write_mode": string(warehouse.WriteAppend),
			"row_count":  rowsPerJob,
			"created_at": at,
		})
	}
}

func TestCountLoadOperations(t *testing.T) {
	wh := memory.New()
	seedJobs(wh, "games", 3, 50, now.Add(-time.Hour))
	seedJobs(wh, "odds", 2, 500, now.Add(-2*time.Hour))
	seedJobs(wh, "games", 4, 50, now.Add(-30*time.Hour)) // outside the window

	m := New(wh, Config{}, WithClock(func() time.Time { return now }))

	counts, err := m.CountLoadOperations(context.Background(), "", 24)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, 3, counts["games"].Jobs)
	assert.Equal(t, int64(150), counts["games"].Rows)
	assert.Equal(t, 2, counts["odds"].Jobs)

	only, err := m.CountLoadOperations(context.Background(), "odds", 24)
	require.NoError(t, err)
	assert.Len(t, only, 1)
	assert.Contains(t, only, "odds")
}

func TestCountLoadOperations_CountsRealLoads(t *testing.T) {
	wh := memory.New(memory.WithClock(func() time.Time { return now }))
	wh.CreateTable("games", "game_id")

	_, err := wh.LoadBulk(context.Background(), "games", []warehouse.Row{{"game_id": 1}}, warehouse.WriteAppend)
	require.NoError(t, err)

	m := New(wh, Config{}, WithClock(func() time.Time { return now }))
	counts, err := m.CountLoadOperations(context.Background(), "games", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["games"].Jobs)
}

func TestCheckThresholds(t *testing.T) {
	counts := map[string]Counter{
		"healthy":  {Jobs: 10},
		"warning":  {Jobs: 80},
		"critical": {Jobs: 96},
		"exceeded": {Jobs: 100},
	}

	usage := CheckThresholds(counts, 100, 0.8, 0.95)
	require.Len(t, usage, 4)

	levels := map[string]Level{}
	for _, u := range usage {
		levels[u.Table] = u.Level
	}
	assert.Equal(t, LevelHealthy, levels["healthy"])
	assert.Equal(t, LevelWarning, levels["warning"])
	assert.Equal(t, LevelCritical, levels["critical"])
	assert.Equal(t, LevelExceeded, levels["exceeded"])

	assert.Equal(t, "exceeded", usage[0].Table, "Most loaded table first")
	assert.ErrorIs(t, usage[0].Err(), warehouse.ErrQuotaExceeded)
	assert.NoError(t, usage[1].Err())
}

func TestRecommend(t *testing.T) {
	u := TableUsage{Table: "odds", Count: 1300, Rows: 13000, Limit: 1500, Level: LevelWarning}
	recs := Recommend(u, 24)

	require.Len(t, recs, 3)
	assert.Contains(t, recs[0], "streaming")
	assert.Contains(t, recs[1], "increase batch size")
	assert.Contains(t, recs[2], "sample")

	assert.Empty(t, Recommend(TableUsage{Table: "games", Count: 2, Rows: 400, Limit: 1500, Level: LevelHealthy}, 24))
	assert.Empty(t, Recommend(TableUsage{Table: "games", Count: 3, Rows: 30, Limit: 1500, Level: LevelHealthy}, 24),
		"Small healthy loads need no advice")
}

func TestCheckThresholds_NonPositiveLimit(t *testing.T) {
	counts := map[string]Counter{"games": {Jobs: 3}}
	assert.Empty(t, CheckThresholds(counts, 0, 0.8, 0.95))
	assert.Empty(t, CheckThresholds(counts, -1, 0.8, 0.95))
}

func TestRun_AlertsAndRecordsFindings(t *testing.T) {
	wh := memory.New()
	wh.CreateTable(DefaultFindingsTable, FindingsColumns...)
	seedJobs(wh, "games", 9, 10, now.Add(-time.Hour))
	seedJobs(wh, "odds", 1, 1000, now.Add(-time.Hour))

	findings := batch.New(wh, DefaultFindingsTable, batch.Config{BatchSize: 100, Timeout: time.Minute})
	alerter := &recordingAlerter{}

	m := New(wh, Config{DailyLimit: 10},
		WithClock(func() time.Time { return now }),
		WithAlerter(alerter),
		WithSink(findings),
	)

	usage, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, 2)

	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, "games", alerter.alerts[0].Table)
	assert.Equal(t, LevelWarning, alerter.alerts[0].Level)
	assert.NotEmpty(t, alerter.alerts[0].Recommendations)

	require.NoError(t, findings.Shutdown(context.Background()))
	rows := wh.Rows(DefaultFindingsTable)
	require.Len(t, rows, 2)
	assert.Equal(t, "games", rows[0]["table_name"])
	assert.Equal(t, "warning", rows[0]["level"])
}

func TestRun_CooldownSuppressesRepeatAlerts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	wh := memory.New()
	seedJobs(wh, "games", 10, 10, now.Add(-time.Hour))

	alerter := &recordingAlerter{}
	cooldown := cache.NewFromClient(client, "test")

	// two workers sharing the same redis
	for i := 0; i < 2; i++ {
		m := New(wh, Config{DailyLimit: 10},
			WithClock(func() time.Time { return now }),
			WithAlerter(alerter),
			WithCooldown(cooldown),
		)
		_, err := m.Run(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, LevelExceeded, alerter.alerts[0].Level)
}

type brokenCooldown struct{}

func (brokenCooldown) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenCooldown) Release(context.Context, string) error {
	return errors.New("redis down")
}

func TestRun_CooldownFailureStillAlerts(t *testing.T) {
	wh := memory.New()
	seedJobs(wh, "games", 10, 10, now.Add(-time.Hour))

	alerter := &recordingAlerter{}
	m := New(wh, Config{DailyLimit: 10},
		WithClock(func() time.Time { return now }),
		WithAlerter(alerter),
		WithCooldown(brokenCooldown{}),
	)

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, alerter.alerts, 1)
}

func TestRun_AuditFailure(t *testing.T) {
	wh := memory.New()
	wh.FailOn(memory.OpSelect, warehouse.LoadJobsTable, errors.New("permission denied"), 1)

	m := New(wh, Config{})
	_, err := m.Run(context.Background())
	assert.Error(t, err)
}

type flakyAlerter struct {
	failures int
	alerts   []TableUsage
}

func (a *flakyAlerter) Alert(_ context.Context, u TableUsage) error {
	if a.failures > 0 {
		a.failures--
		return errors.New("webhook returned 502")
	}
	a.alerts = append(a.alerts, u)
	return nil
}

func TestRun_FailedAlertReleasesCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	wh := memory.New()
	seedJobs(wh, "games", 10, 10, now.Add(-time.Hour))

	alerter := &flakyAlerter{failures: 1}
	m := New(wh, Config{DailyLimit: 10},
		WithClock(func() time.Time { return now }),
		WithAlerter(alerter),
		WithCooldown(cache.NewFromClient(client, "test")),
	)

	ctx := context.Background()
	_, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerter.alerts)
	assert.False(t, mr.Exists("test:quota-alert:games:exceeded"))

	_, err = m.Run(ctx)
	require.NoError(t, err)
	require.Len(t, alerter.alerts, 1)
	assert.True(t, mr.Exists("test:quota-alert:games:exceeded"))
}
