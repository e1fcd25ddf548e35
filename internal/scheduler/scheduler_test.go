package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sportsdata/pipeline/internal/batch"
	"sportsdata/pipeline/internal/processor"
	"sportsdata/pipeline/internal/quota"
	"sportsdata/pipeline/internal/warehouse/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []processor.Request
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req processor.Request) (processor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return processor.Result{}, f.err
}

type fakeAuditor struct {
	calls int
	err   error
}

func (f *fakeAuditor) Run(context.Context) ([]quota.TableUsage, error) {
	f.calls++
	return []quota.TableUsage{{Table: "game_team_scores", Level: quota.LevelWarning}}, f.err
}

func TestRunDailyCoversLookbackOldestFirst(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(Config{DailyProcessors: []string{"scores"}, LookbackDays: 2}, nil, runner, nil)
	s.now = func() time.Time { return time.Date(2025, 1, 3, 17, 30, 0, 0, time.UTC) }

	s.RunDaily(context.Background())

	require.Len(t, runner.reqs, 3)
	assert.Equal(t, "2025-01-01", runner.reqs[0].Date.Format(processor.DateLayout))
	assert.Equal(t, "2025-01-03", runner.reqs[2].Date.Format(processor.DateLayout))
	for _, r := range runner.reqs {
		assert.Equal(t, "scores", r.Processor)
		assert.Equal(t, "scheduler", r.Meta.TriggerSource)
		assert.False(t, r.Force)
	}
}

func TestRunDailyContinuesAfterFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	s := NewScheduler(Config{DailyProcessors: []string{"scores", "odds"}}, nil, runner, nil)

	s.RunDaily(context.Background())
	assert.Len(t, runner.reqs, 2)
}

func TestRunQuotaAudit(t *testing.T) {
	auditor := &fakeAuditor{}
	s := NewScheduler(Config{}, auditor, nil, nil)

	s.RunQuotaAudit(context.Background())
	assert.Equal(t, 1, auditor.calls)

	auditor.err = errors.New("audit log unavailable")
	s.RunQuotaAudit(context.Background())
	assert.Equal(t, 2, auditor.calls)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(Config{QuotaCheckCron: "whenever"}, &fakeAuditor{}, nil, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	buffers := batch.NewRegistry(memory.New(), batch.Config{})
	s := NewScheduler(Config{
		QuotaCheckCron:  "*/15 * * * *",
		DailyRunCron:    "0 6 * * *",
		DailyProcessors: []string{"scores"},
		StatsInterval:   10 * time.Millisecond,
	}, &fakeAuditor{}, &fakeRunner{}, buffers)

	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.cron.Entries(), 2)

	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}
