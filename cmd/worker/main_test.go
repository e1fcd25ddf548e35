package main

import (
	"context"
	"testing"

	"sportsdata/pipeline/internal/quota"
	"sportsdata/pipeline/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleAuditor struct{}

func (idleAuditor) Run(context.Context) ([]quota.TableUsage, error) { return nil, nil }

func TestStartSchedulerFailureCancelsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := scheduler.NewScheduler(scheduler.Config{QuotaCheckCron: "whenever"}, idleAuditor{}, nil, nil)
	require.Error(t, startScheduler(ctx, s, cancel))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	s.Stop()
}

func TestStartScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := scheduler.NewScheduler(scheduler.Config{QuotaCheckCron: "*/15 * * * *"}, idleAuditor{}, nil, nil)
	require.NoError(t, startScheduler(ctx, s, cancel))
	assert.NoError(t, ctx.Err())
	s.Stop()
}
