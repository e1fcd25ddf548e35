package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"sportsdata/pipeline/internal/processor"
	"sportsdata/pipeline/internal/quota"
	"sportsdata/pipeline/internal/runledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	reqs   []processor.Request
	failOn string
}

func (d *recordingDispatcher) Run(_ context.Context, req processor.Request) (processor.Result, error) {
	d.reqs = append(d.reqs, req)
	if req.Date.Format(processor.DateLayout) == d.failOn {
		return processor.Result{}, errors.New("boom")
	}
	return processor.Result{Records: 2}, nil
}

func TestDateRange(t *testing.T) {
	dates, err := dateRange("2024-12-30", "2025-01-02")
	require.NoError(t, err)
	require.Len(t, dates, 4)
	assert.Equal(t, "2025-01-02", dates[3].Format(processor.DateLayout))

	single, err := dateRange("2025-01-01", "")
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = dateRange("2025-01-02", "2025-01-01")
	assert.Error(t, err)

	_, err = dateRange("Jan 1", "")
	assert.ErrorIs(t, err, processor.ErrInvalidRequest)
}

func TestBackfillStopsOnFailure(t *testing.T) {
	d := &recordingDispatcher{failOn: "2025-01-02"}
	dates, _ := dateRange("2025-01-01", "2025-01-03")

	err := backfill(context.Background(), d, "scores", dates, "", true, false)
	require.Error(t, err)
	assert.Len(t, d.reqs, 2)
	assert.True(t, d.reqs[0].Force)
	assert.Equal(t, "backfill", d.reqs[0].Meta.TriggerSource)
}

func TestBackfillKeepGoing(t *testing.T) {
	d := &recordingDispatcher{failOn: "2025-01-02"}
	dates, _ := dateRange("2025-01-01", "2025-01-03")

	err := backfill(context.Background(), d, "scores", dates, "UGA", false, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 runs failed")
	assert.Len(t, d.reqs, 3)
	assert.Equal(t, "UGA", d.reqs[2].SubKey)
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf, []quota.TableUsage{{
		Table:           "game_team_scores",
		Count:           1200,
		Limit:           1500,
		Ratio:           0.8,
		Level:           quota.LevelWarning,
		Recommendations: []string{"increase batch size"},
	}})

	out := buf.String()
	assert.Contains(t, out, "game_team_scores")
	assert.Contains(t, out, "80.0%")
	assert.Contains(t, out, "- increase batch size")
}

func TestPrintClaims(t *testing.T) {
	var buf bytes.Buffer
	printClaims(&buf, []runledger.Claim{
		{RunID: "r1", Status: runledger.StatusFailed, StartedAt: time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC), ErrorMessage: "line one\nline two"},
	})

	out := buf.String()
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "line one line two")
}
