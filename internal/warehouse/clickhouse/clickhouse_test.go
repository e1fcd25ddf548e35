package clickhouse

import (
	"context"
	"testing"
	"time"

	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeIsUnsupported(t *testing.T) {
	w := &Warehouse{}

	err := w.Merge(context.Background(), warehouse.MergeStatement{Target: "game_team_scores"})
	require.Error(t, err)
	assert.ErrorIs(t, err, warehouse.ErrMergeUnsupported)
	assert.Contains(t, err.Error(), "game_team_scores")
}

func TestIdent(t *testing.T) {
	assert.Equal(t, "`game_team_scores`", ident("game_team_scores"))
	assert.Equal(t, "`odd\\`name`", ident("odd`name"))
}

func TestNormalize(t *testing.T) {
	seven := 7
	var missing *int
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"int", 42, int64(42)},
		{"int32", int32(3), int64(3)},
		{"uint16", uint16(9), int64(9)},
		{"float32", float32(1.5), float64(1.5)},
		{"pointer", &seven, int64(7)},
		{"nil pointer", missing, nil},
		{"string", "BAMA", "BAMA"},
		{"time", at, at},
		{"bool", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalize(tt.in))
		})
	}
}

func TestDeleteSQLUsesBackticks(t *testing.T) {
	w := NewFromConn(nil)

	sql, args, err := warehouse.DeleteSQL(w.dialect, "game_team_scores", goqu.Ex{"game_id": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `game_team_scores` WHERE (`game_id` IN (?, ?))", sql)
	assert.Equal(t, []any{1, 2}, args)
}

func TestDeleteWhereRefusesEmptyPredicate(t *testing.T) {
	w := NewFromConn(nil)

	_, err := w.DeleteWhere(context.Background(), "game_team_scores", goqu.Ex{})
	assert.Error(t, err)
}
