package postgres

import (
	"testing"

	"sportsdata/pipeline/internal/warehouse"

	"github.com/stretchr/testify/assert"
)

func TestMergeSQL(t *testing.T) {
	sql := MergeSQL(warehouse.MergeStatement{
		Target:  "game_team_scores",
		Source:  "game_team_scores_staging_ab12cd34",
		Keys:    []string{"game_id", "team_code"},
		Columns: []string{"game_id", "team_code", "points"},
	})

	assert.Equal(t,
		`MERGE INTO "game_team_scores" AS t USING "game_team_scores_staging_ab12cd34" AS s`+
			` ON t."game_id" = s."game_id" AND t."team_code" = s."team_code"`+
			` WHEN MATCHED THEN UPDATE SET "points" = s."points"`+
			` WHEN NOT MATCHED THEN INSERT ("game_id", "team_code", "points") VALUES (s."game_id", s."team_code", s."points")`,
		sql,
	)
}

func TestMergeSQL_KeyOnlyColumns(t *testing.T) {
	sql := MergeSQL(warehouse.MergeStatement{
		Target:  "t",
		Source:  "s",
		Keys:    []string{"id"},
		Columns: []string{"id"},
	})

	assert.NotContains(t, sql, "WHEN MATCHED")
	assert.Contains(t, sql, "WHEN NOT MATCHED THEN INSERT")
}

func TestMergeSQL_QuotesIdentifiers(t *testing.T) {
	sql := MergeSQL(warehouse.MergeStatement{
		Target:  `odd"name`,
		Source:  "s",
		Keys:    []string{"id"},
		Columns: []string{"id", "v"},
	})

	assert.Contains(t, sql, `"odd""name"`)
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", User: "u", Password: "p", Database: "pipeline", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/pipeline?sslmode=disable", cfg.DSN())
}
