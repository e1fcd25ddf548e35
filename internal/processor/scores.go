package processor

import (
	"context"
	"fmt"
	"time"

	"sportsdata/pipeline/internal/models"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/rs/zerolog/log"
)

// ScoresProcessor is the name of the reference game scores processor.
const ScoresProcessor = "scores"

// GamesFetcher loads the games of one date.
type GamesFetcher interface {
	FetchGamesByDate(ctx context.Context, date time.Time) ([]models.GameInput, error)
}

// ScoresProducer turns a date's games into per-team score rows.
type ScoresProducer struct {
	fetcher GamesFetcher
	now     func() time.Time
}

// NewScoresProducer creates a ScoresProducer.
func NewScoresProducer(fetcher GamesFetcher) *ScoresProducer {
	return &ScoresProducer{fetcher: fetcher, now: time.Now}
}

// Produce fetches the games of date. A non-empty subKey keeps only games
// involving that team code.
func (p *ScoresProducer) Produce(ctx context.Context, date time.Time, subKey string) ([]warehouse.Row, error) {
	games, err := p.fetcher.FetchGamesByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch games for %s: %w", date.Format(DateLayout), err)
	}

	fetchedAt := p.now()
	var rows []warehouse.Row
	for i := range games {
		g := &games[i]
		if subKey != "" && g.HomeTeam != subKey && g.AwayTeam != subKey {
			continue
		}
		rows = append(rows, g.TeamRows(date, fetchedAt)...)
	}

	log.Debug().
		Str("data_date", date.Format(DateLayout)).
		Int("games", len(games)).
		Int("rows", len(rows)).
		Msg("Produced score rows")
	return rows, nil
}

// MeaningfulFields implements Producer.
func (p *ScoresProducer) MeaningfulFields() []string {
	return models.GameScoreFields
}

// ScoresDefinition is the reference processor: replace the date's game
// scores through the staging upsert.
func ScoresDefinition(fetcher GamesFetcher) Definition {
	return Definition{
		Name:           ScoresProcessor,
		Table:          models.GameScoresTable,
		KeyFields:      models.GameScoreKeys,
		PartitionField: "game_date",
		RecencyField:   "fetched_at",
		Strategy:       StrategyUpsert,
		Producer:       NewScoresProducer(fetcher),
	}
}
