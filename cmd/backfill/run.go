package main

import (
	"context"
	"fmt"
	"time"

	"sportsdata/pipeline/internal/app"
	"sportsdata/pipeline/internal/processor"
	"sportsdata/pipeline/internal/runledger"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a processor for every date in a range",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "processor", Value: processor.ScoresProcessor},
			&cli.StringFlag{Name: "from", Required: true, Usage: "first date, YYYY-MM-DD"},
			&cli.StringFlag{Name: "to", Usage: "last date, YYYY-MM-DD (defaults to --from)"},
			&cli.StringFlag{Name: "sub-key"},
			&cli.BoolFlag{Name: "force", Usage: "run even when the ledger marks a date as done"},
			&cli.BoolFlag{Name: "keep-going", Usage: "continue with the next date after a failure"},
		},
		Action: func(c *cli.Context) error {
			dates, err := dateRange(c.String("from"), c.String("to"))
			if err != nil {
				return err
			}

			return withApp(c, func(a *app.App) error {
				return backfill(c.Context, a.Service, c.String("processor"), dates, c.String("sub-key"), c.Bool("force"), c.Bool("keep-going"))
			})
		},
	}
}

type dispatcher interface {
	Run(ctx context.Context, req processor.Request) (processor.Result, error)
}

func backfill(ctx context.Context, d dispatcher, name string, dates []time.Time, subKey string, force, keepGoing bool) error {
	var failed int
	for _, date := range dates {
		res, err := d.Run(ctx, processor.Request{
			Processor: name,
			Date:      date,
			SubKey:    subKey,
			Force:     force,
			Meta:      runledger.Meta{TriggerSource: "backfill"},
		})
		if err != nil {
			failed++
			log.Error().Err(err).Str("data_date", date.Format(processor.DateLayout)).Msg("Backfill run failed")
			if !keepGoing {
				return fmt.Errorf("backfill stopped at %s: %w", date.Format(processor.DateLayout), err)
			}
			continue
		}

		log.Info().
			Str("data_date", date.Format(processor.DateLayout)).
			Bool("skipped", res.Skipped).
			Str("decision", string(res.Decision)).
			Int("records", res.Records).
			Int("written", res.Written).
			Bool("unchanged", res.Unchanged).
			Str("mode", string(res.Mode)).
			Msg("Backfill run finished")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(dates))
	}
	return nil
}

// dateRange expands an inclusive date range. An empty to means from.
func dateRange(from, to string) ([]time.Time, error) {
	start, err := processor.ParseDate(from)
	if err != nil {
		return nil, err
	}
	end := start
	if to != "" {
		if end, err = processor.ParseDate(to); err != nil {
			return nil, err
		}
	}
	if end.Before(start) {
		return nil, fmt.Errorf("--to %s is before --from %s", to, from)
	}

	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates, nil
}
