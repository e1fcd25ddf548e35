package main

import (
	"os"
	"time"

	"sportsdata/pipeline/internal/app"
	"sportsdata/pipeline/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := cli.App{
		Name:  "backfill",
		Usage: "run pipeline processors and inspect pipeline state from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"LOG_LEVEL"}},
		},
		Before: func(c *cli.Context) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			quotaCommand(),
			claimsCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// withApp loads configuration, opens the pipeline and closes it after fn,
// flushing any buffered rows.
func withApp(c *cli.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := app.Open(c.Context, cfg)
	if err != nil {
		return err
	}

	runErr := fn(a)
	if err := a.Close(c.Context); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
