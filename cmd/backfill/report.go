package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"sportsdata/pipeline/internal/app"
	"sportsdata/pipeline/internal/quota"
	"sportsdata/pipeline/internal/runledger"

	"github.com/urfave/cli/v2"
)

func quotaCommand() *cli.Command {
	return &cli.Command{
		Name:  "quota",
		Usage: "print bulk load usage per table",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "table", Usage: "limit the report to one table"},
			&cli.IntFlag{Name: "window", Value: quota.DefaultWindowHours, Usage: "window in hours"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(a *app.App) error {
				counts, err := a.Quota.CountLoadOperations(c.Context, c.String("table"), c.Int("window"))
				if err != nil {
					return err
				}
				cfg := a.Config
				usage := quota.CheckThresholds(counts, cfg.QuotaDailyLimit, cfg.QuotaWarnPct, cfg.QuotaCritPct)
				for i := range usage {
					usage[i].Recommendations = quota.Recommend(usage[i], c.Int("window"))
				}
				printUsage(c.App.Writer, usage)
				return nil
			})
		},
	}
}

func claimsCommand() *cli.Command {
	return &cli.Command{
		Name:  "claims",
		Usage: "print the run history of one processor date",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "processor", Required: true},
			&cli.StringFlag{Name: "date", Required: true},
			&cli.StringFlag{Name: "sub-key"},
		},
		Action: func(c *cli.Context) error {
			key := runledger.Key{
				Processor: c.String("processor"),
				DataDate:  c.String("date"),
				SubKey:    c.String("sub-key"),
			}
			return withApp(c, func(a *app.App) error {
				history, err := a.Ledger.History(c.Context, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s: %s\n", key, a.Ledger.Check(c.Context, key))
				printClaims(c.App.Writer, history)
				return nil
			})
		},
	}
}

func printUsage(w io.Writer, usage []quota.TableUsage) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tJOBS\tROWS\tLIMIT\tUSAGE\tLEVEL")
	for _, u := range usage {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f%%\t%s\n", u.Table, u.Count, u.Rows, u.Limit, u.Ratio*100, u.Level)
	}
	tw.Flush()

	for _, u := range usage {
		for _, r := range u.Recommendations {
			fmt.Fprintf(w, "- %s\n", r)
		}
	}
}

func printClaims(w io.Writer, history []runledger.Claim) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tPROCESSED\tRECORDS\tSOURCE\tERROR")
	for _, c := range history {
		processed := "-"
		if !c.ProcessedAt.IsZero() {
			processed = c.ProcessedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.RunID,
			c.Status,
			c.StartedAt.Format(time.RFC3339),
			processed,
			c.RecordsProcessed,
			c.TriggerSource,
			strings.ReplaceAll(c.ErrorMessage, "\n", " "),
		)
	}
	tw.Flush()
}
