package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sportsdata/pipeline/internal/batch"
	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/processor"
	"sportsdata/pipeline/internal/quota"
	"sportsdata/pipeline/internal/runledger"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// QuotaAuditor runs one quota audit.
type QuotaAuditor interface {
	Run(ctx context.Context) ([]quota.TableUsage, error)
}

// Runner runs one processor request.
type Runner interface {
	Run(ctx context.Context, req processor.Request) (processor.Result, error)
}

// Config holds the schedules.
type Config struct {
	QuotaCheckCron  string
	DailyRunCron    string
	DailyProcessors []string
	// LookbackDays re-runs this many days before today on every daily run,
	// picking up late score corrections. The ledger skips finished dates.
	LookbackDays  int
	StatsInterval time.Duration
	RunTimeout    time.Duration
}

// Scheduler manages the background jobs of the worker:
// - periodic quota audit
// - daily processor runs for today and the lookback window
// - buffer statistics for the pending gauge
type Scheduler struct {
	cfg      Config
	auditor  QuotaAuditor
	runner   Runner
	buffers  *batch.Registry
	cron     *cron.Cron
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg Config, auditor QuotaAuditor, runner Runner, buffers *batch.Registry) *Scheduler {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		auditor:  auditor,
		runner:   runner,
		buffers:  buffers,
		cron:     cron.New(),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Msg("Scheduler starting...")

	if s.auditor != nil && s.cfg.QuotaCheckCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.QuotaCheckCron, func() { s.RunQuotaAudit(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule quota audit: %w", err)
		}
		log.Info().Str("schedule", s.cfg.QuotaCheckCron).Msg("Quota audit scheduled")
	}

	if s.runner != nil && s.cfg.DailyRunCron != "" && len(s.cfg.DailyProcessors) > 0 {
		if _, err := s.cron.AddFunc(s.cfg.DailyRunCron, func() { s.RunDaily(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule daily runs: %w", err)
		}
		log.Info().
			Str("schedule", s.cfg.DailyRunCron).
			Strs("processors", s.cfg.DailyProcessors).
			Msg("Daily processor runs scheduled")
	}

	s.cron.Start()

	if s.buffers != nil {
		s.wg.Add(1)
		go s.reportStats(ctx)
	}
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		log.Info().Msg("Stopping scheduler...")
		<-s.cron.Stop().Done()
		close(s.stopChan)
		s.wg.Wait()
		log.Info().Msg("Scheduler stopped")
	})
}

// RunQuotaAudit runs one quota audit
func (s *Scheduler) RunQuotaAudit(ctx context.Context) {
	usage, err := s.auditor.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Quota audit failed")
		return
	}
	for _, u := range usage {
		if u.Level != quota.LevelHealthy {
			log.Debug().Str("table", u.Table).Str("level", string(u.Level)).Msg("Table above quota warning level")
		}
	}
}

// RunDaily runs every daily processor for today and the lookback days,
// oldest first. Failures are logged and do not stop the other runs.
func (s *Scheduler) RunDaily(ctx context.Context) {
	today := s.now().UTC().Truncate(24 * time.Hour)
	start := time.Now()

	for _, name := range s.cfg.DailyProcessors {
		for back := s.cfg.LookbackDays; back >= 0; back-- {
			date := today.AddDate(0, 0, -back)

			runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
			res, err := s.runner.Run(runCtx, processor.Request{
				Processor: name,
				Date:      date,
				Meta:      runledger.Meta{TriggerSource: "scheduler"},
			})
			cancel()

			if err != nil {
				log.Error().Err(err).Str("processor", name).Str("data_date", date.Format(processor.DateLayout)).Msg("Scheduled run failed")
				continue
			}
			log.Debug().
				Str("processor", name).
				Str("data_date", date.Format(processor.DateLayout)).
				Bool("skipped", res.Skipped).
				Int("records", res.Records).
				Msg("Scheduled run finished")
		}
	}

	log.Info().Dur("duration", time.Since(start)).Msg("Daily processor runs complete")
}

func (s *Scheduler) reportStats(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			for _, st := range s.buffers.Stats() {
				metrics.SetBatchPending(st.Table, st.Pending)
				log.Debug().
					Str("table", st.Table).
					Int64("added", st.Added).
					Int64("flushed", st.Flushed).
					Int64("failed", st.Failed).
					Int("pending", st.Pending).
					Msg("Batch buffer stats")
			}
		}
	}
}
