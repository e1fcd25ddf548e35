// Package quota audits how many bulk-load operations each table issued in a
// rolling window and raises alerts as tables approach the daily cap. It is
// read-only apart from alerts and its own findings.
package quota

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/warehouse"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDailyLimit    = 1500
	DefaultWarnPct       = 0.8
	DefaultCritPct       = 0.95
	DefaultWindowHours   = 24
	DefaultFindingsTable = "quota_usage_findings"
	DefaultAlertCooldown = time.Hour

	defaultLookupTimeout = 30 * time.Second
)

// FindingsColumns is the layout of the findings table.
var FindingsColumns = []string{
	"checked_at",
	"table_name",
	"load_jobs",
	"rows_loaded",
	"daily_limit",
	"usage_ratio",
	"level",
	"recommendations",
}

// Level buckets a table's usage.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

// Counter is the derived load activity of one table in the window.
type Counter struct {
	Jobs  int
	Rows  int64
	First time.Time
	Last  time.Time
}

// TableUsage is one table's position against the limit.
type TableUsage struct {
	Table           string
	Count           int
	Rows            int64
	Limit           int
	Ratio           float64
	Level           Level
	Recommendations []string
}

// Err returns a warehouse.ErrQuotaExceeded error for exhausted tables.
func (u TableUsage) Err() error {
	if u.Level != LevelExceeded {
		return nil
	}
	return fmt.Errorf("%w: %s issued %d of %d load jobs", warehouse.ErrQuotaExceeded, u.Table, u.Count, u.Limit)
}

// Config controls the monitor.
type Config struct {
	AuditTable    string
	DailyLimit    int
	WarnPct       float64
	CritPct       float64
	WindowHours   int
	AlertCooldown time.Duration
	LookupTimeout time.Duration
}

// Alerter delivers an alert for a table above the warning level.
type Alerter interface {
	Alert(ctx context.Context, usage TableUsage) error
}

// Cooldown suppresses repeated alerts across workers. Acquire reports
// whether the caller may alert for key now; Release gives the key back when
// the alert could not be delivered.
type Cooldown interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Sink receives finding rows.
type Sink interface {
	Add(ctx context.Context, row warehouse.Row) error
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithAlerter(a Alerter) Option   { return func(m *Monitor) { m.alerter = a } }
func WithCooldown(c Cooldown) Option { return func(m *Monitor) { m.cooldown = c } }
func WithSink(s Sink) Option         { return func(m *Monitor) { m.sink = s } }

// WithClock overrides the monitor clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is the quota usage monitor.
type Monitor struct {
	client   warehouse.Selector
	cfg      Config
	alerter  Alerter
	cooldown Cooldown
	sink     Sink
	now      func() time.Time
}

// New creates a Monitor that alerts through the log unless WithAlerter is given.
func New(client warehouse.Selector, cfg Config, opts ...Option) *Monitor {
	if cfg.AuditTable == "" {
		cfg.AuditTable = warehouse.LoadJobsTable
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.WarnPct <= 0 {
		cfg.WarnPct = DefaultWarnPct
	}
	if cfg.CritPct <= 0 {
		cfg.CritPct = DefaultCritPct
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = DefaultWindowHours
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = DefaultAlertCooldown
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}

	m := &Monitor{
		client:  client,
		cfg:     cfg,
		alerter: LogAlerter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CountLoadOperations groups the load job audit log by target table over the
// last windowHours. An empty table counts every table. Staging tables are
// left out: each receives a single load before it is dropped.
func (m *Monitor) CountLoadOperations(ctx context.Context, table string, windowHours int) (map[string]Counter, error) {
	if windowHours <= 0 {
		windowHours = m.cfg.WindowHours
	}
	since := m.now().Add(-time.Duration(windowHours) * time.Hour)

	where := goqu.Ex{"created_at": goqu.Op{"gte": since}}
	if table != "" {
		where["table_name"] = table
	}

	lookupCtx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()

	rows, err := m.client.Select(lookupCtx, warehouse.Select{
		Table:   m.cfg.AuditTable,
		Columns: []string{"table_name", "row_count", "created_at"},
		Where:   where,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read load job audit log: %w", err)
	}

	counts := make(map[string]Counter)
	for _, r := range rows {
		name := warehouse.AsString(r["table_name"])
		if warehouse.IsStaging(name) {
			continue
		}
		n, _ := warehouse.AsInt64(r["row_count"])
		at, _ := warehouse.AsTime(r["created_at"])

		c := counts[name]
		c.Jobs++
		c.Rows += n
		if c.First.IsZero() || at.Before(c.First) {
			c.First = at
		}
		if at.After(c.Last) {
			c.Last = at
		}
		counts[name] = c
	}
	return counts, nil
}

// CheckThresholds buckets each table by its ratio to limit, most loaded first.
// A non-positive limit yields no usage.
func CheckThresholds(counts map[string]Counter, limit int, warnPct, critPct float64) []TableUsage {
	if limit <= 0 {
		return nil
	}
	usage := make([]TableUsage, 0, len(counts))
	for table, c := range counts {
		ratio := float64(c.Jobs) / float64(limit)

		level := LevelHealthy
		switch {
		case c.Jobs >= limit:
			level = LevelExceeded
		case ratio >= critPct:
			level = LevelCritical
		case ratio >= warnPct:
			level = LevelWarning
		}

		usage = append(usage, TableUsage{
			Table: table,
			Count: c.Jobs,
			Rows:  c.Rows,
			Limit: limit,
			Ratio: ratio,
			Level: level,
		})
	}

	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Ratio != usage[j].Ratio {
			return usage[i].Ratio > usage[j].Ratio
		}
		return usage[i].Table < usage[j].Table
	})
	return usage
}

// Recommend suggests ways to reduce a table's load job count.
func Recommend(u TableUsage, windowHours int) []string {
	var recs []string

	if u.Level != LevelHealthy {
		recs = append(recs, fmt.Sprintf("route high-frequency writes to %s through the streaming batch buffer instead of load jobs", u.Table))
	}
	if u.Level != LevelHealthy && u.Count > 0 {
		if avg := float64(u.Rows) / float64(u.Count); avg < 100 {
			recs = append(recs, fmt.Sprintf("increase batch size: %s averages %.0f rows per load job", u.Table, avg))
		}
	}
	if windowHours > 0 {
		perHour := float64(u.Count) / float64(windowHours)
		if perHour > float64(u.Limit)/float64(24)/2 {
			recs = append(recs, fmt.Sprintf("sample high-frequency events for %s: %.1f load jobs per hour", u.Table, perHour))
		}
	}
	return recs
}

// Run audits every table, updates gauges, alerts on tables above the
// warning level and writes one finding per table to the sink.
func (m *Monitor) Run(ctx context.Context) ([]TableUsage, error) {
	counts, err := m.CountLoadOperations(ctx, "", m.cfg.WindowHours)
	if err != nil {
		metrics.RecordError("quota", "audit")
		return nil, err
	}

	usage := CheckThresholds(counts, m.cfg.DailyLimit, m.cfg.WarnPct, m.cfg.CritPct)
	checkedAt := m.now().UTC()

	for i := range usage {
		u := &usage[i]
		u.Recommendations = Recommend(*u, m.cfg.WindowHours)
		metrics.UpdateQuotaUsage(u.Table, u.Count, u.Ratio)

		if u.Level != LevelHealthy {
			m.alert(ctx, *u)
		}
		m.record(ctx, checkedAt, *u)
	}

	log.Info().
		Int("tables", len(usage)).
		Int("window_hours", m.cfg.WindowHours).
		Msg("Quota audit completed")
	return usage, nil
}

func (m *Monitor) alert(ctx context.Context, u TableUsage) {
	key := fmt.Sprintf("quota-alert:%s:%s", u.Table, u.Level)
	held := false
	if m.cooldown != nil {
		ok, err := m.cooldown.Acquire(ctx, key, m.cfg.AlertCooldown)
		if err != nil {
			log.Debug().Err(err).Str("table", u.Table).Msg("Alert cooldown unavailable, alerting anyway")
		} else if !ok {
			return
		}
		held = err == nil
	}

	if err := m.alerter.Alert(ctx, u); err != nil {
		log.Warn().Err(err).Str("table", u.Table).Msg("Failed to deliver quota alert")
		metrics.RecordError("quota", "alert")
		if held {
			if err := m.cooldown.Release(ctx, key); err != nil {
				log.Debug().Err(err).Str("table", u.Table).Msg("Failed to release alert cooldown")
			}
		}
		return
	}
	metrics.RecordQuotaAlert(u.Table, string(u.Level))
}

func (m *Monitor) record(ctx context.Context, at time.Time, u TableUsage) {
	if m.sink == nil {
		return
	}
	err := m.sink.Add(ctx, warehouse.Row{
		"checked_at":      at,
		"table_name":      u.Table,
		"load_jobs":       int64(u.Count),
		"rows_loaded":     u.Rows,
		"daily_limit":     int64(u.Limit),
		"usage_ratio":     u.Ratio,
		"level":           string(u.Level),
		"recommendations": strings.Join(u.Recommendations, "; "),
	})
	if err != nil {
		log.Warn().Err(err).Str("table", u.Table).Msg("Failed to record quota finding")
	}
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct{}

// Alert implements Alerter.
func (LogAlerter) Alert(_ context.Context, u TableUsage) error {
	ev := log.Warn()
	if u.Level == LevelCritical || u.Level == LevelExceeded {
		ev = log.Error()
	}
	if err := u.Err(); err != nil {
		ev = ev.Err(err)
	}
	ev.Str("table", u.Table).
		Str("level", string(u.Level)).
		Int("load_jobs", u.Count).
		Int("limit", u.Limit).
		Float64("ratio", u.Ratio).
		Strs("recommendations", u.Recommendations).
		Msg("Bulk load quota alert")
	return nil
}
