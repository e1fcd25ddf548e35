package runledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sportsdata/pipeline/internal/warehouse"
)

// Status is the state recorded on a run history row.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
	StatusSkipped Status = "skipped"
)

// Decision is the outcome of evaluating the latest row for a key.
type Decision string

const (
	// DecisionNotClaimed means no row exists for the key.
	DecisionNotClaimed Decision = "not_claimed"
	// DecisionClaimedActive means another worker holds a fresh running claim.
	DecisionClaimedActive Decision = "claimed_active"
	// DecisionStale means the latest running claim is older than the stale threshold.
	DecisionStale Decision = "stale"
	// DecisionDone means a run finished with records.
	DecisionDone Decision = "done"
	// DecisionRetryEmpty means the last run finished without active records.
	DecisionRetryEmpty Decision = "retry_empty"
	// DecisionRetryFailed means the last run failed or was skipped.
	DecisionRetryFailed Decision = "retry_failed"
	// DecisionLookupFailed means the history could not be read.
	DecisionLookupFailed Decision = "lookup_failed"
)

// Skip reports whether the work should not be started.
func (d Decision) Skip() bool {
	return d == DecisionClaimedActive || d == DecisionDone
}

// EmptyRunPolicy decides what a completed run without records means.
type EmptyRunPolicy string

const (
	// RetryEmpty re-runs keys whose last run processed nothing.
	RetryEmpty EmptyRunPolicy = "retry"
	// AcceptEmpty treats an empty completed run as final.
	AcceptEmpty EmptyRunPolicy = "accept"
)

// ParseEmptyRunPolicy parses a policy name.
func ParseEmptyRunPolicy(s string) (EmptyRunPolicy, error) {
	switch p := EmptyRunPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RetryEmpty, AcceptEmpty:
		return p, nil
	case "":
		return RetryEmpty, nil
	default:
		return "", fmt.Errorf("unknown empty run policy %q", s)
	}
}

// Key identifies one logical unit of work.
type Key struct {
	Processor string
	DataDate  string
	SubKey    string
}

func (k Key) subKey() any {
	if k.SubKey == "" {
		return nil
	}
	return k.SubKey
}

func (k Key) String() string {
	if k.SubKey == "" {
		return k.Processor + "/" + k.DataDate
	}
	return k.Processor + "/" + k.DataDate + "/" + k.SubKey
}

// Meta carries what triggered a run.
type Meta struct {
	TriggerSource    string
	TriggerMessageID string
}

// Outcome is the result reported when a run finishes.
type Outcome struct {
	Status            Status
	RecordsProcessed  int
	ZeroActiveRecords bool
	Summary           map[string]any
	Err               error
}

// Run is a claimed, not yet completed run.
type Run struct {
	ID        string
	Key       Key
	Meta      Meta
	StartedAt time.Time
}

func (r *Run) row(status Status) warehouse.Row {
	return warehouse.Row{
		"processor_name":     r.Key.Processor,
		"run_id":             r.ID,
		"status":             string(status),
		"data_date":          r.Key.DataDate,
		"sub_key":            r.Key.subKey(),
		"started_at":         r.StartedAt,
		"trigger_source":     nullable(r.Meta.TriggerSource),
		"trigger_message_id": nullable(r.Meta.TriggerMessageID),
	}
}

// Claim is one decoded run history row.
type Claim struct {
	RunID             string
	Processor         string
	DataDate          string
	SubKey            string
	Status            Status
	StartedAt         time.Time
	ProcessedAt       time.Time
	RecordsProcessed  int64
	ZeroActiveRecords bool
	Summary           map[string]any
	TriggerSource     string
	TriggerMessageID  string
	ErrorMessage      string
}

func decodeClaim(r warehouse.Row) Claim {
	c := Claim{
		RunID:             warehouse.AsString(r["run_id"]),
		Processor:         warehouse.AsString(r["processor_name"]),
		DataDate:          dateString(r["data_date"]),
		SubKey:            warehouse.AsString(r["sub_key"]),
		Status:            Status(warehouse.AsString(r["status"])),
		ZeroActiveRecords: warehouse.AsBool(r["zero_active_records"]),
		TriggerSource:     warehouse.AsString(r["trigger_source"]),
		TriggerMessageID:  warehouse.AsString(r["trigger_message_id"]),
		ErrorMessage:      warehouse.AsString(r["error_message"]),
	}
	c.StartedAt, _ = warehouse.AsTime(r["started_at"])
	c.ProcessedAt, _ = warehouse.AsTime(r["processed_at"])
	c.RecordsProcessed, _ = warehouse.AsInt64(r["records_processed"])

	if s := warehouse.AsString(r["summary"]); s != "" {
		if err := json.Unmarshal([]byte(s), &c.Summary); err != nil {
			c.Summary = map[string]any{"raw": s}
		}
	}
	return c
}

func dateString(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02")
	}
	return warehouse.AsString(v)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
