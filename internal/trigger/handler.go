// Package trigger exposes the push endpoint that at-least-once trigger
// sources (Pub/Sub push subscriptions, Cloud Scheduler, manual curl) call to
// start a processor run. Duplicate deliveries are absorbed by the run ledger.
package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/processor"
	"sportsdata/pipeline/internal/runledger"

	"github.com/rs/zerolog/log"
)

// Path is the route the handler is mounted on.
const Path = "/v1/trigger"

const maxBodyBytes = 1 << 20

// Dispatcher runs one processor request.
type Dispatcher interface {
	Run(ctx context.Context, req processor.Request) (processor.Result, error)
}

// Event is a direct trigger payload.
type Event struct {
	Processor string `json:"processor"`
	DataDate  string `json:"data_date"`
	SubKey    string `json:"sub_key,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// pushEnvelope is the body of a Pub/Sub push delivery.
type pushEnvelope struct {
	Message *struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Response is written for every handled request.
type Response struct {
	Status   string `json:"status"`
	RunID    string `json:"run_id,omitempty"`
	Decision string `json:"decision,omitempty"`
	Records  int    `json:"records"`
	Error    string `json:"error,omitempty"`
}

// Handler serves the trigger endpoint.
type Handler struct {
	dispatcher Dispatcher
	timeout    time.Duration
}

// NewHandler creates a Handler. timeout bounds one run; zero means the
// request context alone.
func NewHandler(d Dispatcher, timeout time.Duration) *Handler {
	return &Handler{dispatcher: d, timeout: timeout}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(Path, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, Response{Status: "error", Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Error: "failed to read body"})
		return
	}

	ev, err := Decode(body)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected trigger payload")
		metrics.RecordTriggerEvent("unknown", "invalid")
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Error: err.Error()})
		return
	}

	date, err := processor.ParseDate(ev.DataDate)
	if err != nil {
		metrics.RecordTriggerEvent(ev.Processor, "invalid")
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Error: err.Error()})
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	log.Info().
		Str("processor", ev.Processor).
		Str("data_date", ev.DataDate).
		Str("sub_key", ev.SubKey).
		Str("message_id", ev.MessageID).
		Str("source", ev.Source).
		Msg("Trigger received")

	res, err := h.dispatcher.Run(ctx, processor.Request{
		Processor: ev.Processor,
		Date:      date,
		SubKey:    ev.SubKey,
		Force:     ev.Force,
		Meta: runledger.Meta{
			TriggerSource:    ev.Source,
			TriggerMessageID: ev.MessageID,
		},
	})

	resp := Response{
		RunID:    res.RunID,
		Decision: string(res.Decision),
		Records:  res.Records,
	}
	switch {
	case errors.Is(err, processor.ErrUnknownProcessor), errors.Is(err, processor.ErrInvalidRequest):
		metrics.RecordTriggerEvent(ev.Processor, "invalid")
		resp.Status, resp.Error = "error", err.Error()
		writeJSON(w, http.StatusBadRequest, resp)
	case err != nil:
		// a non-2xx answer makes the push source redeliver
		metrics.RecordTriggerEvent(ev.Processor, "failed")
		resp.Status, resp.Error = "failed", err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	case res.Skipped:
		metrics.RecordTriggerEvent(ev.Processor, "duplicate")
		resp.Status = "skipped"
		writeJSON(w, http.StatusOK, resp)
	default:
		metrics.RecordTriggerEvent(ev.Processor, "processed")
		resp.Status = string(res.Status)
		writeJSON(w, http.StatusOK, resp)
	}
}

// Decode accepts either a direct Event or a Pub/Sub push envelope whose
// message data is a base64 encoded Event. Envelope attributes fill fields
// the data leaves empty.
func Decode(body []byte) (Event, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("invalid json: %w", err)
	}

	var ev Event
	if env.Message != nil {
		if env.Message.Data != "" {
			data, err := base64.StdEncoding.DecodeString(env.Message.Data)
			if err != nil {
				return Event{}, fmt.Errorf("invalid message data: %w", err)
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				return Event{}, fmt.Errorf("invalid message payload: %w", err)
			}
		}
		attrs := env.Message.Attributes
		if ev.Processor == "" {
			ev.Processor = attrs["processor"]
		}
		if ev.DataDate == "" {
			ev.DataDate = attrs["data_date"]
		}
		if ev.SubKey == "" {
			ev.SubKey = attrs["sub_key"]
		}
		if ev.MessageID == "" {
			ev.MessageID = env.Message.MessageID
		}
		if ev.Source == "" {
			ev.Source = "pubsub"
		}
	} else if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}

	if ev.Processor == "" {
		return Event{}, errors.New("processor is required")
	}
	if ev.DataDate == "" {
		return Event{}, errors.New("data_date is required")
	}
	if ev.Source == "" {
		ev.Source = "http"
	}
	return ev, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write trigger response")
	}
}
