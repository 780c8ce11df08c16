// Package audit records the serialized per-run event log. Events carry a
// gapless sequence number per run and are mirrored to structured logging,
// so an operator can replay what a run did from either the database or the
// log stream.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Run lifecycle event types.
const (
	EventRunCreated      = "run_created"
	EventRunStarted      = "run_started"
	EventPlanCompiled    = "plan_compiled"
	EventCacheHit        = "cache_hit"
	EventDatapointScored = "datapoint_scored"
	EventDatapointFailed = "datapoint_failed"
	EventIncident        = "incident"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
)

// Sink persists one run event. The store's run-event table implements this.
type Sink interface {
	AppendRunEvent(ctx context.Context, runID, eventType string, payload map[string]any) error
}

// Recorder writes run events to a sink and mirrors them to a logger.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder builds a recorder. A nil logger falls back to slog.Default.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Event records one event. Persistence failures are surfaced to the caller
// after being logged; the run decides whether they are fatal. The caller's
// payload map is left untouched; metadata is stamped onto a copy.
func (r *Recorder) Event(ctx context.Context, runID, eventType string, payload map[string]any) error {
	stamped := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		stamped[k] = v
	}
	stamped["event_id"] = uuid.New().String()
	stamped["recorded_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload = stamped

	r.logger.InfoContext(ctx, "run event",
		slog.String("run_id", runID),
		slog.String("event_type", eventType),
		slog.Any("payload", payload),
	)

	if err := r.sink.AppendRunEvent(ctx, runID, eventType, payload); err != nil {
		r.logger.ErrorContext(ctx, "run event persistence failed",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
