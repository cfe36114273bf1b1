package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/capturectl/internal/metrics"
)

// EventType defines the kind of capture event.
type EventType string

const (
	EventStart  EventType = "start"
	EventFinish EventType = "finish"
)

// Attempt is the exported view of one capture attempt.
type Attempt struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	PID        int       `json:"pid"`
	Worker     string    `json:"worker"`
	Artifact   string    `json:"artifact"`
	Duration   int       `json:"duration_seconds"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Outcome    string    `json:"outcome,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Message    string    `json:"message,omitempty"`
}

// Event represents a capture event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Attempt    Attempt   `json:"attempt"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to a fixed set of sinks. Sink failures are logged
// and counted; they never reach the caller.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

// NewRecorder returns a Recorder over sinks. A nil Recorder drops every event.
func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	return &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: 5 * time.Second,
		log:     l.With("component", "history"),
	}
}

// Record sends e to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			metrics.IncHistoryError()
			r.log.Warn("history sink failed", "type", e.Type, "key", e.Attempt.Key, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
