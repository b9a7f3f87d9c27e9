// Package metrics reports message lifecycle events and queue gauges.
//
// The hub emits one Event per lifecycle transition to a Sink. Sinks are
// composable: Registry turns events into Prometheus series, LogSink writes
// them through slog, NATSSink publishes them as JSON, MultiSink fans out and
// AsyncSink decouples the hub from slow sinks.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// Event is a single lifecycle transition of one message.
type Event struct {
	MessageID     string        `json:"message_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	From          string        `json:"from,omitempty"`
	To            string        `json:"to,omitempty"`
	Status        types.Status  `json:"status"`
	Reason        types.Reason  `json:"reason,omitempty"`
	Priority      int           `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	At            time.Time     `json:"at"`
	Latency       time.Duration `json:"latency_ns,omitempty"`
}

// NewEvent builds an event for msg. to names the agent the transition
// concerns and may be empty before routing.
func NewEvent(msg *types.Message, to string, status types.Status, reason types.Reason, at time.Time) Event {
	return Event{
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		From:          msg.Source,
		To:            to,
		Status:        status,
		Reason:        reason,
		Priority:      msg.Priority,
		CreatedAt:     msg.Timestamp,
		At:            at,
	}
}

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use and should not block.
type Sink interface {
	RecordEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) RecordEvent(e Event) { f(e) }

// NoopSink discards every event.
type NoopSink struct{}

func (NoopSink) RecordEvent(Event) {}

// MultiSink forwards each event to every sink in order.
type MultiSink []Sink

func (m MultiSink) RecordEvent(e Event) {
	for _, s := range m {
		s.RecordEvent(e)
	}
}

// LogSink writes events through slog. Failures and drops log at warn,
// everything else at debug.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) RecordEvent(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelDebug
	if e.Status == types.StatusFailed || e.Status == types.StatusDropped {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("message_id", e.MessageID),
		slog.String("status", e.Status.String()),
		slog.Int("priority", e.Priority),
	}
	if e.To != "" {
		attrs = append(attrs, slog.String("to", e.To))
	}
	if e.Reason != types.ReasonNone {
		attrs = append(attrs, slog.String("reason", string(e.Reason)))
	}
	if e.Latency > 0 {
		attrs = append(attrs, slog.Duration("latency", e.Latency))
	}
	l.LogAttrs(context.Background(), level, "message event", attrs...)
}
