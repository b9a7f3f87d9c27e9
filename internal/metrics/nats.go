package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on "<prefix>.<status>".
// Publish failures are logged and otherwise ignored.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

// DialNATS connects to url and returns a sink publishing under prefix along
// with a function that drains and closes the connection.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSSink, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("agenthub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: connect nats %s: %w", url, err)
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return NewNATSSink(nc, prefix, logger), closeFn, nil
}

// Subject returns the subject an event with status s is published on.
func (s *NATSSink) Subject(e Event) string {
	return s.prefix + "." + e.Status.String()
}

func (s *NATSSink) RecordEvent(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("encode metric event", "message_id", e.MessageID, "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(e), data); err != nil {
		s.logger.Warn("publish metric event", "message_id", e.MessageID, "error", err)
	}
}
