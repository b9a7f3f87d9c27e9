package hub

import (
	"log/slog"
	"time"

	"github.com/sneh-joshi/agenthub/internal/metrics"
	"github.com/sneh-joshi/agenthub/internal/rules"
	"github.com/sneh-joshi/agenthub/internal/store"
)

// Option is a functional option for the Hub.
type Option func(*options)

type options struct {
	sink       metrics.Sink
	registry   *metrics.Registry
	store      *store.Store
	logger     *slog.Logger
	now        func() time.Time
	transforms *rules.Transforms
}

// WithSink sends lifecycle events to s. The hub always buffers events, so
// s never slows down a hub call.
func WithSink(s metrics.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithRegistry attaches Prometheus collectors. The registry receives every
// event and polls the hub for queue gauges on scrape.
func WithRegistry(r *metrics.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithStore persists subscriptions, API rules and groups, and restores them
// in New. The caller keeps ownership and closes it after the hub.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now for timestamps, fairness and inheritance.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTransforms supplies the transform registry rules may reference.
func WithTransforms(t *rules.Transforms) Option {
	return func(o *options) { o.transforms = t }
}
