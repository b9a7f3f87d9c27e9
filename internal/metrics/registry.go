package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// QueueGauge is the gauge input for one agent's queue.
type QueueGauge struct {
	AgentID   string
	Bands     [types.Bands]int
	OldestAge time.Duration
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry owns the hub's Prometheus collectors. It is itself a Sink: each
// event increments agenthub_message_events_total{status,reason}, and
// processed events feed the delivery latency histogram.
type Registry struct {
	reg *prometheus.Registry

	events        *prometheus.CounterVec
	eventsDropped prometheus.Counter
	latency       prometheus.Histogram
	depth         *prometheus.GaugeVec
	oldest        *prometheus.GaugeVec

	httpReqs *prometheus.CounterVec
	httpDur  *prometheus.HistogramVec

	source func() []QueueGauge
}

// NewRegistry builds a registry with the hub collectors plus the Go runtime
// and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthub",
			Name:      "message_events_total",
			Help:      "Message lifecycle events by status and reason.",
		}, []string{"status", "reason"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agenthub",
			Name:      "metric_events_dropped_total",
			Help:      "Lifecycle events discarded because the event buffer was full.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agenthub",
			Name:      "delivery_latency_seconds",
			Help:      "Time from message creation to acknowledgement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agenthub",
			Name:      "queue_depth",
			Help:      "Queued messages per agent and priority band.",
		}, []string{"agent", "band"}),
		oldest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agenthub",
			Name:      "queue_oldest_age_seconds",
			Help:      "Age of the longest-waiting message per agent.",
		}, []string{"agent"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthub",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "path", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agenthub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	r.reg.MustRegister(
		r.events,
		r.eventsDropped,
		r.latency,
		r.httpReqs,
		r.httpDur,
		&refreshCollector{refresh: r.refresh, inner: []prometheus.Collector{r.depth, r.oldest}},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordEvent implements Sink.
func (r *Registry) RecordEvent(e Event) {
	r.events.WithLabelValues(e.Status.String(), string(e.Reason)).Inc()
	if e.Status == types.StatusProcessed && e.Latency > 0 {
		r.latency.Observe(e.Latency.Seconds())
	}
}

// EventDropped counts one event lost by an AsyncSink. Pass it to
// WithDropHook.
func (r *Registry) EventDropped() { r.eventsDropped.Inc() }

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	r.httpReqs.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDur.WithLabelValues(method, path).Observe(d.Seconds())
}

// SetGaugeSource installs the function polled on every scrape to refresh
// the queue gauges.
func (r *Registry) SetGaugeSource(fn func() []QueueGauge) { r.source = fn }

// UpdateQueues replaces the queue gauges with gs. Agents absent from gs
// disappear from the exposition.
func (r *Registry) UpdateQueues(gs []QueueGauge) {
	r.depth.Reset()
	r.oldest.Reset()
	for _, g := range gs {
		for band, n := range g.Bands {
			r.depth.WithLabelValues(g.AgentID, strconv.Itoa(band)).Set(float64(n))
		}
		r.oldest.WithLabelValues(g.AgentID).Set(g.OldestAge.Seconds())
	}
}

func (r *Registry) refresh() {
	if r.source != nil {
		r.UpdateQueues(r.source())
	}
}

// refreshCollector runs refresh before delegating each Collect.
type refreshCollector struct {
	refresh func()
	inner   []prometheus.Collector
}

func (c *refreshCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.inner {
		col.Describe(ch)
	}
}

func (c *refreshCollector) Collect(ch chan<- prometheus.Metric) {
	c.refresh()
	for _, col := range c.inner {
		col.Collect(ch)
	}
}
