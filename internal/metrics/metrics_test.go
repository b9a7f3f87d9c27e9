package metrics_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sneh-joshi/agenthub/internal/metrics"
	"github.com/sneh-joshi/agenthub/internal/types"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []metrics.Event
}

func (r *recorder) RecordEvent(e metrics.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func event(status types.Status, reason types.Reason) metrics.Event {
	return metrics.Event{MessageID: "m1", To: "a", Status: status, Reason: reason, Priority: 3}
}

// ─── sinks ────────────────────────────────────────────────────────────────────

func TestNewEvent(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &types.Message{ID: "m1", CorrelationID: "c1", Source: "s", Priority: 4, Timestamp: created}
	at := created.Add(time.Second)

	e := metrics.NewEvent(msg, "dst", types.StatusDropped, types.ReasonExpired, at)
	want := metrics.Event{
		MessageID: "m1", CorrelationID: "c1", From: "s", To: "dst",
		Status: types.StatusDropped, Reason: types.ReasonExpired,
		Priority: 4, CreatedAt: created, At: at,
	}
	if e != want {
		t.Fatalf("NewEvent = %+v, want %+v", e, want)
	}
}

func TestMultiSink_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	metrics.MultiSink{a, metrics.NoopSink{}, b}.RecordEvent(event(types.StatusRouted, ""))
	if a.len() != 1 || b.len() != 1 {
		t.Fatalf("fan-out: a=%d b=%d, want 1 each", a.len(), b.len())
	}
}

func TestLogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s := metrics.LogSink{Logger: logger}

	s.RecordEvent(event(types.StatusRouted, ""))
	if buf.Len() != 0 {
		t.Fatalf("routed event logged above debug: %s", buf.String())
	}

	s.RecordEvent(event(types.StatusDropped, types.ReasonNoRoute))
	out := buf.String()
	for _, want := range []string{`"reason":"no_route"`, `"status":"dropped"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestAsyncSink_DeliversAndDrains(t *testing.T) {
	rec := &recorder{}
	a := metrics.NewAsyncSink(rec, 64)
	for i := 0; i < 50; i++ {
		a.RecordEvent(event(types.StatusCreated, ""))
	}
	a.Close()
	if got := rec.len(); got != 50 {
		t.Fatalf("delivered %d events, want 50", got)
	}
	if got := a.Dropped(); got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}

	a.RecordEvent(event(types.StatusCreated, ""))
	if got := a.Dropped(); got != 1 {
		t.Fatalf("events after Close must be dropped: Dropped = %d", got)
	}
	a.Close()
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := metrics.SinkFunc(func(metrics.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	var hooked int
	var mu sync.Mutex
	a := metrics.NewAsyncSink(blocking, 1, metrics.WithDropHook(func() {
		mu.Lock()
		hooked++
		mu.Unlock()
	}))

	a.RecordEvent(event(types.StatusCreated, "")) // taken by the worker
	<-started
	a.RecordEvent(event(types.StatusCreated, "")) // fills the buffer
	a.RecordEvent(event(types.StatusCreated, "")) // dropped
	a.RecordEvent(event(types.StatusCreated, "")) // dropped

	if got := a.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	mu.Lock()
	if hooked != 2 {
		t.Errorf("drop hook ran %d times, want 2", hooked)
	}
	mu.Unlock()

	close(release)
	a.Close()
}

// ─── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CountsEventsByStatusAndReason(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.RecordEvent(event(types.StatusDropped, types.ReasonNoRoute))
	reg.RecordEvent(event(types.StatusDropped, types.ReasonNoRoute))
	reg.RecordEvent(event(types.StatusFailed, types.ReasonBackpressure))

	expected := `
# HELP agenthub_message_events_total Message lifecycle events by status and reason.
# TYPE agenthub_message_events_total counter
agenthub_message_events_total{reason="backpressure",status="failed"} 1
agenthub_message_events_total{reason="no_route",status="dropped"} 2
`
	if err := testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "agenthub_message_events_total"); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry_LatencyOnlyForProcessed(t *testing.T) {
	reg := metrics.NewRegistry()
	e := event(types.StatusProcessed, "")
	e.Latency = 20 * time.Millisecond
	reg.RecordEvent(e)

	e.Status = types.StatusDelivered
	reg.RecordEvent(e)

	n, err := testutil.GatherAndCount(reg.Gatherer(), "agenthub_delivery_latency_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("latency series = %d, want 1", n)
	}

	mfs, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "agenthub_delivery_latency_seconds" {
			if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
				t.Errorf("latency samples = %d, want 1", got)
			}
		}
	}
}

func TestRegistry_GaugeSourceRefreshedOnScrape(t *testing.T) {
	reg := metrics.NewRegistry()
	var calls int
	reg.SetGaugeSource(func() []metrics.QueueGauge {
		calls++
		return []metrics.QueueGauge{{
			AgentID:   "worker",
			Bands:     [types.Bands]int{0, 0, 2, 0, 0, 1},
			OldestAge: 1500 * time.Millisecond,
		}}
	})

	expected := `
# HELP agenthub_queue_oldest_age_seconds Age of the longest-waiting message per agent.
# TYPE agenthub_queue_oldest_age_seconds gauge
agenthub_queue_oldest_age_seconds{agent="worker"} 1.5
`
	if err := testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "agenthub_queue_oldest_age_seconds"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("gauge source called %d times, want 1", calls)
	}

	n, err := testutil.GatherAndCount(reg.Gatherer(), "agenthub_queue_depth")
	if err != nil {
		t.Fatal(err)
	}
	if n != types.Bands {
		t.Fatalf("depth series = %d, want %d", n, types.Bands)
	}
}

func TestRegistry_UpdateQueuesForgetsAgents(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.UpdateQueues([]metrics.QueueGauge{{AgentID: "a"}, {AgentID: "b"}})
	reg.UpdateQueues([]metrics.QueueGauge{{AgentID: "b"}})

	n, err := testutil.GatherAndCount(reg.Gatherer(), "agenthub_queue_oldest_age_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("oldest-age series = %d, want 1", n)
	}
}

func TestRegistry_HandlerServesExposition(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.ObserveHTTP(http.MethodPost, "/agents/{agent}/messages", http.StatusAccepted, 5*time.Millisecond)
	reg.EventDropped()

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	text := string(body)
	for _, want := range []string{
		`agenthub_http_requests_total{method="POST",path="/agents/{agent}/messages",status="202"} 1`,
		"agenthub_metric_events_dropped_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

// ─── NATSSink ─────────────────────────────────────────────────────────────────

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestNATSSink_PublishesJSONPerStatus(t *testing.T) {
	pub := &fakePublisher{}
	s := metrics.NewNATSSink(pub, "agenthub.events", nil)

	s.RecordEvent(event(types.StatusDropped, types.ReasonExpired))

	if len(pub.subjects) != 1 || pub.subjects[0] != "agenthub.events.dropped" {
		t.Fatalf("subjects = %v, want [agenthub.events.dropped]", pub.subjects)
	}

	var got map[string]any
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatal(err)
	}
	if got["message_id"] != "m1" || got["status"] != "dropped" || got["reason"] != "expired" {
		t.Errorf("payload = %v", got)
	}
}

func TestNATSSink_PublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	s := metrics.NewNATSSink(pub, "x", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.RecordEvent(event(types.StatusRouted, ""))
	if len(pub.subjects) != 1 {
		t.Fatalf("publish attempts = %d, want 1", len(pub.subjects))
	}
}
