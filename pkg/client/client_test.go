package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/agenthub/internal/config"
	"github.com/sneh-joshi/agenthub/internal/consumer"
	"github.com/sneh-joshi/agenthub/internal/hub"
	"github.com/sneh-joshi/agenthub/internal/metrics"
	transphttp "github.com/sneh-joshi/agenthub/internal/transport/http"
	"github.com/sneh-joshi/agenthub/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// newTestEnv spins up a real hub behind an httptest.Server and returns a
// client pointed at it.
func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...client.ClientOption) *client.Client {
	t.Helper()

	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Storage.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	reg := metrics.NewRegistry()
	h, err := hub.New(cfg.HubConfig(), hub.WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	cm := consumer.NewManager(h, consumer.DefaultConfig())
	t.Cleanup(cm.Close)

	srv := transphttp.New(h, cm, cfg, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL, opts...)
}

func ctx() context.Context { return context.Background() }

// ─── Messaging ────────────────────────────────────────────────────────────────

func TestSendReceiveAck(t *testing.T) {
	c := newTestEnv(t, nil)

	id, err := c.Send(ctx(), "planner", "coder", map[string]any{"task": "fix"},
		client.WithPriority(4), client.WithHeaders(map[string]any{"kind": "bug"}))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := c.Receive(ctx(), "coder", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, id, msg.CorrelationID)
	assert.Equal(t, "planner", msg.Source)
	assert.Equal(t, 4, msg.Priority)
	assert.Equal(t, "bug", msg.Headers["kind"])
	assert.Equal(t, map[string]any{"task": "fix"}, msg.Payload)

	g, err := c.Gauges(ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, g.InFlight)

	require.NoError(t, c.Ack(ctx(), "coder", msg))
	assert.ErrorIs(t, c.Ack(ctx(), "coder", msg), client.ErrNotFound, "second ack")

	g, err = c.Gauges(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.Acked)
	assert.Zero(t, g.InFlight)
}

func TestReceive_EmptyReturnsNil(t *testing.T) {
	c := newTestEnv(t, nil)

	msg, err := c.Receive(ctx(), "nobody", 0)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReceive_LongPoll(t *testing.T) {
	c := newTestEnv(t, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = c.Send(ctx(), "a", "b", "late")
	}()

	msg, err := c.Receive(ctx(), "b", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "late", msg.Payload)
}

func TestNack_Requeues(t *testing.T) {
	c := newTestEnv(t, nil)

	_, err := c.Send(ctx(), "a", "b", "retry me")
	require.NoError(t, err)
	msg, err := c.Receive(ctx(), "b", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	msg.Payload = "edited locally"
	require.NoError(t, c.Nack(ctx(), "b", msg))

	again, err := c.Receive(ctx(), "b", 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, "retry me", again.Payload)
}

func TestNack_UnreceivedMessageNotFound(t *testing.T) {
	c := newTestEnv(t, nil)

	err := c.Nack(ctx(), "b", &client.Message{ID: "01J000000000000000000FORGE", Payload: "injected"})
	assert.ErrorIs(t, err, client.ErrNotFound)

	msg, err := c.Receive(ctx(), "b", 0)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestSend_Backpressure(t *testing.T) {
	c := newTestEnv(t, func(cfg *config.Config) { cfg.Hub.MaxQueueDepth = 1 })

	_, err := c.Send(ctx(), "a", "b", 1)
	require.NoError(t, err)
	_, err = c.Send(ctx(), "a", "b", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrBackpressure)
}

func TestSend_TTLExpires(t *testing.T) {
	c := newTestEnv(t, nil)

	_, err := c.Send(ctx(), "a", "b", "stale", client.WithTTL(20*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	msg, err := c.Receive(ctx(), "b", 0)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

// ─── Topics & fan-out ─────────────────────────────────────────────────────────

func TestSubscribePublish(t *testing.T) {
	c := newTestEnv(t, nil)

	added, err := c.Subscribe(ctx(), "w1", "jobs.*")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = c.Subscribe(ctx(), "w1", "jobs.*")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = c.Subscribe(ctx(), "w2", "jobs.build")
	require.NoError(t, err)

	patterns, err := c.ListSubscriptions(ctx(), "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs.*"}, patterns)

	id, err := c.Publish(ctx(), "ci", "jobs.build", "go")
	require.NoError(t, err)

	for _, agent := range []string{"w1", "w2"} {
		msg, err := c.Receive(ctx(), agent, 0)
		require.NoError(t, err)
		require.NotNil(t, msg, agent)
		assert.Equal(t, id, msg.CorrelationID)
	}

	removed, err := c.Unsubscribe(ctx(), "w1", "jobs.*")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestBroadcast(t *testing.T) {
	c := newTestEnv(t, nil)

	ids, err := c.Broadcast(ctx(), "lead", []string{"a", "b", "c"}, "standup")
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	for _, agent := range []string{"a", "b", "c"} {
		msg, err := c.Receive(ctx(), agent, 0)
		require.NoError(t, err)
		assert.NotNil(t, msg, agent)
	}
}

func TestGroups(t *testing.T) {
	c := newTestEnv(t, nil)

	g, err := c.SetGroup(ctx(), "reviewers", []string{"r1", "r2"})
	require.NoError(t, err)
	assert.Equal(t, "reviewers", g.Name)

	ids, err := c.SendToGroup(ctx(), "author", "reviewers", "pr #7")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, c.DeleteGroup(ctx(), "reviewers"))
	_, err = c.SendToGroup(ctx(), "author", "reviewers", "pr #8")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

// ─── Request/reply ────────────────────────────────────────────────────────────

func TestRequestReply(t *testing.T) {
	c := newTestEnv(t, nil)

	done := make(chan error, 1)
	go func() {
		req, err := c.Receive(ctx(), "reviewer", 2*time.Second)
		if err != nil {
			done <- err
			return
		}
		if req == nil {
			done <- errors.New("no request received")
			return
		}
		_, err = c.Reply(ctx(), "reviewer", req, "lgtm")
		done <- err
	}()

	reply, err := c.Request(ctx(), "author", "reviewer", "diff", 2*time.Second, client.WithPriority(5))
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "lgtm", reply.Payload)
	assert.Equal(t, "reviewer", reply.Source)
	assert.Equal(t, 5, reply.Priority)
}

func TestRequest_Timeout(t *testing.T) {
	c := newTestEnv(t, nil)

	_, err := c.Request(ctx(), "author", "silent", "hello?", 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrTimeout)
}

func TestReply_NeedsReplyTo(t *testing.T) {
	c := newTestEnv(t, nil)

	_, err := c.Reply(ctx(), "x", &client.Message{ID: "m"}, "nope")
	assert.Error(t, err)
}

// ─── Rules ────────────────────────────────────────────────────────────────────

func TestRules_AddListRemove(t *testing.T) {
	c := newTestEnv(t, nil)

	prio := 5
	rule := client.Rule{
		Name:      "urgent",
		Condition: client.Condition{Field: "headers.severity", Op: "eq", Value: "high"},
		Actions:   []client.Action{{Priority: &prio}},
	}
	require.NoError(t, c.AddRule(ctx(), rule))

	err := c.AddRule(ctx(), rule)
	assert.ErrorIs(t, err, client.ErrConflict)

	list, err := c.ListRules(ctx())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "urgent", list[0].Name)
	assert.Equal(t, "api", list[0].Source)

	_, err = c.Send(ctx(), "mon", "oncall", "disk full",
		client.WithHeaders(map[string]any{"severity": "high"}))
	require.NoError(t, err)
	msg, err := c.Receive(ctx(), "oncall", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 5, msg.Priority)

	require.NoError(t, c.RemoveRule(ctx(), "urgent"))
	err = c.RemoveRule(ctx(), "urgent")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestRules_InvalidIsBadRequest(t *testing.T) {
	c := newTestEnv(t, nil)

	err := c.AddRule(ctx(), client.Rule{Name: "empty"})
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrBadRequest)
}

// ─── Webhooks, health & errors ────────────────────────────────────────────────

func TestRegisterWebhook(t *testing.T) {
	c := newTestEnv(t, nil)

	got := make(chan string, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case got <- r.Header.Get(consumer.MessageIDHeader):
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	wh, err := c.RegisterWebhook(ctx(), "hooked", target.URL, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "hooked", wh.AgentID)

	id, err := c.Send(ctx(), "a", "hooked", "push me")
	require.NoError(t, err)

	select {
	case gotID := <-got:
		assert.Equal(t, id, gotID)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not called")
	}

	require.NoError(t, c.UnregisterWebhook(ctx(), "hooked"))
	err = c.UnregisterWebhook(ctx(), "hooked")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestHealth(t *testing.T) {
	c := newTestEnv(t, nil)

	h, err := c.Health(ctx())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestWithAPIKey(t *testing.T) {
	mutate := func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "k3y"
	}

	anon := newTestEnv(t, mutate)
	_, err := anon.Send(ctx(), "a", "b", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	authed := newTestEnv(t, mutate, client.WithAPIKey("k3y"))
	_, err = authed.Send(ctx(), "a", "b", "x")
	assert.NoError(t, err)
}

func TestAPIError_Is(t *testing.T) {
	err := &client.APIError{StatusCode: http.StatusNotFound, Message: "missing"}
	assert.ErrorIs(t, err, client.ErrNotFound)
	assert.NotErrorIs(t, err, client.ErrConflict)
	assert.Contains(t, err.Error(), "404")
}
