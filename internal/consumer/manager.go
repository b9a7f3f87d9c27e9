// Package consumer pushes queued messages to agents over HTTP webhooks.
// Each registered agent gets one delivery goroutine that drains its queue,
// POSTs every message to the agent's URL and acknowledges on a 2xx reply.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sneh-joshi/agenthub/internal/node"
	"github.com/sneh-joshi/agenthub/internal/types"
)

var (
	// ErrNotFound is returned when the agent has no webhook.
	ErrNotFound = errors.New("consumer: webhook not found")
	// ErrInvalidURL is returned for anything but an absolute http(s) URL.
	ErrInvalidURL = errors.New("consumer: webhook url must be http or https")
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("consumer: manager closed")
)

// Source is the part of the hub a delivery loop needs.
type Source interface {
	ReceiveWait(ctx context.Context, agentID string, timeout time.Duration) (*types.Message, bool)
	Ack(ctx context.Context, agentID, msgID string) error
	Nack(ctx context.Context, agentID, msgID string) error
}

// releaser is implemented by sources that can drop an idle agent's state.
type releaser interface {
	Release(agentID string) bool
}

// Config tunes webhook delivery.
type Config struct {
	// RetryDelays is the backoff after consecutive failures. The last entry
	// repeats once the list is exhausted.
	RetryDelays []time.Duration
	// Timeout bounds a single POST.
	Timeout time.Duration
	// PollWait is how long each loop iteration blocks for a message.
	PollWait time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		Timeout:     10 * time.Second,
		PollWait:    time.Second,
	}
}

// Webhook describes one registered push target.
type Webhook struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`

	secret string
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the webhook delivery loops, at most one per agent.
type Manager struct {
	src    Source
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	hooks  map[string]*Webhook // by agent
	closed bool
}

// NewManager returns a manager pulling from src.
func NewManager(src Source, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = def.RetryDelays
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = def.PollWait
	}
	m := &Manager{
		src:    src,
		cfg:    cfg,
		logger: slog.Default(),
		hooks:  make(map[string]*Webhook),
	}
	for _, o := range opts {
		o(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: cfg.Timeout}
	}
	return m
}

// Register starts pushing agentID's messages to rawURL, replacing any
// webhook the agent already has. A non-empty secret signs every body.
func (m *Manager) Register(agentID, rawURL, secret string) (Webhook, error) {
	if agentID == "" {
		return Webhook{}, errors.New("consumer: agent id must not be empty")
	}
	if !validURL(rawURL) {
		return Webhook{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	id, err := node.NewID()
	if err != nil {
		return Webhook{}, fmt.Errorf("consumer: webhook id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wh := &Webhook{
		ID:        id,
		AgentID:   agentID,
		URL:       rawURL,
		CreatedAt: time.Now().UTC(),
		secret:    secret,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Webhook{}, ErrClosed
	}
	old := m.hooks[agentID]
	m.hooks[agentID] = wh
	m.mu.Unlock()

	if old != nil {
		old.stop()
	}
	go m.loop(ctx, wh)
	m.logger.Info("webhook registered", "agent", agentID, "id", id, "url", rawURL)
	return *wh, nil
}

// Unregister stops the agent's webhook and waits for an in-flight delivery
// to finish. An agent left with nothing queued is released from the
// source.
func (m *Manager) Unregister(agentID string) error {
	m.mu.Lock()
	wh, ok := m.hooks[agentID]
	delete(m.hooks, agentID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	wh.stop()
	released := false
	if r, ok := m.src.(releaser); ok {
		released = r.Release(agentID)
	}
	m.logger.Info("webhook unregistered", "agent", agentID, "id", wh.ID, "released", released)
	return nil
}

// Get returns the agent's webhook.
func (m *Manager) Get(agentID string) (Webhook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.hooks[agentID]
	if !ok {
		return Webhook{}, false
	}
	return *wh, true
}

// List returns every webhook sorted by agent.
func (m *Manager) List() []Webhook {
	m.mu.Lock()
	out := make([]Webhook, 0, len(m.hooks))
	for _, wh := range m.hooks {
		out = append(out, *wh)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Close stops every delivery loop. Messages not yet delivered stay queued.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	hooks := m.hooks
	m.hooks = make(map[string]*Webhook)
	m.mu.Unlock()

	for _, wh := range hooks {
		wh.stop()
	}
}

func (wh *Webhook) stop() {
	wh.cancel()
	<-wh.done
}

func (m *Manager) loop(ctx context.Context, wh *Webhook) {
	defer close(wh.done)
	failures := 0
	for ctx.Err() == nil {
		msg, ok := m.src.ReceiveWait(ctx, wh.AgentID, m.cfg.PollWait)
		if !ok {
			continue
		}

		err := deliver(ctx, m.client, wh, msg)
		if err == nil {
			failures = 0
			if aerr := m.src.Ack(context.WithoutCancel(ctx), wh.AgentID, msg.ID); aerr != nil {
				m.logger.Warn("webhook ack failed", "agent", wh.AgentID, "message_id", msg.ID, "error", aerr)
			}
			continue
		}

		// Requeue with a fresh context so a stop mid-delivery keeps the message.
		if nerr := m.src.Nack(context.Background(), wh.AgentID, msg.ID); nerr != nil {
			m.logger.Warn("webhook nack failed", "agent", wh.AgentID, "message_id", msg.ID, "error", nerr)
		}
		if ctx.Err() != nil {
			return
		}
		delay := m.cfg.RetryDelays[min(failures, len(m.cfg.RetryDelays)-1)]
		failures++
		m.logger.Warn("webhook delivery failed",
			"agent", wh.AgentID,
			"message_id", msg.ID,
			"attempt", failures,
			"retry_in", delay,
			"error", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// validURL accepts only absolute http and https URLs, keeping other schemes
// (file, gopher) out of the delivery client.
func validURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
