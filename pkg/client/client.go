// Package client is the Go SDK for AgentHub.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Direct message
//	id, err := c.Send(ctx, "planner", "coder", map[string]any{"task": "fix #12"},
//	    client.WithPriority(4))
//
//	// Long-poll for work, then settle it
//	msg, err := c.Receive(ctx, "coder", 10*time.Second)
//	if msg != nil {
//	    process(msg)
//	    c.Ack(ctx, "coder", msg)
//	}
//
//	// Request/reply
//	reply, err := c.Request(ctx, "planner", "reviewer", diff, 30*time.Second)
//
// # Error handling
//
// Every method returns an *APIError when the server answers with a non-2xx
// status. APIError matches ErrNotFound, ErrConflict, ErrBackpressure and
// ErrTimeout with errors.Is.
//
// Client is safe for concurrent use and reuses connections.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	ErrBadRequest   = errors.New("agenthub: bad request")
	ErrUnauthorized = errors.New("agenthub: unauthorized")
	ErrNotFound     = errors.New("agenthub: not found")
	ErrConflict     = errors.New("agenthub: conflict")
	ErrBackpressure = errors.New("agenthub: backpressure")
	ErrTimeout      = errors.New("agenthub: timeout")
)

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field of the response body
	RequestID  string // X-Request-ID of the failed call
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agenthub: server returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrBackpressure:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrTimeout:
		return e.StatusCode == http.StatusGatewayTimeout
	}
	return false
}

// ─── Wire types ───────────────────────────────────────────────────────────────

// Destination is where a message is addressed: an agent, topic or group.
type Destination struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Message is a message as delivered by the hub.
type Message struct {
	ID            string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id"`
	Source        string         `json:"source_agent_id"`
	Destination   Destination    `json:"destination"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Priority      int            `json:"priority"`
	Timestamp     time.Time      `json:"timestamp"`
	Expiration    *time.Time     `json:"expiration,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	Payload       any            `json:"payload,omitempty"`
}

// Rule is a declarative routing rule.
type Rule struct {
	Name      string    `json:"name"`
	Terminal  bool      `json:"terminal,omitempty"`
	Condition Condition `json:"condition"`
	Actions   []Action  `json:"actions"`
	Source    string    `json:"source,omitempty"` // set by the server on list
}

// Condition is one node of a rule condition tree. Set exactly one of All,
// Any, Not or Field/Op.
type Condition struct {
	All   []Condition `json:"all,omitempty"`
	Any   []Condition `json:"any,omitempty"`
	Not   *Condition  `json:"not,omitempty"`
	Field string      `json:"field,omitempty"`
	Op    string      `json:"op,omitempty"`
	Value any         `json:"value,omitempty"`
}

// Action is one rule action. Set exactly one field.
type Action struct {
	Route     []Destination  `json:"route,omitempty"`
	Priority  *int           `json:"priority,omitempty"`
	Headers   map[string]any `json:"headers,omitempty"`
	Transform string         `json:"transform,omitempty"`
}

// Group is a named set of agents.
type Group struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Webhook is a registered push target.
type Webhook struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentGauge is one agent's queue state.
type AgentGauge struct {
	AgentID     string `json:"agent_id"`
	Depth       int    `json:"depth"`
	InFlight    int    `json:"in_flight"`
	Bands       []int  `json:"bands"`
	OldestAgeMs int64  `json:"oldest_age_ms"`
}

// Gauges is the hub's alerting snapshot.
type Gauges struct {
	At                time.Time    `json:"at"`
	Agents            []AgentGauge `json:"agents"`
	InFlight          int          `json:"in_flight"`
	Acked             int64        `json:"acked"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	LastLatencyMs     float64      `json:"last_latency_ms"`
	InheritanceChains int          `json:"inheritance_chains"`
	PendingExpiries   int          `json:"pending_expiries"`
	PendingRequests   int          `json:"pending_requests"`
	DroppedEvents     uint64       `json:"dropped_events"`
}

// HealthInfo is the /health response.
type HealthInfo struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Agents   int    `json:"agents"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sends key as X-Api-Key on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client. Long-poll receives and
// requests hold connections open, so keep its Timeout above the longest
// wait you use.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// ─── Send options ─────────────────────────────────────────────────────────────

// SendOption configures one outgoing message.
type SendOption func(*messageBody)

// WithPriority sets an explicit priority (0 to 5).
func WithPriority(p int) SendOption {
	return func(b *messageBody) { b.Priority = &p }
}

// WithHeaders attaches scalar headers.
func WithHeaders(h map[string]any) SendOption {
	return func(b *messageBody) { b.Headers = h }
}

// WithCorrelationID joins the message to an existing chain.
func WithCorrelationID(id string) SendOption {
	return func(b *messageBody) { b.CorrelationID = id }
}

// WithReplyTo sets the agent replies should go to.
func WithReplyTo(agent string) SendOption {
	return func(b *messageBody) { b.ReplyTo = agent }
}

// WithTTL expires the message d after it is created.
func WithTTL(d time.Duration) SendOption {
	return func(b *messageBody) { b.TTLMs = d.Milliseconds() }
}

// WithExpiration expires the message at t.
func WithExpiration(t time.Time) SendOption {
	return func(b *messageBody) { b.Expiration = &t }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to one AgentHub server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Messaging ────────────────────────────────────────────────────────────────

// Send addresses one agent and returns the message ID.
func (c *Client) Send(ctx context.Context, from, to string, payload any, opts ...SendOption) (string, error) {
	var resp sendResponse
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(to)+"/messages", newBody(from, payload, opts), &resp)
	return resp.MessageID, err
}

// Receive returns the agent's next message, waiting up to wait for one to
// arrive. It returns nil, nil when nothing arrived.
func (c *Client) Receive(ctx context.Context, agent string, wait time.Duration) (*Message, error) {
	path := "/agents/" + url.PathEscape(agent) + "/messages"
	if wait > 0 {
		path += "?wait_ms=" + strconv.FormatInt(wait.Milliseconds(), 10)
	}
	var msg Message
	found := false
	if err := c.doFound(ctx, http.MethodGet, path, nil, &msg, &found); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &msg, nil
}

// Ack reports msg as processed. Only a message the agent received and has
// not settled can be acked; anything else matches ErrNotFound.
func (c *Client) Ack(ctx context.Context, agent string, msg *Message) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agent)+"/acks", settleBody{MessageID: msg.ID}, nil)
}

// Nack puts msg back on the agent's queue. The hub requeues its own copy,
// so local changes to msg are not sent.
func (c *Client) Nack(ctx context.Context, agent string, msg *Message) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agent)+"/nacks", settleBody{MessageID: msg.ID}, nil)
}

type settleBody struct {
	MessageID string `json:"message_id"`
}

// Publish sends to every subscriber of topic and returns the message ID.
func (c *Client) Publish(ctx context.Context, from, topic string, payload any, opts ...SendOption) (string, error) {
	var resp sendResponse
	err := c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/messages", newBody(from, payload, opts), &resp)
	return resp.MessageID, err
}

// Broadcast sends one copy to each agent in to. On partial failure the
// delivered IDs are returned together with an error describing the rest.
func (c *Client) Broadcast(ctx context.Context, from string, to []string, payload any, opts ...SendOption) ([]string, error) {
	body := broadcastBody{messageBody: newBody(from, payload, opts), To: to}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/broadcast", body, &resp); err != nil {
		return nil, err
	}
	return resp.MessageIDs, resp.err()
}

// SendToGroup sends one copy to each member of the group.
func (c *Client) SendToGroup(ctx context.Context, from, group string, payload any, opts ...SendOption) ([]string, error) {
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/messages", newBody(from, payload, opts), &resp); err != nil {
		return nil, err
	}
	return resp.MessageIDs, resp.err()
}

// Request sends payload to `to` and blocks until the reply arrives or
// timeout passes. A zero timeout uses the server default. A timeout
// matches ErrTimeout.
func (c *Client) Request(ctx context.Context, from, to string, payload any, timeout time.Duration, opts ...SendOption) (*Message, error) {
	body := requestBody{messageBody: newBody(from, payload, opts), To: to, TimeoutMs: timeout.Milliseconds()}
	var reply Message
	if err := c.do(ctx, http.MethodPost, "/requests", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Reply answers request on behalf of from.
func (c *Client) Reply(ctx context.Context, from string, request *Message, payload any, opts ...SendOption) (string, error) {
	if request == nil || request.ReplyTo == "" {
		return "", errors.New("agenthub: request has no reply_to")
	}
	opts = append(opts, WithCorrelationID(request.CorrelationID))
	return c.Send(ctx, from, request.ReplyTo, payload, opts...)
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe registers agent for pattern. added is false when the
// subscription already existed.
func (c *Client) Subscribe(ctx context.Context, agent, pattern string) (added bool, err error) {
	var resp struct {
		Added bool `json:"added"`
	}
	err = c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agent)+"/subscriptions", map[string]string{"pattern": pattern}, &resp)
	return resp.Added, err
}

// Unsubscribe removes the subscription, reporting whether it existed.
func (c *Client) Unsubscribe(ctx context.Context, agent, pattern string) (bool, error) {
	var resp struct {
		Removed bool `json:"removed"`
	}
	path := "/agents/" + url.PathEscape(agent) + "/subscriptions?pattern=" + url.QueryEscape(pattern)
	err := c.do(ctx, http.MethodDelete, path, nil, &resp)
	return resp.Removed, err
}

// ListSubscriptions returns the agent's patterns.
func (c *Client) ListSubscriptions(ctx context.Context, agent string) ([]string, error) {
	var resp struct {
		Patterns []string `json:"patterns"`
	}
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agent)+"/subscriptions", nil, &resp)
	return resp.Patterns, err
}

// ─── Rules & groups ───────────────────────────────────────────────────────────

// AddRule registers a rule after the existing ones.
func (c *Client) AddRule(ctx context.Context, r Rule) error {
	r.Source = ""
	return c.do(ctx, http.MethodPost, "/rules", r, nil)
}

// RemoveRule deletes the named rule.
func (c *Client) RemoveRule(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/rules/"+url.PathEscape(name), nil, nil)
}

// ListRules returns the active rules in evaluation order.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var resp struct {
		Rules []Rule `json:"rules"`
	}
	err := c.do(ctx, http.MethodGet, "/rules", nil, &resp)
	return resp.Rules, err
}

// SetGroup creates or replaces a group.
func (c *Client) SetGroup(ctx context.Context, name string, members []string) (*Group, error) {
	var g Group
	if err := c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(name), map[string][]string{"members": members}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// DeleteGroup removes a group.
func (c *Client) DeleteGroup(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(name), nil, nil)
}

// ─── Push & observability ─────────────────────────────────────────────────────

// RegisterWebhook pushes the agent's messages to target, signed with secret
// when it is non-empty.
func (c *Client) RegisterWebhook(ctx context.Context, agent, target, secret string) (*Webhook, error) {
	var wh Webhook
	body := map[string]string{"url": target}
	if secret != "" {
		body["secret"] = secret
	}
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agent)+"/webhooks", body, &wh); err != nil {
		return nil, err
	}
	return &wh, nil
}

// UnregisterWebhook stops pushing the agent's messages.
func (c *Client) UnregisterWebhook(ctx context.Context, agent string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agent)+"/webhooks", nil, nil)
}

// Gauges returns the hub's gauge snapshot.
func (c *Client) Gauges(ctx context.Context) (*Gauges, error) {
	var g Gauges
	if err := c.do(ctx, http.MethodGet, "/api/gauges", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	return c.doFound(ctx, method, path, body, resp, nil)
}

// doFound performs one request. body is sent as JSON when non-nil and resp
// is decoded when non-nil. found, if set, reports whether the response
// carried a body (204 means it did not).
func (c *Client) doFound(ctx context.Context, method, path string, body, resp any, found *bool) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agenthub: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("agenthub: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agenthub: %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("agenthub: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{
			StatusCode: httpResp.StatusCode,
			Message:    msg,
			RequestID:  httpResp.Header.Get("X-Request-ID"),
		}
	}

	if found != nil {
		*found = len(respBody) > 0
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("agenthub: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal request bodies ──────────────────────────────────────────────────

type messageBody struct {
	From          string         `json:"from"`
	Payload       any            `json:"payload,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Expiration    *time.Time     `json:"expiration,omitempty"`
	TTLMs         int64          `json:"ttl_ms,omitempty"`
}

func newBody(from string, payload any, opts []SendOption) messageBody {
	b := messageBody{From: from, Payload: payload}
	for _, o := range opts {
		o(&b)
	}
	return b
}

type broadcastBody struct {
	messageBody
	To []string `json:"to"`
}

type requestBody struct {
	messageBody
	To        string `json:"to"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type sendResponse struct {
	MessageID  string   `json:"message_id"`
	MessageIDs []string `json:"message_ids"`
	Errors     []string `json:"errors"`
}

func (r sendResponse) err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("agenthub: partial delivery: %s", strings.Join(r.Errors, "; "))
}
