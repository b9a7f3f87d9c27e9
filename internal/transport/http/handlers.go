package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sneh-joshi/agenthub/internal/consumer"
	"github.com/sneh-joshi/agenthub/internal/content"
	"github.com/sneh-joshi/agenthub/internal/group"
	"github.com/sneh-joshi/agenthub/internal/hub"
	"github.com/sneh-joshi/agenthub/internal/queue"
	"github.com/sneh-joshi/agenthub/internal/rules"
	"github.com/sneh-joshi/agenthub/internal/topic"
	"github.com/sneh-joshi/agenthub/internal/types"
)

// maxWait caps long-poll receives.
const maxWait = 30 * time.Second

// Handler groups the HTTP request handlers around a Hub.
type Handler struct {
	hub      *hub.Hub
	consumer *consumer.Manager // nil disables webhooks
	logger   *slog.Logger
	nodeID   string
	started  time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

// MessageRequest is the body shared by every sending route.
type MessageRequest struct {
	From          string         `json:"from"`
	Payload       any            `json:"payload,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Expiration    *time.Time     `json:"expiration,omitempty"`
	TTLMs         int64          `json:"ttl_ms,omitempty"`
}

func (m MessageRequest) options() hub.SendOptions {
	return hub.SendOptions{
		Priority:      m.Priority,
		Headers:       m.Headers,
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Expiration:    m.Expiration,
		TTL:           time.Duration(m.TTLMs) * time.Millisecond,
	}
}

func (m MessageRequest) validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: from is required", hub.ErrInvalidAgent)
	}
	if m.TTLMs < 0 {
		return errBadRequest("ttl_ms must not be negative")
	}
	for k, v := range m.Headers {
		switch v.(type) {
		case string, bool, float64, nil:
		default:
			return errBadRequest(fmt.Sprintf("header %q must be a scalar", k))
		}
	}
	return nil
}

// BroadcastRequest addresses several agents at once.
type BroadcastRequest struct {
	MessageRequest
	To []string `json:"to"`
}

// RequestRequest starts a request/reply exchange.
type RequestRequest struct {
	MessageRequest
	To        string `json:"to"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// SendResponse reports the IDs assigned by a send.
type SendResponse struct {
	MessageID  string   `json:"message_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// RuleView is a rule as listed over HTTP.
type RuleView struct {
	rules.RuleDoc
	Source string `json:"source"`
}

// ContentRouteRequest registers a content route using the rule condition
// language.
type ContentRouteRequest struct {
	Name      string             `json:"name"`
	Condition rules.ConditionDoc `json:"condition"`
	Agent     string             `json:"agent"`
}

// WebhookRequest registers a push target for an agent.
type WebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

type settleReq struct {
	MessageID string `json:"message_id"`
}

type subscribeReq struct {
	Pattern string `json:"pattern"`
}

type groupReq struct {
	Members []string `json:"members"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id,omitempty"`
	Agents   int    `json:"agents"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Agents:   len(h.hub.Gauges().Agents),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

// ─── Point-to-point ───────────────────────────────────────────────────────────

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.hub.Send(r.Context(), req.From, r.PathValue("agent"), req.Payload, req.options())
	if err != nil && id == "" {
		writeError(w, err)
		return
	}
	resp := SendResponse{MessageID: id}
	if err != nil {
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	wait := time.Duration(parseIntParam(r, "wait_ms", 0)) * time.Millisecond
	if wait > maxWait {
		wait = maxWait
	}

	var (
		msg *types.Message
		ok  bool
	)
	if wait > 0 {
		msg, ok = h.hub.ReceiveWait(r.Context(), agent, wait)
	} else {
		msg, ok = h.hub.Receive(agent)
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.hub.Ack)
}

func (h *Handler) nack(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.hub.Nack)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) error) {
	var req settleReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, errBadRequest("message_id is required"))
		return
	}
	if err := fn(r.Context(), r.PathValue("agent"), req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	patterns := h.hub.ListSubscriptions(r.PathValue("agent"))
	if patterns == nil {
		patterns = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"patterns": patterns})
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	added, err := h.hub.Subscribe(r.PathValue("agent"), req.Pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]bool{"added": added})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, errBadRequest("pattern query parameter is required"))
		return
	}
	removed, err := h.hub.Unsubscribe(r.PathValue("agent"), pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// ─── Fan-out & request/reply ──────────────────────────────────────────────────

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.hub.Publish(r.Context(), req.From, r.PathValue("topic"), req.Payload, req.options())
	if err != nil && id == "" {
		writeError(w, err)
		return
	}
	resp := SendResponse{MessageID: id}
	if err != nil {
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if len(req.To) == 0 {
		writeError(w, errBadRequest("to must list at least one agent"))
		return
	}
	ids, err := h.hub.Broadcast(r.Context(), req.From, req.To, req.Payload, req.options())
	writeMulti(w, ids, err)
}

func (h *Handler) request(w http.ResponseWriter, r *http.Request) {
	var req RequestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	reply, err := h.hub.SendRequest(r.Context(), req.From, req.To, req.Payload, timeout, req.options())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// ─── Rules ────────────────────────────────────────────────────────────────────

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	list := h.hub.ListRules()
	out := make([]RuleView, 0, len(list))
	for _, rule := range list {
		doc, err := rules.Describe(rule)
		if err != nil {
			h.logger.WarnContext(r.Context(), "describe rule", "rule", rule.Name, "error", err)
			continue
		}
		out = append(out, RuleView{RuleDoc: doc, Source: rule.Source})
	}
	writeJSON(w, http.StatusOK, map[string][]RuleView{"rules": out})
}

// addRule accepts one declarative rule. It passes the same schema
// validation as rule files.
func (h *Handler) addRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, err)
			return
		}
		writeError(w, errBadRequest("read body: "+err.Error()))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		writeError(w, errBadRequest("body must be a JSON rule object"))
		return
	}

	parsed, err := rules.ParseRuleset(body, rules.FormatJSON, rules.SourceAPI)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(parsed) != 1 {
		writeError(w, errBadRequest("body must hold exactly one rule"))
		return
	}
	if err := h.hub.AddRule(parsed[0]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": parsed[0].Name})
}

func (h *Handler) removeRule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.hub.RemoveRule(name) {
		writeError(w, fmt.Errorf("%w: rule %s", errNotFound, name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Content routes ───────────────────────────────────────────────────────────

func (h *Handler) listContentRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"routes": h.hub.ListContentRoutes()})
}

func (h *Handler) addContentRoute(w http.ResponseWriter, r *http.Request) {
	var req ContentRouteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cond, err := req.Condition.Compile()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.hub.AddContentRoute(req.Name, cond, req.Agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (h *Handler) removeContentRoute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.hub.RemoveContentRoute(name) {
		writeError(w, fmt.Errorf("%w: content route %s", errNotFound, name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Groups ───────────────────────────────────────────────────────────────────

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]group.Group{"groups": h.hub.ListGroups()})
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.hub.Group(r.PathValue("group"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) setGroup(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !decodeJSON(w, r, &req) {
		return
	}
	name := r.PathValue("group")
	if err := h.hub.SetGroup(name, req.Members); err != nil {
		writeError(w, err)
		return
	}
	g, err := h.hub.Group(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.DeleteGroup(r.PathValue("group")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendToGroup(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	ids, err := h.hub.SendToGroup(r.Context(), req.From, r.PathValue("group"), req.Payload, req.options())
	writeMulti(w, ids, err)
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

func (h *Handler) getWebhook(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	wh, ok := h.consumer.Get(agent)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", consumer.ErrNotFound, agent))
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *Handler) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wh, err := h.consumer.Register(r.PathValue("agent"), req.URL, req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

func (h *Handler) unregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.consumer.Unregister(r.PathValue("agent")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Gauges ───────────────────────────────────────────────────────────────────

func (h *Handler) gauges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Gauges())
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

var errNotFound = errors.New("not found")

// badRequest is a client error found by the transport itself.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error { return &badRequest{msg} }

// statusFor maps domain errors onto HTTP status codes. It is the only place
// that does so.
func statusFor(err error) int {
	var br *badRequest
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &br),
		errors.Is(err, hub.ErrInvalidAgent),
		errors.Is(err, hub.ErrNoReplyTo),
		errors.Is(err, topic.ErrInvalidTopic),
		errors.Is(err, topic.ErrInvalidPattern),
		errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, rules.ErrUnknownTransform),
		errors.Is(err, content.ErrInvalidRoute),
		errors.Is(err, group.ErrInvalidName),
		errors.Is(err, group.ErrNoMembers),
		errors.Is(err, types.ErrInvalidDestination),
		errors.Is(err, consumer.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errNotFound),
		errors.Is(err, group.ErrNotFound),
		errors.Is(err, consumer.ErrNotFound),
		errors.Is(err, hub.ErrNotInFlight):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrDuplicateRule),
		errors.Is(err, content.ErrDuplicateRoute),
		errors.Is(err, hub.ErrPendingRequest):
		return http.StatusConflict
	case errors.Is(err, hub.ErrTransform):
		return http.StatusUnprocessableEntity
	case errors.Is(err, hub.ErrBackpressure), errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, hub.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, hub.ErrClosed), errors.Is(err, consumer.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResp{Error: err.Error()})
}

// writeMulti reports a fan-out send. Partial success is still 202 with the
// failures listed; total failure maps the error as usual.
func writeMulti(w http.ResponseWriter, ids []string, err error) {
	if err != nil && len(ids) == 0 {
		writeError(w, err)
		return
	}
	resp := SendResponse{MessageIDs: ids}
	if resp.MessageIDs == nil {
		resp.MessageIDs = []string{}
	}
	if err != nil {
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, err)
			return false
		}
		writeError(w, errBadRequest("invalid json: "+err.Error()))
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
