// Package hub is the communication hub agents talk to.
//
// All transport layers (HTTP handlers, WebSocket, webhook consumers) go
// through the Hub, never directly to the routers or queues.
//
// Data flow:
//
//	Sender   → Hub.Send / Publish / Broadcast / SendRequest
//	         → routing stages (rules, content, topic, direct)
//	         → priority determination + inheritance
//	         → queue.Queue.Enqueue per destination agent
//	Consumer → Hub.Receive / ReceiveWait → Hub.Ack / Nack
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sneh-joshi/agenthub/internal/content"
	"github.com/sneh-joshi/agenthub/internal/group"
	"github.com/sneh-joshi/agenthub/internal/metrics"
	"github.com/sneh-joshi/agenthub/internal/node"
	"github.com/sneh-joshi/agenthub/internal/priority"
	"github.com/sneh-joshi/agenthub/internal/queue"
	"github.com/sneh-joshi/agenthub/internal/rules"
	"github.com/sneh-joshi/agenthub/internal/scheduler"
	"github.com/sneh-joshi/agenthub/internal/store"
	"github.com/sneh-joshi/agenthub/internal/topic"
	"github.com/sneh-joshi/agenthub/internal/types"
)

// SendOptions carries the optional fields of an outgoing message.
type SendOptions struct {
	// Priority is an explicit priority; out-of-range values are clamped.
	Priority *int
	Headers  map[string]any
	// CorrelationID links the message to a chain. Defaults to its own ID.
	CorrelationID string
	ReplyTo       string
	// Expiration is an absolute deadline. It takes precedence over TTL.
	Expiration *time.Time
	TTL        time.Duration
}

// Release relies on the fairness selector dropping a released agent's state.
var _ queue.Forgetter = (*priority.Fairness)(nil)

// Hub wires the routers, priority pipeline and per-agent queues into a
// single façade. All methods are safe for concurrent use.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	sink     *metrics.AsyncSink
	registry *metrics.Registry
	store    *store.Store

	topics     *topic.Router
	content    *content.Router
	rules      *rules.Engine
	groups     *group.Registry
	inherit    *priority.Inheritance
	determiner *priority.Determiner
	fairness   *priority.Fairness
	queues     *queue.Manager
	expiry     *scheduler.Scheduler

	pending      *inFlight
	ackDeadlines *scheduler.Scheduler

	reqMu     sync.Mutex
	waiters   map[waitKey]*waiter
	abandoned map[waitKey]abandonedRequest

	latency latencyStats

	closed    atomic.Bool
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds and starts a hub. When a store is attached its subscriptions,
// groups and API rules are restored; entries that no longer validate are
// logged and skipped.
func New(cfg Config, opts ...Option) (*Hub, error) {
	o := options{
		sink:   metrics.NoopSink{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.transforms == nil {
		o.transforms = rules.NewTransforms()
	}
	if len(cfg.Precedence) == 0 {
		cfg.Precedence = append([]Stage(nil), DefaultPrecedence...)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	h := &Hub{
		cfg:       cfg,
		logger:    o.logger,
		now:       o.now,
		registry:  o.registry,
		store:     o.store,
		topics:    topic.NewRouter(),
		content:   content.NewRouter(),
		rules:     rules.NewEngine(o.transforms),
		waiters:   make(map[waitKey]*waiter),
		abandoned: make(map[waitKey]abandonedRequest),
		pending:   newInFlight(),
		done:      make(chan struct{}),
	}

	var sink metrics.Sink = o.sink
	var asyncOpts []metrics.AsyncOption
	if o.registry != nil {
		sink = metrics.MultiSink{o.sink, o.registry}
		asyncOpts = append(asyncOpts, metrics.WithDropHook(o.registry.EventDropped))
	}
	h.sink = metrics.NewAsyncSink(sink, cfg.EventBuffer, asyncOpts...)

	if o.store != nil {
		h.groups = group.New(o.store)
	} else {
		h.groups = group.New(nil)
	}

	h.inherit = priority.NewInheritance(cfg.Inheritance, o.now)
	h.determiner = priority.NewDeterminer(cfg.Priority, h.inherit)
	h.fairness = priority.NewFairness(cfg.Fairness, o.now)
	h.expiry = scheduler.New()
	h.ackDeadlines = scheduler.New()
	h.queues = queue.NewManager(cfg.Queue,
		queue.WithSelector(h.fairness),
		queue.WithClock(o.now),
		queue.WithHooks(queue.Hooks{
			OnEnqueue: h.onEnqueue,
			OnRemove:  h.onRemove,
			OnDrop:    h.onDrop,
		}),
	)

	if err := h.restore(); err != nil {
		h.sink.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.inherit.Start(ctx)
	h.expiry.Start(ctx, h.queues.Expire)
	h.ackDeadlines.Start(ctx, h.redeliver)

	if h.registry != nil {
		h.registry.SetGaugeSource(h.queueGauges)
	}
	return h, nil
}

// Close stops background work and releases pending requests with
// ErrClosed. Queued messages are discarded. Safe to call more than once.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)
		h.cancel()
		h.expiry.Stop()
		h.ackDeadlines.Stop()
		h.inherit.Stop()
		h.sink.Close()
	})
	return nil
}

// Transforms exposes the rule engine's transform registry for callers that
// register transforms after construction.
func (h *Hub) Transforms() *rules.Transforms { return h.rules.Transforms() }

// ─── Sending ──────────────────────────────────────────────────────────────────

// Send addresses one agent. It returns the message ID; when rules fan the
// message out, the copies carry their own IDs.
func (h *Hub) Send(ctx context.Context, from, to string, payload any, opts SendOptions) (string, error) {
	if err := h.check(ctx, from, to); err != nil {
		return "", err
	}
	msg, err := h.newMessage(from, types.Agent(to), payload, opts)
	if err != nil {
		return "", err
	}
	ids, err := h.dispatch(ctx, msg, opts.Priority)
	if err != nil && len(ids) == 0 {
		return "", err
	}
	return msg.ID, err
}

// Publish delivers an independent copy to every subscriber of topicName.
// The copies share the original's correlation ID and the original's ID is
// returned. A topic nobody subscribes to is dropped without error.
func (h *Hub) Publish(ctx context.Context, from, topicName string, payload any, opts SendOptions) (string, error) {
	if err := h.check(ctx, from); err != nil {
		return "", err
	}
	if err := topic.ValidateTopic(topicName); err != nil {
		return "", err
	}
	msg, err := h.newMessage(from, types.Topic(topicName), payload, opts)
	if err != nil {
		return "", err
	}
	_, err = h.dispatch(ctx, msg, opts.Priority)
	return msg.ID, err
}

// Broadcast sends one message per destination, all sharing one correlation
// ID. It returns the IDs that were delivered; failures are joined into the
// error and do not undo successful deliveries.
func (h *Hub) Broadcast(ctx context.Context, from string, to []string, payload any, opts SendOptions) ([]string, error) {
	if err := h.check(ctx, from); err != nil {
		return nil, err
	}
	if opts.CorrelationID == "" {
		id, err := node.NewID()
		if err != nil {
			return nil, err
		}
		opts.CorrelationID = id
	}

	var (
		ids  []string
		errs []error
	)
	for _, agent := range to {
		if agent == "" {
			errs = append(errs, ErrInvalidAgent)
			continue
		}
		msg, err := h.newMessage(from, types.Agent(agent), payload, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		delivered, err := h.dispatch(ctx, msg, opts.Priority)
		ids = append(ids, delivered...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return ids, errors.Join(errs...)
}

// SendToGroup fans a message out to every member of groupID.
func (h *Hub) SendToGroup(ctx context.Context, from, groupID string, payload any, opts SendOptions) ([]string, error) {
	if err := h.check(ctx, from); err != nil {
		return nil, err
	}
	if _, ok := h.groups.Members(groupID); !ok {
		return nil, fmt.Errorf("%w: %s", group.ErrNotFound, groupID)
	}
	msg, err := h.newMessage(from, types.Group(groupID), payload, opts)
	if err != nil {
		return nil, err
	}
	return h.dispatch(ctx, msg, opts.Priority)
}

func (h *Hub) check(ctx context.Context, agents ...string) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, a := range agents {
		if a == "" {
			return ErrInvalidAgent
		}
	}
	return nil
}

func (h *Hub) newMessage(from string, dest types.Destination, payload any, opts SendOptions) (*types.Message, error) {
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("hub: message id: %w", err)
	}
	now := h.now()
	msg := &types.Message{
		ID:            id,
		CorrelationID: opts.CorrelationID,
		Source:        from,
		Destination:   dest,
		ReplyTo:       opts.ReplyTo,
		Timestamp:     now,
		Payload:       payload,
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = id
	}
	if len(opts.Headers) > 0 {
		msg.Headers = make(map[string]any, len(opts.Headers))
		for k, v := range opts.Headers {
			msg.Headers[k] = v
		}
	}
	switch {
	case opts.Expiration != nil:
		exp := *opts.Expiration
		msg.Expiration = &exp
	case opts.TTL > 0:
		exp := now.Add(opts.TTL)
		msg.Expiration = &exp
	}
	return msg, nil
}

// ─── Routing ──────────────────────────────────────────────────────────────────

// plan is the outcome of the routing stages for one message.
type plan struct {
	msg      *types.Message
	priority *int
	dests    []types.Destination
	chosen   bool
	agents   []string
	fanout   bool
}

func (h *Hub) route(msg *types.Message, explicit *int) (plan, error) {
	p := plan{msg: msg, priority: explicit}

	for _, st := range h.cfg.Precedence {
		switch st {
		case StageRules:
			res := h.rules.Evaluate(p.msg)
			if !res.Fired() {
				continue
			}
			m, err := h.rules.Apply(p.msg, res)
			if err != nil {
				return p, fmt.Errorf("%w: %w", ErrTransform, err)
			}
			p.msg = m
			if res.Priority != nil {
				v := *res.Priority
				p.priority = &v
			}
			if len(res.Routes) > 0 && !p.chosen {
				p.dests, p.chosen = res.Routes, true
			}
		case StageContent:
			if p.chosen {
				continue
			}
			if agent, ok := h.content.Route(p.msg); ok {
				p.dests, p.chosen = []types.Destination{types.Agent(agent)}, true
			}
		case StageTopic:
			if d := p.msg.Destination; !p.chosen && (d.Type == types.DestTopic || d.Type == types.DestGroup) {
				p.dests, p.chosen = []types.Destination{d}, true
			}
		case StageDirect:
			if d := p.msg.Destination; !p.chosen && d.Type == types.DestAgent {
				p.dests, p.chosen = []types.Destination{d}, true
			}
		}
	}

	seen := make(map[string]struct{})
	add := func(agents ...string) {
		for _, a := range agents {
			if _, dup := seen[a]; !dup && a != "" {
				seen[a] = struct{}{}
				p.agents = append(p.agents, a)
			}
		}
	}
	for _, d := range p.dests {
		switch d.Type {
		case types.DestAgent:
			add(d.ID)
		case types.DestTopic:
			p.fanout = true
			add(h.topics.Resolve(d.ID)...)
		case types.DestGroup:
			p.fanout = true
			members, _ := h.groups.Members(d.ID)
			add(members...)
		}
	}
	if len(p.dests) > 1 {
		p.fanout = true
	}
	return p, nil
}

// dispatch routes msg, assigns its priority and hands it to every resolved
// agent. It returns the IDs actually delivered.
func (h *Hub) dispatch(ctx context.Context, msg *types.Message, explicit *int) ([]string, error) {
	h.emit(msg, "", types.StatusCreated, types.ReasonNone)

	p, err := h.route(msg, explicit)
	if err != nil {
		h.emit(msg, "", types.StatusFailed, types.ReasonTransformError)
		h.logger.WarnContext(ctx, "rule transform failed", "message_id", msg.ID, "error", err)
		return nil, err
	}
	msg = p.msg
	msg.Priority = h.determiner.Determine(msg, p.priority)

	if len(p.agents) == 0 {
		h.emit(msg, "", types.StatusDropped, types.ReasonNoRoute)
		h.logger.DebugContext(ctx, "no route", "message_id", msg.ID, "destination", msg.Destination.String())
		return nil, nil
	}
	if msg.Expired(h.now()) {
		h.emit(msg, "", types.StatusDropped, types.ReasonExpired)
		return nil, nil
	}

	var (
		ids  []string
		errs []error
	)
	for _, agent := range p.agents {
		m := msg
		if p.fanout {
			m = msg.Clone()
			if m.ID, err = node.NewID(); err != nil {
				errs = append(errs, fmt.Errorf("hub: message id: %w", err))
				continue
			}
		}
		ok, err := h.deliver(ctx, agent, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", agent, err))
			continue
		}
		if ok {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) > 0 {
		h.determiner.Record(msg.CorrelationID, msg.Priority)
	}
	return ids, errors.Join(errs...)
}

// deliver hands m to a waiting requester or enqueues it for agent. It
// reports false without error when m was dropped locally.
func (h *Hub) deliver(ctx context.Context, agent string, m *types.Message) (bool, error) {
	if h.handToWaiter(agent, m) {
		h.emit(m, agent, types.StatusDelivered, types.ReasonNone)
		return true, nil
	}
	if h.isAbandoned(agent, m) {
		h.emit(m, agent, types.StatusDropped, types.ReasonReplyAbandoned)
		h.logger.DebugContext(ctx, "late reply discarded", "agent", agent, "correlation_id", m.CorrelationID)
		return false, nil
	}

	err := h.enqueue(agent, m)
	switch {
	case err == nil:
		h.emit(m, agent, types.StatusRouted, types.ReasonNone)
		return true, nil
	case errors.Is(err, queue.ErrExpired):
		return false, nil
	case errors.Is(err, queue.ErrQueueFull):
		h.emit(m, agent, types.StatusFailed, types.ReasonBackpressure)
		h.logger.WarnContext(ctx, "queue full", "agent", agent, "message_id", m.ID)
		return false, fmt.Errorf("%w: %w", ErrBackpressure, err)
	default:
		return false, err
	}
}

// enqueue puts m on agent's current queue, following a Release that
// retired the queue in between.
func (h *Hub) enqueue(agent string, m *types.Message) error {
	for {
		err := h.queues.GetOrCreate(agent).Enqueue(m)
		if !errors.Is(err, queue.ErrRetired) {
			return err
		}
	}
}

// ─── Queue hooks ──────────────────────────────────────────────────────────────

func (h *Hub) onEnqueue(agentID string, msg *types.Message) {
	if msg.Expiration != nil {
		h.expiry.Schedule(msg.ID, agentID, *msg.Expiration)
	}
}

func (h *Hub) onRemove(_, msgID string) { h.expiry.Cancel(msgID) }

func (h *Hub) onDrop(agentID string, msg *types.Message, reason types.Reason) {
	h.emit(msg, agentID, types.StatusDropped, reason)
	h.logger.Debug("message dropped", "agent", agentID, "message_id", msg.ID, "reason", string(reason))
}

func (h *Hub) emit(msg *types.Message, to string, status types.Status, reason types.Reason) {
	h.sink.RecordEvent(metrics.NewEvent(msg, to, status, reason, h.now()))
}

// ─── Restore ──────────────────────────────────────────────────────────────────

func (h *Hub) restore() error {
	if h.store == nil {
		return nil
	}

	subs, err := h.store.Subscriptions()
	if err != nil {
		return fmt.Errorf("hub: restore subscriptions: %w", err)
	}
	for _, s := range subs {
		if _, err := h.topics.Subscribe(s.AgentID, s.Pattern); err != nil {
			h.logger.Warn("skipping stored subscription", "agent", s.AgentID, "pattern", s.Pattern, "error", err)
		}
	}

	groups, err := h.store.Groups()
	if err != nil {
		return fmt.Errorf("hub: restore groups: %w", err)
	}
	if err := h.groups.Load(groups); err != nil {
		h.logger.Warn("skipping stored groups", "error", err)
	}

	stored, err := h.store.Rules()
	if err != nil {
		return fmt.Errorf("hub: restore rules: %w", err)
	}
	for _, sr := range stored {
		var doc rules.RuleDoc
		if err := json.Unmarshal(sr.Definition, &doc); err != nil {
			h.logger.Warn("skipping stored rule", "rule", sr.Name, "error", err)
			continue
		}
		r, err := doc.Compile(rules.SourceAPI)
		if err == nil {
			err = h.rules.Add(r)
		}
		if err != nil {
			h.logger.Warn("skipping stored rule", "rule", sr.Name, "error", err)
		}
	}
	return nil
}
