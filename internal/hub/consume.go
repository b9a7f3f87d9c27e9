package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sneh-joshi/agenthub/internal/metrics"
	"github.com/sneh-joshi/agenthub/internal/queue"
	"github.com/sneh-joshi/agenthub/internal/types"
)

// Receive returns the agent's next message without blocking.
func (h *Hub) Receive(agentID string) (*types.Message, bool) {
	if h.closed.Load() || agentID == "" {
		return nil, false
	}
	q, ok := h.queues.Get(agentID)
	if !ok {
		return nil, false
	}
	msg, ok := q.Dequeue()
	if !ok {
		return nil, false
	}
	return h.delivered(agentID, msg), true
}

// ReceiveWait blocks until a message is available, timeout elapses or ctx
// is done. A non-positive timeout behaves like Receive.
func (h *Hub) ReceiveWait(ctx context.Context, agentID string, timeout time.Duration) (*types.Message, bool) {
	if h.closed.Load() || agentID == "" {
		return nil, false
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	deadline := time.Now().Add(timeout)
	for {
		q := h.queues.GetOrCreate(agentID)
		if msg, ok := q.DequeueWait(ctx, timeout); ok {
			return h.delivered(agentID, msg), true
		}
		// A Release retired the queue under us; wait on its successor.
		if !q.Retired() || ctx.Err() != nil {
			return nil, false
		}
		if timeout = time.Until(deadline); timeout <= 0 {
			return nil, false
		}
	}
}

// Wake returns a channel closed at the agent's next enqueue. Push
// transports use it to avoid polling.
func (h *Hub) Wake(agentID string) <-chan struct{} {
	return h.queues.GetOrCreate(agentID).Wake()
}

// delivered records msg as in flight for agentID and returns a copy for
// the consumer.
func (h *Hub) delivered(agentID string, msg *types.Message) *types.Message {
	now := h.now()
	h.pending.add(agentID, msg, now)
	if h.cfg.AckTimeout > 0 {
		h.ackDeadlines.Schedule(msg.ID, agentID, time.Now().Add(h.cfg.AckTimeout))
	}
	h.emit(msg, agentID, types.StatusDelivered, types.ReasonNone)
	return msg.Clone()
}

// Ack settles a message agentID received and records its end-to-end
// latency. It returns ErrNotInFlight unless the message is in flight for
// agentID.
func (h *Hub) Ack(ctx context.Context, agentID, msgID string) error {
	if err := h.check(ctx, agentID); err != nil {
		return err
	}
	e, ok := h.pending.take(agentID, msgID)
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrNotInFlight, msgID, agentID)
	}
	h.ackDeadlines.Cancel(msgID)

	now := h.now()
	var lat time.Duration
	if !e.msg.Timestamp.IsZero() {
		lat = now.Sub(e.msg.Timestamp)
		h.latency.observe(lat)
	}
	ev := metrics.NewEvent(e.msg, agentID, types.StatusProcessed, types.ReasonNone, now)
	ev.Latency = lat
	h.sink.RecordEvent(ev)
	h.logger.DebugContext(ctx, "message acked", "agent", agentID, "message_id", msgID, "latency", lat)
	return nil
}

// Nack puts a message agentID received back on its queue. The hub's stored
// copy is requeued, subject to expiry and backpressure like a fresh
// delivery. It returns ErrNotInFlight unless the message is in flight for
// agentID.
func (h *Hub) Nack(ctx context.Context, agentID, msgID string) error {
	if err := h.check(ctx, agentID); err != nil {
		return err
	}
	e, ok := h.pending.take(agentID, msgID)
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrNotInFlight, msgID, agentID)
	}
	h.ackDeadlines.Cancel(msgID)
	if err := h.requeue(agentID, e.msg); err != nil {
		return err
	}
	h.logger.DebugContext(ctx, "message nacked", "agent", agentID, "message_id", msgID)
	return nil
}

// InFlight returns how many messages agentID has received and not settled.
func (h *Hub) InFlight(agentID string) int { return h.pending.count(agentID) }

// redeliver requeues a message whose ack deadline passed. It runs on the
// ack deadline scheduler.
func (h *Hub) redeliver(msgID, agentID string) {
	e, ok := h.pending.take(agentID, msgID)
	if !ok {
		return
	}
	if err := h.requeue(agentID, e.msg); err != nil {
		h.logger.Warn("redelivery failed", "agent", agentID, "message_id", msgID, "error", err)
		return
	}
	h.logger.Info("ack timeout, message requeued", "agent", agentID, "message_id", msgID,
		"held", h.now().Sub(e.deliveredAt))
}

func (h *Hub) requeue(agentID string, msg *types.Message) error {
	err := h.enqueue(agentID, msg)
	switch {
	case err == nil, errors.Is(err, queue.ErrExpired):
		return nil
	case errors.Is(err, queue.ErrQueueFull):
		h.emit(msg, agentID, types.StatusFailed, types.ReasonBackpressure)
		return fmt.Errorf("%w: %w", ErrBackpressure, err)
	default:
		return err
	}
}

// Release discards agentID's queue and fairness state once the agent has
// nothing queued and nothing in flight. It reports whether the agent was
// released; a later delivery or receive starts afresh.
func (h *Hub) Release(agentID string) bool {
	if agentID == "" || h.pending.count(agentID) > 0 {
		return false
	}
	if h.expiry.CountByAgent(agentID) > 0 || h.ackDeadlines.CountByAgent(agentID) > 0 {
		return false
	}
	if !h.queues.DeleteIdle(agentID) {
		return false
	}
	h.logger.Debug("agent released", "agent", agentID)
	return true
}

// ─── Latency ──────────────────────────────────────────────────────────────────

type latencyStats struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	last  time.Duration
}

func (l *latencyStats) observe(d time.Duration) {
	l.mu.Lock()
	l.count++
	l.total += d
	l.last = d
	l.mu.Unlock()
}

func (l *latencyStats) snapshot() (count int64, avg, last time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count > 0 {
		avg = l.total / time.Duration(l.count)
	}
	return l.count, avg, l.last
}
