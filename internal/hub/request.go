package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/sneh-joshi/agenthub/internal/types"
)

type waitKey struct {
	agent string
	corr  string
}

type waiter struct {
	requestID string
	ch        chan *types.Message
}

type abandonedRequest struct {
	requestID string
	until     time.Time
}

// SendRequest sends payload to `to` with reply_to set to from and waits for
// the reply: the next message addressed to from with the request's
// correlation ID and a different message ID. The reply is handed over
// directly and never enters from's queue.
//
// A zero timeout uses Config.RequestTimeout. On timeout the error is a
// *TimeoutError; on ctx cancellation it is ctx.Err(). Either way the request
// itself stays queued at the destination and late replies are discarded for
// Config.ReplyGrace.
func (h *Hub) SendRequest(ctx context.Context, from, to string, payload any, timeout time.Duration, opts SendOptions) (*types.Message, error) {
	if err := h.check(ctx, from, to); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = h.cfg.RequestTimeout
	}

	opts.ReplyTo = from
	msg, err := h.newMessage(from, types.Agent(to), payload, opts)
	if err != nil {
		return nil, err
	}

	key := waitKey{agent: from, corr: msg.CorrelationID}
	w := &waiter{requestID: msg.ID, ch: make(chan *types.Message, 1)}
	h.reqMu.Lock()
	if _, busy := h.waiters[key]; busy {
		h.reqMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPendingRequest, msg.CorrelationID)
	}
	h.waiters[key] = w
	delete(h.abandoned, key)
	h.reqMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if ids, err := h.dispatch(ctx, msg, opts.Priority); len(ids) == 0 {
		h.release(key, w)
		if err == nil {
			err = fmt.Errorf("hub: request %s was not delivered", msg.ID)
		}
		return nil, err
	}

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-timer.C:
		if reply := h.abandon(key, w); reply != nil {
			return reply, nil
		}
		return nil, &TimeoutError{From: from, To: to, CorrelationID: msg.CorrelationID, Timeout: timeout}
	case <-ctx.Done():
		if reply := h.abandon(key, w); reply != nil {
			return reply, nil
		}
		return nil, ctx.Err()
	case <-h.done:
		h.release(key, w)
		return nil, ErrClosed
	}
}

// Reply answers request, addressing its reply_to with its correlation ID.
func (h *Hub) Reply(ctx context.Context, from string, request *types.Message, payload any, opts SendOptions) (string, error) {
	if request == nil || request.ReplyTo == "" {
		return "", ErrNoReplyTo
	}
	opts.CorrelationID = request.CorrelationID
	return h.Send(ctx, from, request.ReplyTo, payload, opts)
}

// PendingRequests returns the number of SendRequest calls still waiting.
func (h *Hub) PendingRequests() int {
	h.reqMu.Lock()
	defer h.reqMu.Unlock()
	return len(h.waiters)
}

// handToWaiter passes a copy of m to the request it answers, if any.
func (h *Hub) handToWaiter(agent string, m *types.Message) bool {
	key := waitKey{agent: agent, corr: m.CorrelationID}
	h.reqMu.Lock()
	defer h.reqMu.Unlock()
	w, ok := h.waiters[key]
	if !ok || w.requestID == m.ID {
		return false
	}
	delete(h.waiters, key)
	w.ch <- m.Clone() // buffered; each waiter receives at most one reply
	return true
}

func (h *Hub) isAbandoned(agent string, m *types.Message) bool {
	key := waitKey{agent: agent, corr: m.CorrelationID}
	h.reqMu.Lock()
	defer h.reqMu.Unlock()
	a, ok := h.abandoned[key]
	if !ok {
		return false
	}
	if h.now().After(a.until) {
		delete(h.abandoned, key)
		return false
	}
	return a.requestID != m.ID
}

// release forgets w without remembering the request as abandoned.
func (h *Hub) release(key waitKey, w *waiter) {
	h.reqMu.Lock()
	if h.waiters[key] == w {
		delete(h.waiters, key)
	}
	h.reqMu.Unlock()
}

// abandon forgets w and remembers its key for ReplyGrace. A reply that
// raced in before the waiter was removed is returned instead.
func (h *Hub) abandon(key waitKey, w *waiter) *types.Message {
	now := h.now()
	h.reqMu.Lock()
	if h.waiters[key] != w {
		// Already answered; the reply is in the channel.
		h.reqMu.Unlock()
		return <-w.ch
	}
	delete(h.waiters, key)
	if h.cfg.ReplyGrace > 0 {
		for k, a := range h.abandoned {
			if now.After(a.until) {
				delete(h.abandoned, k)
			}
		}
		h.abandoned[key] = abandonedRequest{requestID: w.requestID, until: now.Add(h.cfg.ReplyGrace)}
	}
	h.reqMu.Unlock()
	return nil
}
