// Package queue implements the per-agent priority queues the hub delivers
// into: one FIFO per priority band, a pluggable band selector that applies
// starvation avoidance, bounded depth for backpressure, and wake signalling
// for bounded blocking receives.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrQueueFull is returned by Enqueue when the queue is at MaxDepth.
	ErrQueueFull = errors.New("queue: full")
	// ErrExpired is returned by Enqueue when the message is already past its
	// expiration. The message has been dropped.
	ErrExpired = errors.New("queue: message expired")
	// ErrDuplicate is returned when a message with the same ID is already
	// queued.
	ErrDuplicate = errors.New("queue: duplicate message id")
	// ErrRetired is returned by Enqueue on a queue its Manager has
	// discarded. Fetch the agent's current queue and retry.
	ErrRetired = errors.New("queue: retired")
)

// ─── Config ───────────────────────────────────────────────────────────────────

// Config holds the per-queue limits.
type Config struct {
	// MaxDepth caps queued messages per agent. 0 means unbounded.
	MaxDepth int
	// PollInterval is the fallback re-check period for DequeueWait.
	PollInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:     10_000,
		PollInterval: 25 * time.Millisecond,
	}
}

// ─── Band selection ───────────────────────────────────────────────────────────

// BandSelector chooses which priority band a dequeue draws from. Band index
// equals priority; higher is more urgent.
type BandSelector interface {
	Enqueued(agentID string, band int, wasEmpty bool)
	Select(agentID string, occupied [types.Bands]bool) (band int, forced bool)
	Served(agentID string, band int, occupied [types.Bands]bool)
}

// Forgetter is implemented by selectors that keep per-agent state. The
// Manager calls Forget when it discards an agent's queue.
type Forgetter interface {
	Forget(agentID string)
}

// StrictPriority always serves the highest occupied band.
type StrictPriority struct{}

func (StrictPriority) Enqueued(string, int, bool) {}

func (StrictPriority) Select(_ string, occupied [types.Bands]bool) (int, bool) {
	for b := types.Bands - 1; b >= 0; b-- {
		if occupied[b] {
			return b, false
		}
	}
	return -1, false
}

func (StrictPriority) Served(string, int, [types.Bands]bool) {}

// ─── Queue ────────────────────────────────────────────────────────────────────

type entry struct {
	msg        *types.Message
	enqueuedAt time.Time
}

// Queue is one agent's delivery queue. Within a band order is FIFO by
// enqueue time; across bands the selector decides. All methods are safe
// for concurrent use and never block on other agents' queues.
type Queue struct {
	AgentID string

	cfg   Config
	sel   BandSelector
	now   func() time.Time
	hooks Hooks

	mu     sync.Mutex
	bands  [types.Bands]*list.List // elements are *entry
	index  map[string]*list.Element
	depth   int
	waitCh  chan struct{} // closed and replaced on every enqueue
	retired bool
}

func newQueue(agentID string, cfg Config, sel BandSelector, now func() time.Time, hooks Hooks) *Queue {
	q := &Queue{
		AgentID: agentID,
		cfg:     cfg,
		sel:     sel,
		now:     now,
		hooks:   hooks,
		index:   make(map[string]*list.Element),
		waitCh:  make(chan struct{}),
	}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	return q
}

// New returns a standalone queue with strict priority ordering and no hooks.
func New(agentID string, cfg Config) *Queue {
	return newQueue(agentID, cfg, StrictPriority{}, time.Now, Hooks{})
}

// Enqueue appends msg to the band matching its priority.
//
// An already-expired message is dropped (OnDrop fires) and ErrExpired is
// returned. A full queue returns ErrQueueFull and leaves the queue as is.
func (q *Queue) Enqueue(msg *types.Message) error {
	now := q.now()
	if msg.Expired(now) {
		q.hooks.drop(q.AgentID, msg, types.ReasonExpired)
		return ErrExpired
	}

	band := bandFor(msg.Priority)

	q.mu.Lock()
	if q.retired {
		q.mu.Unlock()
		return fmt.Errorf("%w: agent %s", ErrRetired, q.AgentID)
	}
	if q.cfg.MaxDepth > 0 && q.depth >= q.cfg.MaxDepth {
		q.mu.Unlock()
		return fmt.Errorf("%w: agent %s at %d messages", ErrQueueFull, q.AgentID, q.cfg.MaxDepth)
	}
	if _, dup := q.index[msg.ID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}
	wasEmpty := q.bands[band].Len() == 0
	q.index[msg.ID] = q.bands[band].PushBack(&entry{msg: msg, enqueuedAt: now})
	q.depth++
	q.sel.Enqueued(q.AgentID, band, wasEmpty)
	close(q.waitCh)
	q.waitCh = make(chan struct{})
	q.mu.Unlock()

	if q.hooks.OnEnqueue != nil {
		q.hooks.OnEnqueue(q.AgentID, msg)
	}
	return nil
}

// Dequeue removes and returns the next message, or false when the queue is
// empty. Expired messages met on the way are dropped. It never blocks.
func (q *Queue) Dequeue() (*types.Message, bool) {
	now := q.now()
	var (
		got     *types.Message
		removed []string
		dropped []*types.Message
	)

	q.mu.Lock()
	for q.depth > 0 {
		occ := q.occupiedLocked()
		band, _ := q.sel.Select(q.AgentID, occ)
		if band < 0 {
			break
		}
		e := q.popLocked(band)
		removed = append(removed, e.msg.ID)
		if e.msg.Expired(now) {
			dropped = append(dropped, e.msg)
			continue
		}
		q.sel.Served(q.AgentID, band, occ)
		got = e.msg
		break
	}
	q.mu.Unlock()

	for _, id := range removed {
		q.hooks.removed(q.AgentID, id)
	}
	for _, m := range dropped {
		q.hooks.drop(q.AgentID, m, types.ReasonExpired)
	}
	return got, got != nil
}

// DequeueWait polls until a message arrives, timeout elapses or ctx is
// done. It wakes on every enqueue and re-checks at least every
// PollInterval. A non-positive timeout makes it a plain Dequeue. It
// returns early, empty-handed, if the queue is retired meanwhile.
func (q *Queue) DequeueWait(ctx context.Context, timeout time.Duration) (*types.Message, bool) {
	if timeout <= 0 {
		return q.Dequeue()
	}
	poll := q.cfg.PollInterval
	if poll <= 0 {
		poll = DefaultConfig().PollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		wake := q.Wake()
		if msg, ok := q.Dequeue(); ok {
			return msg, true
		}
		if q.Retired() {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-wake:
		case <-ticker.C:
		}
	}
}

// Remove deletes a queued message by ID, returning it if it was present.
func (q *Queue) Remove(msgID string) (*types.Message, bool) {
	q.mu.Lock()
	el, ok := q.index[msgID]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	e := el.Value.(*entry)
	q.bands[bandFor(e.msg.Priority)].Remove(el)
	delete(q.index, msgID)
	q.depth--
	q.mu.Unlock()

	q.hooks.removed(q.AgentID, msgID)
	return e.msg, true
}

// Wake returns a channel closed at the next enqueue.
func (q *Queue) Wake() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitCh
}

// Retired reports whether the Manager has discarded this queue.
func (q *Queue) Retired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retired
}

// retireIfEmpty marks an empty queue retired and wakes its waiters. The
// wait channel stays closed from then on.
func (q *Queue) retireIfEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired || q.depth > 0 {
		return false
	}
	q.retired = true
	close(q.waitCh)
	return true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// BandDepths returns the number of queued messages per band.
func (q *Queue) BandDepths() [types.Bands]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [types.Bands]int
	for i, l := range q.bands {
		out[i] = l.Len()
	}
	return out
}

// OldestAge returns how long the longest-waiting message has been queued,
// or zero when empty.
func (q *Queue) OldestAge() time.Duration {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for _, l := range q.bands {
		if front := l.Front(); front != nil {
			at := front.Value.(*entry).enqueuedAt
			if oldest.IsZero() || at.Before(oldest) {
				oldest = at
			}
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

func (q *Queue) occupiedLocked() [types.Bands]bool {
	var occ [types.Bands]bool
	for i, l := range q.bands {
		occ[i] = l.Len() > 0
	}
	return occ
}

func (q *Queue) popLocked(band int) *entry {
	e := q.bands[band].Remove(q.bands[band].Front()).(*entry)
	delete(q.index, e.msg.ID)
	q.depth--
	return e
}

func bandFor(p int) int {
	switch {
	case p < types.PriorityMin:
		return types.PriorityMin
	case p > types.PriorityMax:
		return types.PriorityMax
	}
	return p
}
