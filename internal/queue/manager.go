package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// Hooks let the owner observe queue events. Every hook is optional and is
// invoked outside the queue lock.
type Hooks struct {
	// OnEnqueue fires after a message is queued.
	OnEnqueue func(agentID string, msg *types.Message)
	// OnRemove fires when a message leaves a queue by dequeue or Remove.
	OnRemove func(agentID, msgID string)
	// OnDrop fires when a message is discarded without delivery.
	OnDrop func(agentID string, msg *types.Message, reason types.Reason)
}

func (h Hooks) removed(agentID, msgID string) {
	if h.OnRemove != nil {
		h.OnRemove(agentID, msgID)
	}
}

func (h Hooks) drop(agentID string, msg *types.Message, reason types.Reason) {
	if h.OnDrop != nil {
		h.OnDrop(agentID, msg, reason)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSelector sets the band selector shared by every queue.
func WithSelector(sel BandSelector) ManagerOption {
	return func(m *Manager) { m.sel = sel }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithHooks installs event hooks on every queue.
func WithHooks(h Hooks) ManagerOption {
	return func(m *Manager) { m.hooks = h }
}

// Manager owns one Queue per agent, created on first use.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	cfg    Config
	sel    BandSelector
	now    func() time.Time
	hooks  Hooks
}

// NewManager returns an empty manager.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		queues: make(map[string]*Queue),
		cfg:    cfg,
		sel:    StrictPriority{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the agent's queue if it exists.
func (m *Manager) Get(agentID string) (*Queue, bool) {
	m.mu.RLock()
	q, ok := m.queues[agentID]
	m.mu.RUnlock()
	return q, ok
}

// GetOrCreate returns the agent's queue, creating it if needed.
func (m *Manager) GetOrCreate(agentID string) *Queue {
	if q, ok := m.Get(agentID); ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check under the write lock.
	if q, ok := m.queues[agentID]; ok {
		return q
	}
	q := newQueue(agentID, m.cfg, m.sel, m.now, m.hooks)
	m.queues[agentID] = q
	return q
}

// DeleteIdle discards the agent's queue if it holds no messages and
// clears the selector's state for the agent. The discarded queue is
// retired, so a caller still holding it gets ErrRetired from Enqueue.
func (m *Manager) DeleteIdle(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[agentID]
	if !ok || !q.retireIfEmpty() {
		return false
	}
	delete(m.queues, agentID)
	if f, ok := m.sel.(Forgetter); ok {
		f.Forget(agentID)
	}
	return true
}

// List returns the agent IDs with a live queue, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.queues))
	for id := range m.queues {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Expire removes msgID from the agent's queue, reporting it as expired.
// It has the shape the expiry scheduler calls back with.
func (m *Manager) Expire(msgID, agentID string) {
	q, ok := m.Get(agentID)
	if !ok {
		return
	}
	if msg, ok := q.Remove(msgID); ok {
		q.hooks.drop(agentID, msg, types.ReasonExpired)
	}
}

// Snapshot is a point-in-time view of one agent's queue.
type Snapshot struct {
	AgentID   string
	Depth     int
	Bands     [types.Bands]int
	OldestAge time.Duration
}

// Snapshots returns a view of every live queue, sorted by agent.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	qs := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(qs))
	for _, q := range qs {
		b := q.BandDepths()
		depth := 0
		for _, n := range b {
			depth += n
		}
		out = append(out, Snapshot{
			AgentID:   q.AgentID,
			Depth:     depth,
			Bands:     b,
			OldestAge: q.OldestAge(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
