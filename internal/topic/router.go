package topic

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Subscription is an (agent, pattern) pair.
type Subscription struct {
	AgentID string `json:"agent_id"`
	Pattern string `json:"pattern"`
}

// table is an immutable snapshot of the subscription set. Writers build a
// new table and swap the pointer; readers never see a partial update.
type table struct {
	// byPattern maps pattern -> set of agent IDs.
	byPattern map[string]map[string]struct{}
	// segments caches the split form of every pattern.
	segments map[string][]string
}

func (t *table) clone() *table {
	n := &table{
		byPattern: make(map[string]map[string]struct{}, len(t.byPattern)),
		segments:  make(map[string][]string, len(t.segments)),
	}
	for p, agents := range t.byPattern {
		set := make(map[string]struct{}, len(agents))
		for a := range agents {
			set[a] = struct{}{}
		}
		n.byPattern[p] = set
		n.segments[p] = t.segments[p]
	}
	return n
}

// Router holds subscriptions and resolves published topics to subscribers.
// Reads are lock-free against an atomically published snapshot.
type Router struct {
	mu  sync.Mutex // serialises writers
	cur atomic.Pointer[table]
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	r := &Router{}
	r.cur.Store(&table{
		byPattern: make(map[string]map[string]struct{}),
		segments:  make(map[string][]string),
	})
	return r
}

// Subscribe registers agentID for pattern. Re-subscribing the same pair is
// a no-op and reports added=false.
func (r *Router) Subscribe(agentID, pattern string) (added bool, err error) {
	if err := ValidatePattern(pattern); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.Load()
	if _, ok := old.byPattern[pattern][agentID]; ok {
		return false, nil
	}
	next := old.clone()
	set, ok := next.byPattern[pattern]
	if !ok {
		set = make(map[string]struct{})
		next.byPattern[pattern] = set
		next.segments[pattern] = strings.Split(pattern, separator)
	}
	set[agentID] = struct{}{}
	r.cur.Store(next)
	return true, nil
}

// Unsubscribe removes the pair if present. Removing an unknown pair is not
// an error.
func (r *Router) Unsubscribe(agentID, pattern string) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.Load()
	if _, ok := old.byPattern[pattern][agentID]; !ok {
		return false
	}
	next := old.clone()
	delete(next.byPattern[pattern], agentID)
	if len(next.byPattern[pattern]) == 0 {
		delete(next.byPattern, pattern)
		delete(next.segments, pattern)
	}
	r.cur.Store(next)
	return true
}

// Resolve returns the sorted, de-duplicated agents with at least one pattern
// matching topic.
func (r *Router) Resolve(topic string) []string {
	t := r.cur.Load()
	top := strings.Split(topic, separator)

	seen := make(map[string]struct{})
	for p, agents := range t.byPattern {
		if !matchSegments(t.segments[p], top) {
			continue
		}
		for a := range agents {
			seen[a] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// List returns agentID's patterns, sorted.
func (r *Router) List(agentID string) []string {
	t := r.cur.Load()
	out := make([]string, 0)
	for p, agents := range t.byPattern {
		if _, ok := agents[agentID]; ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every subscription ordered by agent then pattern.
func (r *Router) All() []Subscription {
	t := r.cur.Load()
	var out []Subscription
	for p, agents := range t.byPattern {
		for a := range agents {
			out = append(out, Subscription{AgentID: a, Pattern: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
