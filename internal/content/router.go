// Package content routes messages to agents by predicates over their
// headers and payload. Routes are tried in registration order and the
// first match wins.
package content

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sneh-joshi/agenthub/internal/types"
)

var (
	// ErrDuplicateRoute is returned by Add when the name is taken.
	ErrDuplicateRoute = errors.New("content: duplicate route name")
	// ErrInvalidRoute is returned by Add for an empty name, nil predicate or
	// empty destination.
	ErrInvalidRoute = errors.New("content: invalid route")
)

// Predicate decides whether a message takes a route. rules.Condition
// values satisfy it.
type Predicate interface {
	Match(msg *types.Message) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(msg *types.Message) bool

func (f PredicateFunc) Match(msg *types.Message) bool { return f(msg) }

// Route is one registered content route.
type Route struct {
	Name      string
	Predicate Predicate
	AgentID   string
}

// Router is safe for concurrent use. Route never takes a lock.
type Router struct {
	mu     sync.Mutex
	routes atomic.Pointer[[]Route]
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	r := &Router{}
	r.routes.Store(&[]Route{})
	return r
}

// Add appends a route after all existing ones.
func (r *Router) Add(name string, p Predicate, agentID string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidRoute)
	case p == nil:
		return fmt.Errorf("%w: %q has no predicate", ErrInvalidRoute, name)
	case agentID == "":
		return fmt.Errorf("%w: %q has no destination", ErrInvalidRoute, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.routes.Load()
	for _, rt := range old {
		if rt.Name == name {
			return fmt.Errorf("%w: %q", ErrDuplicateRoute, name)
		}
	}
	next := make([]Route, len(old), len(old)+1)
	copy(next, old)
	next = append(next, Route{Name: name, Predicate: p, AgentID: agentID})
	r.routes.Store(&next)
	return nil
}

// Remove deletes the named route, reporting whether it existed.
func (r *Router) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.routes.Load()
	for i, rt := range old {
		if rt.Name != name {
			continue
		}
		next := make([]Route, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		r.routes.Store(&next)
		return true
	}
	return false
}

// Route returns the destination agent of the first matching route.
func (r *Router) Route(msg *types.Message) (string, bool) {
	for _, rt := range *r.routes.Load() {
		if rt.Predicate.Match(msg) {
			return rt.AgentID, true
		}
	}
	return "", false
}

// List returns route names in evaluation order.
func (r *Router) List() []string {
	routes := *r.routes.Load()
	out := make([]string, len(routes))
	for i, rt := range routes {
		out[i] = rt.Name
	}
	return out
}

// Routes returns a copy of the registered routes in evaluation order.
func (r *Router) Routes() []Route {
	routes := *r.routes.Load()
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}
