package rules

import (
	"errors"
	"sort"
	"sync"
)

// TransformFunc rewrites a payload. It must not mutate its input.
type TransformFunc func(payload any) (any, error)

// Transforms is a registry of named payload transforms that rules may
// reference. Rules naming an unregistered transform are rejected when they
// are added.
type Transforms struct {
	mu  sync.RWMutex
	fns map[string]TransformFunc
}

// NewTransforms returns a registry holding the built-in transforms
// "identity" and "clear_payload".
func NewTransforms() *Transforms {
	t := &Transforms{fns: make(map[string]TransformFunc)}
	t.fns["identity"] = func(p any) (any, error) { return p, nil }
	t.fns["clear_payload"] = func(any) (any, error) { return nil, nil }
	return t
}

// Register adds or replaces a transform.
func (t *Transforms) Register(name string, fn TransformFunc) error {
	if name == "" {
		return errors.New("rules: transform name must not be empty")
	}
	if fn == nil {
		return errors.New("rules: transform func must not be nil")
	}
	t.mu.Lock()
	t.fns[name] = fn
	t.mu.Unlock()
	return nil
}

// Lookup returns the named transform.
func (t *Transforms) Lookup(name string) (TransformFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.fns[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (t *Transforms) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.fns))
	for n := range t.fns {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
