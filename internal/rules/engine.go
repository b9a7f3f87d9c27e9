package rules

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sneh-joshi/agenthub/internal/types"
)

var (
	// ErrInvalidRule is returned when a rule definition is malformed.
	ErrInvalidRule = errors.New("rules: invalid rule")
	// ErrUnknownTransform is returned when a rule references a transform
	// that has not been registered.
	ErrUnknownTransform = errors.New("rules: unknown transform")
	// ErrDuplicateRule is returned when a rule name is already in use.
	ErrDuplicateRule = errors.New("rules: duplicate rule name")
	// ErrTransformFailed wraps an error returned by a transform function.
	ErrTransformFailed = errors.New("rules: transform failed")
)

// Sources a rule can come from.
const (
	SourceAPI = "api"
)

// Rule is one named, ordered routing rule.
type Rule struct {
	Name      string
	Condition Condition
	Actions   []Action
	// Terminal stops evaluation after this rule's actions when it matches.
	Terminal bool
	// Source records where the rule was defined: SourceAPI or a file path.
	Source string
}

// Engine evaluates an ordered rule list. Evaluation reads an immutable
// snapshot; Add, Remove and Replace publish a new one.
type Engine struct {
	mu         sync.Mutex // serialises writers
	rules      atomic.Pointer[[]Rule]
	transforms *Transforms
}

// NewEngine returns an empty engine resolving transforms against t. A nil
// registry gets the built-ins only.
func NewEngine(t *Transforms) *Engine {
	if t == nil {
		t = NewTransforms()
	}
	e := &Engine{transforms: t}
	empty := []Rule{}
	e.rules.Store(&empty)
	return e
}

// Transforms returns the registry the engine validates against.
func (e *Engine) Transforms() *Transforms { return e.transforms }

// Add validates r and appends it to the rule list.
func (e *Engine) Add(r Rule) error {
	if err := e.validate(r); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := *e.rules.Load()
	for _, existing := range cur {
		if existing.Name == r.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateRule, r.Name)
		}
	}
	next := make([]Rule, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, r)
	e.rules.Store(&next)
	return nil
}

// Remove deletes the named rule and reports whether it existed.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := *e.rules.Load()
	for i, r := range cur {
		if r.Name != name {
			continue
		}
		next := make([]Rule, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		e.rules.Store(&next)
		return true
	}
	return false
}

// Replace validates every rule and atomically swaps in the new list. On
// error the current list is left untouched.
func (e *Engine) Replace(rs []Rule) error {
	_, err := e.ReplaceKeeping(rs, nil)
	return err
}

// ReplaceKeeping swaps in rs followed by the current rules for which keep
// reports true, in their current order. The kept rules are read under the
// writer lock, so a concurrent Add is either kept or lands after the swap.
// It returns the length of the new list. On error nothing changes.
func (e *Engine) ReplaceKeeping(rs []Rule, keep func(Rule) bool) (int, error) {
	for _, r := range rs {
		if err := e.validate(r); err != nil {
			return 0, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]Rule, 0, len(rs))
	next = append(next, rs...)
	if keep != nil {
		for _, r := range *e.rules.Load() {
			if keep(r) {
				next = append(next, r)
			}
		}
	}
	seen := make(map[string]struct{}, len(next))
	for _, r := range next {
		if _, dup := seen[r.Name]; dup {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateRule, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	e.rules.Store(&next)
	return len(next), nil
}

// List returns the rules in evaluation order.
func (e *Engine) List() []Rule {
	cur := *e.rules.Load()
	out := make([]Rule, len(cur))
	copy(out, cur)
	return out
}

// Len returns the number of rules.
func (e *Engine) Len() int { return len(*e.rules.Load()) }

// Evaluate runs msg through the rules in registration order, accumulating
// the actions of every matching rule until a terminal one matches.
func (e *Engine) Evaluate(msg *types.Message) Result {
	var res Result
	for _, r := range *e.rules.Load() {
		if !r.Condition.Match(msg) {
			continue
		}
		res.Matched = append(res.Matched, r.Name)
		for _, a := range r.Actions {
			a.apply(&res)
		}
		if r.Terminal {
			res.Terminal = true
			break
		}
	}
	return res
}

// Apply returns a copy of msg with res's headers merged and transforms run
// over the payload. Priority and routes are left to the caller. msg is not
// modified.
func (e *Engine) Apply(msg *types.Message, res Result) (*types.Message, error) {
	out := msg.Clone()
	if len(res.Headers) > 0 {
		if out.Headers == nil {
			out.Headers = make(map[string]any, len(res.Headers))
		}
		for k, v := range res.Headers {
			out.Headers[k] = v
		}
	}
	for _, name := range res.Transforms {
		fn, ok := e.transforms.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
		}
		p, err := fn(out.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTransformFailed, name, err)
		}
		out.Payload = p
	}
	return out, nil
}

func (e *Engine) validate(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	if r.Condition == nil {
		return fmt.Errorf("%w: %q has no condition", ErrInvalidRule, r.Name)
	}
	if err := r.Condition.validate(); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidRule, r.Name, err)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: %q has no actions", ErrInvalidRule, r.Name)
	}
	for _, a := range r.Actions {
		if a == nil {
			return fmt.Errorf("%w: %q has a nil action", ErrInvalidRule, r.Name)
		}
		if err := a.validate(e.transforms); err != nil {
			if errors.Is(err, ErrUnknownTransform) {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
			return fmt.Errorf("%w: %q: %v", ErrInvalidRule, r.Name, err)
		}
	}
	return nil
}
