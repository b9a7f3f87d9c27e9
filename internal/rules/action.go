package rules

import (
	"fmt"

	"github.com/sneh-joshi/agenthub/internal/topic"
	"github.com/sneh-joshi/agenthub/internal/types"
)

// Action is something a matching rule contributes to the evaluation result.
// The set is closed: Route, SetPriority, AddHeaders and Transform.
type Action interface {
	apply(res *Result)
	validate(t *Transforms) error
}

// Route sends the message to the given destinations instead of its
// addressed one. Routes from several matching rules accumulate.
type Route struct{ Destinations []types.Destination }

func (a Route) apply(res *Result) { res.Routes = append(res.Routes, a.Destinations...) }

func (a Route) validate(*Transforms) error {
	if len(a.Destinations) == 0 {
		return fmt.Errorf("route: no destinations")
	}
	for _, d := range a.Destinations {
		if err := d.Validate(); err != nil {
			return err
		}
		if d.Type == types.DestTopic {
			if err := topic.ValidateTopic(d.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetPriority overrides the caller-supplied priority. The last matching
// rule wins.
type SetPriority struct{ Priority int }

func (a SetPriority) apply(res *Result) {
	p := a.Priority
	res.Priority = &p
}

func (a SetPriority) validate(*Transforms) error { return nil }

// AddHeaders merges headers into the message. Later rules overwrite keys
// set by earlier ones.
type AddHeaders struct{ Headers map[string]any }

func (a AddHeaders) apply(res *Result) {
	if res.Headers == nil {
		res.Headers = make(map[string]any, len(a.Headers))
	}
	for k, v := range a.Headers {
		res.Headers[k] = v
	}
}

func (a AddHeaders) validate(*Transforms) error {
	if len(a.Headers) == 0 {
		return fmt.Errorf("headers: empty header set")
	}
	for k, v := range a.Headers {
		if k == "" {
			return fmt.Errorf("headers: empty key")
		}
		switch v.(type) {
		case string, bool, nil,
			int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("headers: %q must be a scalar, got %T", k, v)
		}
	}
	return nil
}

// Transform names a registered payload transform.
type Transform struct{ Name string }

func (a Transform) apply(res *Result) { res.Transforms = append(res.Transforms, a.Name) }

func (a Transform) validate(t *Transforms) error {
	if _, ok := t.Lookup(a.Name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTransform, a.Name)
	}
	return nil
}

// Result is the accumulated outcome of evaluating the rule set against one
// message.
type Result struct {
	// Matched lists the names of the rules that fired, in order.
	Matched []string
	// Routes replaces the addressed destination when non-empty.
	Routes []types.Destination
	// Priority is the last override emitted, if any.
	Priority *int
	// Headers are merged into the message headers.
	Headers map[string]any
	// Transforms are applied to the payload in order.
	Transforms []string
	// Terminal is set when a terminal rule stopped evaluation.
	Terminal bool
}

// Fired reports whether any rule matched.
func (r Result) Fired() bool { return len(r.Matched) > 0 }
