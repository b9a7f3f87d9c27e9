// Package rules implements the declarative routing rule engine: a small
// interpreted condition DSL over message fields, the actions a matching rule
// emits, the ordered evaluator, and the loader that turns YAML/JSON rulesets
// into compiled rules.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// Op is a comparison operator.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpRegex      Op = "regex"
	OpExists     Op = "exists"
	// OpIn and OpNotIn only appear in declarative documents; they compile
	// to an In node.
	OpIn    Op = "in"
	OpNotIn Op = "not_in"
)

// Condition is a node in a rule's predicate tree. The set of node types is
// closed: Compare, And, Or, Not and In.
type Condition interface {
	// Match evaluates the node against msg. Match never fails; a field that
	// cannot be resolved simply does not satisfy the comparison.
	Match(msg *types.Message) bool
	validate() error
}

// ─── Leaf nodes ───────────────────────────────────────────────────────────────

// Compare tests one message field against a literal value.
type Compare struct {
	Field string
	Op    Op
	Value any
}

// Cmp is shorthand for &Compare{Field: field, Op: op, Value: value}.
func Cmp(field string, op Op, value any) *Compare {
	return &Compare{Field: field, Op: op, Value: value}
}

func (c *Compare) validate() error {
	if err := validateField(c.Field); err != nil {
		return err
	}
	switch c.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpContains, OpStartsWith, OpEndsWith, OpExists:
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("field %s: regex value must be a string", c.Field)
		}
		if _, err := compileRegex(pattern); err != nil {
			return fmt.Errorf("field %s: %w", c.Field, err)
		}
	default:
		return fmt.Errorf("field %s: unsupported operator %q", c.Field, c.Op)
	}
	return nil
}

// Match implements Condition.
func (c *Compare) Match(msg *types.Message) bool {
	v, ok := Lookup(msg, c.Field)
	switch c.Op {
	case OpExists:
		return ok
	case OpNe:
		return !ok || compareValues(v, c.Value) != 0
	}
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		return compareValues(v, c.Value) == 0
	case OpLt:
		return compareValues(v, c.Value) < 0
	case OpLte:
		return compareValues(v, c.Value) <= 0
	case OpGt:
		return compareValues(v, c.Value) > 0
	case OpGte:
		return compareValues(v, c.Value) >= 0
	case OpContains:
		if list, isList := v.([]any); isList {
			for _, item := range list {
				if compareValues(item, c.Value) == 0 {
					return true
				}
			}
			return false
		}
		return strings.Contains(toString(v), toString(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(toString(v), toString(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(toString(v), toString(c.Value))
	case OpRegex:
		pattern, isString := c.Value.(string)
		if !isString {
			return false
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(toString(v))
	}
	return false
}

// In tests membership of one field's value in a literal set.
type In struct {
	Field  string
	Values []any
	// Negate turns the node into not_in.
	Negate bool
}

func (n *In) validate() error {
	if err := validateField(n.Field); err != nil {
		return err
	}
	if len(n.Values) == 0 {
		return fmt.Errorf("field %s: membership test needs at least one value", n.Field)
	}
	return nil
}

// Match implements Condition. A missing field never matches, whether or not
// the test is negated.
func (n *In) Match(msg *types.Message) bool {
	v, ok := Lookup(msg, n.Field)
	if !ok {
		return false
	}
	found := false
	for _, want := range n.Values {
		if compareValues(v, want) == 0 {
			found = true
			break
		}
	}
	return found != n.Negate
}

// ─── Boolean nodes ────────────────────────────────────────────────────────────

// And matches when every child matches.
type And struct{ Conditions []Condition }

func (n *And) validate() error { return validateChildren("and", n.Conditions) }

// Match implements Condition.
func (n *And) Match(msg *types.Message) bool {
	for _, c := range n.Conditions {
		if !c.Match(msg) {
			return false
		}
	}
	return true
}

// Or matches when any child matches.
type Or struct{ Conditions []Condition }

func (n *Or) validate() error { return validateChildren("or", n.Conditions) }

// Match implements Condition.
func (n *Or) Match(msg *types.Message) bool {
	for _, c := range n.Conditions {
		if c.Match(msg) {
			return true
		}
	}
	return false
}

// Not inverts its child.
type Not struct{ Condition Condition }

func (n *Not) validate() error {
	if n.Condition == nil {
		return fmt.Errorf("not: missing condition")
	}
	return n.Condition.validate()
}

// Match implements Condition.
func (n *Not) Match(msg *types.Message) bool { return !n.Condition.Match(msg) }

func validateChildren(kind string, cs []Condition) error {
	if len(cs) == 0 {
		return fmt.Errorf("%s: needs at least one condition", kind)
	}
	for i, c := range cs {
		if c == nil {
			return fmt.Errorf("%s: condition %d is nil", kind, i)
		}
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ─── Field addressing ─────────────────────────────────────────────────────────

var scalarFields = map[string]func(*types.Message) any{
	"message_id":       func(m *types.Message) any { return m.ID },
	"correlation_id":   func(m *types.Message) any { return m.CorrelationID },
	"source_agent_id":  func(m *types.Message) any { return m.Source },
	"destination.type": func(m *types.Message) any { return string(m.Destination.Type) },
	"destination.id":   func(m *types.Message) any { return m.Destination.ID },
	"reply_to":         func(m *types.Message) any { return m.ReplyTo },
	"priority":         func(m *types.Message) any { return m.Priority },
}

func validateField(field string) error {
	if _, ok := scalarFields[field]; ok {
		return nil
	}
	if field == "payload" {
		return nil
	}
	if k, ok := strings.CutPrefix(field, "headers."); ok && k != "" {
		return nil
	}
	if p, ok := strings.CutPrefix(field, "payload."); ok && p != "" {
		return nil
	}
	return fmt.Errorf("unknown field %q", field)
}

// Lookup resolves a field address against msg. Supported addresses are the
// message's scalar fields, headers.<key>, payload, and payload.<path> where
// path segments are map keys or array indexes.
func Lookup(msg *types.Message, field string) (any, bool) {
	if get, ok := scalarFields[field]; ok {
		v := get(msg)
		if s, isStr := v.(string); isStr && s == "" && field == "reply_to" {
			return nil, false
		}
		return v, true
	}
	if k, ok := strings.CutPrefix(field, "headers."); ok {
		return msg.Header(k)
	}
	if field == "payload" {
		return msg.Payload, msg.Payload != nil
	}
	if p, ok := strings.CutPrefix(field, "payload."); ok {
		return walk(msg.Payload, strings.Split(p, "."))
	}
	return nil, false
}

func walk(v any, path []string) (any, bool) {
	for _, seg := range path {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		case map[string]string:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			v = node[i]
		default:
			return nil, false
		}
	}
	return v, true
}

// ─── Value comparison ─────────────────────────────────────────────────────────

// compareValues orders a and b numerically when both are numbers, otherwise
// by their string forms.
func compareValues(a, b any) int {
	af, aNum := toFloat64(a)
	bf, bNum := toFloat64(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(toString(a), toString(b))
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
