package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/sneh-joshi/agenthub/internal/types"
)

//go:embed ruleset.schema.json
var rulesetSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(rulesetSchema)

// Format is the encoding of a ruleset document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ValidationError reports every problem found in a ruleset document. It
// unwraps to ErrInvalidRule.
type ValidationError struct {
	Source   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rules: invalid ruleset %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

// ─── Document model ───────────────────────────────────────────────────────────

// RulesetDoc is the declarative form of a ruleset.
type RulesetDoc struct {
	Name  string    `json:"name,omitempty"`
	Rules []RuleDoc `json:"rules"`
}

// RuleDoc is the declarative form of one rule.
type RuleDoc struct {
	Name      string       `json:"name"`
	Terminal  bool         `json:"terminal,omitempty"`
	Condition ConditionDoc `json:"condition"`
	Actions   []ActionDoc  `json:"actions"`
}

// ConditionDoc is one node of a declarative condition tree. Exactly one of
// All, Any, Not or Field/Op is set.
type ConditionDoc struct {
	All   []ConditionDoc `json:"all,omitempty"`
	Any   []ConditionDoc `json:"any,omitempty"`
	Not   *ConditionDoc  `json:"not,omitempty"`
	Field string         `json:"field,omitempty"`
	Op    Op             `json:"op,omitempty"`
	Value any            `json:"value,omitempty"`
}

// MarshalJSON emits only the keys relevant to the node kind, keeping a
// literal value (even false or zero) on leaf nodes.
func (c ConditionDoc) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 3)
	switch {
	case len(c.All) > 0:
		m["all"] = c.All
	case len(c.Any) > 0:
		m["any"] = c.Any
	case c.Not != nil:
		m["not"] = c.Not
	default:
		m["field"] = c.Field
		m["op"] = c.Op
		if c.Op != OpExists {
			m["value"] = c.Value
		}
	}
	return json.Marshal(m)
}

// ActionDoc is one declarative action. Exactly one field is set.
type ActionDoc struct {
	Route     []types.Destination `json:"route,omitempty"`
	Priority  *int                `json:"priority,omitempty"`
	Headers   map[string]any      `json:"headers,omitempty"`
	Transform string              `json:"transform,omitempty"`
}

// ─── Parsing ──────────────────────────────────────────────────────────────────

// ParseRuleset decodes, schema-validates and compiles a ruleset document.
// A bare top-level list of rules, or a single rule object, is accepted as
// well. source names the
// document in errors and is recorded on each compiled rule.
func ParseRuleset(data []byte, format Format, source string) ([]Rule, error) {
	var raw any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ValidationError{Source: source, Problems: []string{err.Error()}}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ValidationError{Source: source, Problems: []string{err.Error()}}
		}
	default:
		return nil, fmt.Errorf("rules: unsupported format %q", format)
	}

	switch doc := raw.(type) {
	case []any:
		raw = map[string]any{"rules": doc}
	case map[string]any:
		if isSingleRule(doc) {
			raw = map[string]any{"rules": []any{doc}}
		}
	}
	if raw == nil {
		raw = map[string]any{"rules": []any{}}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, &ValidationError{Source: source, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return nil, &ValidationError{Source: source, Problems: problems}
	}

	// Round-trip through JSON so YAML and JSON documents land in the same
	// typed model.
	normalised, err := json.Marshal(raw)
	if err != nil {
		return nil, &ValidationError{Source: source, Problems: []string{err.Error()}}
	}
	var doc RulesetDoc
	if err := json.Unmarshal(normalised, &doc); err != nil {
		return nil, &ValidationError{Source: source, Problems: []string{err.Error()}}
	}
	return doc.Compile(source)
}

// isSingleRule reports whether a top-level object is one rule rather than a
// ruleset.
func isSingleRule(doc map[string]any) bool {
	if _, ok := doc["rules"]; ok {
		return false
	}
	_, hasCond := doc["condition"]
	_, hasActions := doc["actions"]
	return hasCond || hasActions
}

// LoadFile reads a ruleset file. The format follows the extension: .json is
// JSON, anything else is YAML.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return ParseRuleset(data, formatFor(path), path)
}

// LoadFiles loads every path in order and concatenates the results.
func LoadFiles(paths []string) ([]Rule, error) {
	var out []Rule
	for _, p := range paths {
		rs, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}
	return out, nil
}

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// ─── Compilation ──────────────────────────────────────────────────────────────

// Compile converts the document into rules. Structural problems are collected
// into a single ValidationError. Transform names are checked later, when the
// rules are registered with an Engine.
func (d RulesetDoc) Compile(source string) ([]Rule, error) {
	var problems []string
	out := make([]Rule, 0, len(d.Rules))
	for i, rd := range d.Rules {
		r, err := rd.Compile(source)
		if err != nil {
			problems = append(problems, fmt.Sprintf("rules[%d] %s: %v", i, rd.Name, err))
			continue
		}
		out = append(out, r)
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Source: source, Problems: problems}
	}
	return out, nil
}

// Compile converts one declarative rule.
func (rd RuleDoc) Compile(source string) (Rule, error) {
	cond, err := rd.Condition.compile()
	if err != nil {
		return Rule{}, err
	}
	if err := cond.validate(); err != nil {
		return Rule{}, err
	}
	actions := make([]Action, 0, len(rd.Actions))
	for i, ad := range rd.Actions {
		a, err := ad.compile()
		if err != nil {
			return Rule{}, fmt.Errorf("actions[%d]: %w", i, err)
		}
		actions = append(actions, a)
	}
	return Rule{
		Name:      rd.Name,
		Condition: cond,
		Actions:   actions,
		Terminal:  rd.Terminal,
		Source:    source,
	}, nil
}

// Compile converts and validates a standalone condition tree, for callers
// such as content routes that reuse the rule DSL outside a ruleset.
func (c ConditionDoc) Compile() (Condition, error) {
	cond, err := c.compile()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := cond.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return cond, nil
}

func (c ConditionDoc) compile() (Condition, error) {
	switch {
	case len(c.All) > 0:
		children, err := compileAll(c.All)
		if err != nil {
			return nil, err
		}
		return &And{Conditions: children}, nil
	case len(c.Any) > 0:
		children, err := compileAll(c.Any)
		if err != nil {
			return nil, err
		}
		return &Or{Conditions: children}, nil
	case c.Not != nil:
		child, err := c.Not.compile()
		if err != nil {
			return nil, err
		}
		return &Not{Condition: child}, nil
	case c.Op == OpIn || c.Op == OpNotIn:
		values, ok := c.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("field %s: %s needs a list value", c.Field, c.Op)
		}
		return &In{Field: c.Field, Values: values, Negate: c.Op == OpNotIn}, nil
	case c.Field != "":
		return &Compare{Field: c.Field, Op: c.Op, Value: c.Value}, nil
	}
	return nil, fmt.Errorf("empty condition")
}

func compileAll(docs []ConditionDoc) ([]Condition, error) {
	out := make([]Condition, 0, len(docs))
	for _, d := range docs {
		c, err := d.compile()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (a ActionDoc) compile() (Action, error) {
	switch {
	case len(a.Route) > 0:
		return Route{Destinations: a.Route}, nil
	case a.Priority != nil:
		return SetPriority{Priority: *a.Priority}, nil
	case len(a.Headers) > 0:
		return AddHeaders{Headers: a.Headers}, nil
	case a.Transform != "":
		return Transform{Name: a.Transform}, nil
	}
	return nil, fmt.Errorf("empty action")
}

// ─── Reverse mapping ──────────────────────────────────────────────────────────

// Describe converts a compiled rule back into its declarative form. It is
// used to persist API-registered rules and to list rules over HTTP.
func Describe(r Rule) (RuleDoc, error) {
	cond, err := describeCondition(r.Condition)
	if err != nil {
		return RuleDoc{}, err
	}
	doc := RuleDoc{Name: r.Name, Terminal: r.Terminal, Condition: cond}
	for _, a := range r.Actions {
		switch act := a.(type) {
		case Route:
			doc.Actions = append(doc.Actions, ActionDoc{Route: act.Destinations})
		case SetPriority:
			p := act.Priority
			doc.Actions = append(doc.Actions, ActionDoc{Priority: &p})
		case AddHeaders:
			doc.Actions = append(doc.Actions, ActionDoc{Headers: act.Headers})
		case Transform:
			doc.Actions = append(doc.Actions, ActionDoc{Transform: act.Name})
		default:
			return RuleDoc{}, fmt.Errorf("rules: cannot describe action %T", a)
		}
	}
	return doc, nil
}

func describeCondition(c Condition) (ConditionDoc, error) {
	switch n := c.(type) {
	case *Compare:
		return ConditionDoc{Field: n.Field, Op: n.Op, Value: n.Value}, nil
	case *In:
		op := OpIn
		if n.Negate {
			op = OpNotIn
		}
		return ConditionDoc{Field: n.Field, Op: op, Value: n.Values}, nil
	case *And:
		children, err := describeAll(n.Conditions)
		return ConditionDoc{All: children}, err
	case *Or:
		children, err := describeAll(n.Conditions)
		return ConditionDoc{Any: children}, err
	case *Not:
		child, err := describeCondition(n.Condition)
		if err != nil {
			return ConditionDoc{}, err
		}
		return ConditionDoc{Not: &child}, nil
	}
	return ConditionDoc{}, fmt.Errorf("rules: cannot describe condition %T", c)
}

func describeAll(cs []Condition) ([]ConditionDoc, error) {
	out := make([]ConditionDoc, 0, len(cs))
	for _, c := range cs {
		d, err := describeCondition(c)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
