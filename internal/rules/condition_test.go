package rules_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sneh-joshi/agenthub/internal/rules"
	"github.com/sneh-joshi/agenthub/internal/types"
)

func sampleMessage() *types.Message {
	return &types.Message{
		ID:            "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		CorrelationID: "chain-1",
		Source:        "planner",
		Destination:   types.Agent("triage"),
		Priority:      3,
		Headers:       map[string]any{"department": "billing", "urgent": true},
		Payload: map[string]any{
			"amount": 1500.0,
			"customer": map[string]any{
				"tier": "gold",
				"tags": []any{"vip", "eu"},
			},
		},
	}
}

func TestLookup(t *testing.T) {
	msg := sampleMessage()

	cases := []struct {
		field string
		want  any
		ok    bool
	}{
		{"source_agent_id", "planner", true},
		{"destination.id", "triage", true},
		{"destination.type", "agent", true},
		{"priority", 3, true},
		{"headers.department", "billing", true},
		{"headers.missing", nil, false},
		{"payload.customer.tier", "gold", true},
		{"payload.customer.tags.1", "eu", true},
		{"payload.customer.tags.9", nil, false},
		{"payload.amount.deeper", nil, false},
		{"reply_to", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			got, ok := rules.Lookup(msg, tc.field)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestCompare_Operators(t *testing.T) {
	msg := sampleMessage()

	cases := []struct {
		name string
		cond rules.Condition
		want bool
	}{
		{"eq string", rules.Cmp("headers.department", rules.OpEq, "billing"), true},
		{"eq bool vs string", rules.Cmp("headers.urgent", rules.OpEq, "true"), true},
		{"ne", rules.Cmp("headers.department", rules.OpNe, "sales"), true},
		{"ne missing field", rules.Cmp("headers.nope", rules.OpNe, "x"), true},
		{"eq missing field", rules.Cmp("headers.nope", rules.OpEq, "x"), false},
		{"gt numeric", rules.Cmp("payload.amount", rules.OpGt, 1000), true},
		{"lte numeric", rules.Cmp("payload.amount", rules.OpLte, 1000), false},
		{"priority gte", rules.Cmp("priority", rules.OpGte, 3), true},
		{"lt int vs float", rules.Cmp("priority", rules.OpLt, 3.5), true},
		{"contains string", rules.Cmp("source_agent_id", rules.OpContains, "plan"), true},
		{"contains list", rules.Cmp("payload.customer.tags", rules.OpContains, "vip"), true},
		{"starts_with", rules.Cmp("payload.customer.tier", rules.OpStartsWith, "go"), true},
		{"ends_with", rules.Cmp("payload.customer.tier", rules.OpEndsWith, "ld"), true},
		{"exists", rules.Cmp("payload.customer", rules.OpExists, nil), true},
		{"exists missing", rules.Cmp("payload.vendor", rules.OpExists, nil), false},
		{"in", &rules.In{Field: "payload.customer.tier", Values: []any{"silver", "gold"}}, true},
		{"not in", &rules.In{Field: "payload.customer.tier", Values: []any{"silver"}, Negate: true}, true},
		{"in missing", &rules.In{Field: "payload.none", Values: []any{"x"}, Negate: true}, false},
		{"and", &rules.And{Conditions: []rules.Condition{
			rules.Cmp("headers.department", rules.OpEq, "billing"),
			rules.Cmp("payload.amount", rules.OpGte, 1500),
		}}, true},
		{"or", &rules.Or{Conditions: []rules.Condition{
			rules.Cmp("headers.department", rules.OpEq, "sales"),
			rules.Cmp("priority", rules.OpEq, 3),
		}}, true},
		{"not", &rules.Not{Condition: rules.Cmp("priority", rules.OpEq, 3)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cond.Match(msg))
		})
	}
}

func TestCompare_RegexValidatedAtRegistration(t *testing.T) {
	e := rules.NewEngine(nil)
	err := e.Add(rules.Rule{
		Name:      "bad-regex",
		Condition: rules.Cmp("source_agent_id", rules.OpRegex, "(["),
		Actions:   []rules.Action{rules.SetPriority{Priority: 1}},
	})
	assert.ErrorIs(t, err, rules.ErrInvalidRule)

	re := rules.Cmp("source_agent_id", rules.OpRegex, "^plan+er$")
	assert.NoError(t, e.Add(rules.Rule{Name: "ok", Condition: re, Actions: []rules.Action{rules.SetPriority{Priority: 1}}}))
	assert.True(t, re.Match(sampleMessage()))
}

func TestCompare_RegexNodeSharedAcrossEngines(t *testing.T) {
	re := rules.Cmp("source_agent_id", rules.OpRegex, "^plan")
	rule := rules.Rule{Name: "shared", Condition: re, Actions: []rules.Action{rules.SetPriority{Priority: 4}}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e := rules.NewEngine(nil)
			assert.NoError(t, e.Add(rule))
			assert.NoError(t, e.Replace([]rules.Rule{rule}))
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, re.Match(sampleMessage()))
			}
		}()
	}
	wg.Wait()
}

func TestCompare_RegexMatchesWithoutRegistration(t *testing.T) {
	assert.True(t, rules.Cmp("source_agent_id", rules.OpRegex, "^plan").Match(sampleMessage()))
	assert.False(t, rules.Cmp("source_agent_id", rules.OpRegex, "([").Match(sampleMessage()))
	assert.False(t, rules.Cmp("source_agent_id", rules.OpRegex, 42).Match(sampleMessage()))
}
