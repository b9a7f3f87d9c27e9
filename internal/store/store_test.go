package store_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/agenthub/internal/store"
)

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sub", "hub.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_Subscriptions(t *testing.T) {
	s, _ := openStore(t)

	require.NoError(t, s.PutSubscription("b", "orders.*"))
	require.NoError(t, s.PutSubscription("a", "project.#"))
	require.NoError(t, s.PutSubscription("a", "alerts"))
	require.NoError(t, s.PutSubscription("a", "alerts")) // idempotent

	subs, err := s.Subscriptions()
	require.NoError(t, err)

	type pair struct{ Agent, Pattern string }
	got := make([]pair, len(subs))
	for i, sub := range subs {
		got[i] = pair{sub.AgentID, sub.Pattern}
		assert.False(t, sub.CreatedAt.IsZero())
	}
	want := []pair{{"a", "alerts"}, {"a", "project.#"}, {"b", "orders.*"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("subscriptions mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.DeleteSubscription("a", "alerts"))
	require.NoError(t, s.DeleteSubscription("a", "missing"))
	subs, err = s.Subscriptions()
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestStore_SubscriptionRejectsBadKeys(t *testing.T) {
	s, _ := openStore(t)
	assert.ErrorIs(t, s.PutSubscription("", "x"), store.ErrInvalidKey)
	assert.ErrorIs(t, s.PutSubscription("a\x00b", "x"), store.ErrInvalidKey)
}

func TestStore_RulesKeepOrderAndReplaceInPlace(t *testing.T) {
	s, _ := openStore(t)

	require.NoError(t, s.PutRule("first", json.RawMessage(`{"v":1}`)))
	require.NoError(t, s.PutRule("second", json.RawMessage(`{"v":2}`)))
	require.NoError(t, s.PutRule("first", json.RawMessage(`{"v":3}`)))

	rules, err := s.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Name)
	assert.JSONEq(t, `{"v":3}`, string(rules[0].Definition))
	assert.Equal(t, "second", rules[1].Name)

	found, err := s.DeleteRule("first")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = s.DeleteRule("first")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Groups(t *testing.T) {
	s, _ := openStore(t)
	require.NoError(t, s.PutGroup("ops", []string{"a", "b"}))
	require.NoError(t, s.PutGroup("ops", []string{"c"}))
	require.NoError(t, s.PutGroup("dev", []string{"d"}))
	require.NoError(t, s.DeleteGroup("dev"))

	groups, err := s.Groups()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"ops": {"c"}}, groups)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutSubscription("a", "x.y"))
	require.NoError(t, s.PutRule("r", json.RawMessage(`{}`)))
	require.NoError(t, s.PutGroup("g", []string{"a"}))
	require.NoError(t, s.Close())

	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	rules, err := s.Rules()
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	groups, err := s.Groups()
	require.NoError(t, err)
	assert.Contains(t, groups, "g")
}
