package group_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/agenthub/internal/group"
	"github.com/sneh-joshi/agenthub/internal/store"
)

func TestRegistry_SetNormalizesMembers(t *testing.T) {
	r := group.New(nil)
	require.NoError(t, r.Set("ops", []string{"c", "a", "", "c", "b"}))

	g, err := r.Get("ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, g.Members)
}

func TestRegistry_NameValidation(t *testing.T) {
	r := group.New(nil)
	for _, name := range []string{"", "has space", "dot.ted", string(make([]byte, 65))} {
		assert.ErrorIs(t, r.Set(name, []string{"a"}), group.ErrInvalidName, "name %q", name)
	}
	assert.NoError(t, r.Set("Team_A-1", []string{"a"}))
	assert.True(t, group.ValidateName("x"))
	assert.False(t, group.ValidateName("x/y"))
}

func TestRegistry_RejectsEmptyMembership(t *testing.T) {
	r := group.New(nil)
	assert.ErrorIs(t, r.Set("g", nil), group.ErrNoMembers)
	assert.ErrorIs(t, r.Set("g", []string{""}), group.ErrNoMembers)
}

func TestRegistry_GetDeleteList(t *testing.T) {
	r := group.New(nil)
	require.NoError(t, r.Set("b", []string{"x"}))
	require.NoError(t, r.Set("a", []string{"y"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	require.NoError(t, r.Delete("a"))
	assert.ErrorIs(t, r.Delete("a"), group.ErrNotFound)
	_, err := r.Get("a")
	assert.ErrorIs(t, err, group.ErrNotFound)
}

func TestRegistry_MembersReturnsCopy(t *testing.T) {
	r := group.New(nil)
	require.NoError(t, r.Set("g", []string{"a", "b"}))
	m, ok := r.Members("g")
	require.True(t, ok)
	m[0] = "mutated"
	m2, _ := r.Members("g")
	assert.Equal(t, "a", m2[0])
}

type failingPersister struct{}

func (failingPersister) PutGroup(string, []string) error { return errors.New("disk full") }
func (failingPersister) DeleteGroup(string) error        { return errors.New("disk full") }

func TestRegistry_PersistFailureLeavesStateUnchanged(t *testing.T) {
	r := group.New(failingPersister{})
	assert.Error(t, r.Set("g", []string{"a"}))
	_, ok := r.Members("g")
	assert.False(t, ok)
}

func TestRegistry_WritesThroughStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	defer s.Close()

	r := group.New(s)
	require.NoError(t, r.Set("ops", []string{"a", "b"}))
	require.NoError(t, r.Set("tmp", []string{"c"}))
	require.NoError(t, r.Delete("tmp"))

	persisted, err := s.Groups()
	require.NoError(t, err)

	restored := group.New(s)
	require.NoError(t, restored.Load(persisted))
	assert.Equal(t, []group.Group{{Name: "ops", Members: []string{"a", "b"}}}, restored.List())
}

func TestRegistry_LoadSkipsBadEntries(t *testing.T) {
	r := group.New(nil)
	err := r.Load(map[string][]string{"ok": {"a"}, "bad name": {"b"}, "empty": nil})
	assert.Error(t, err)
	assert.Len(t, r.List(), 1)
}
