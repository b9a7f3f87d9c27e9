package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/agenthub/internal/rules"
)

type applied struct {
	mu    sync.Mutex
	names [][]string
}

func (a *applied) apply(rs []rules.Rule) error {
	names := make([]string, 0, len(rs))
	for _, r := range rs {
		names = append(names, r.Name)
	}
	a.mu.Lock()
	a.names = append(a.names, names)
	a.mu.Unlock()
	return nil
}

func (a *applied) last() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.names) == 0 {
		return nil
	}
	return a.names[len(a.names)-1]
}

func writeRule(t *testing.T, path, name string) {
	t.Helper()
	doc := "rules: [{name: " + name + ", condition: {field: priority, op: exists}, actions: [{priority: 1}]}]"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRule(t, path, "first")

	var a applied
	w := rules.NewWatcher([]string{path}, a.apply, nil)
	require.NoError(t, w.Reload())
	assert.Equal(t, []string{"first"}, a.last())

	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))
	assert.ErrorIs(t, w.Reload(), rules.ErrInvalidRule)
	assert.Equal(t, []string{"first"}, a.last())
}

func TestWatcher_RunPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRule(t, path, "first")

	var a applied
	w := rules.NewWatcher([]string{path}, a.apply, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeRule(t, path, "second")

	require.Eventually(t, func() bool {
		last := a.last()
		return len(last) == 1 && last[0] == "second"
	}, 3*time.Second, 20*time.Millisecond)
}
