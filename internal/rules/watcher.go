package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// ApplyFunc installs a freshly loaded set of file rules.
type ApplyFunc func(rules []Rule) error

// Watcher hot-reloads ruleset files. A failed load leaves the previously
// applied rules in place.
type Watcher struct {
	files  []string
	apply  ApplyFunc
	logger *slog.Logger
	group  singleflight.Group
}

// NewWatcher returns a watcher over files. A nil logger uses slog.Default.
func NewWatcher(files []string, apply ApplyFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	abs := make([]string, 0, len(files))
	for _, f := range files {
		if a, err := filepath.Abs(f); err == nil {
			f = a
		}
		abs = append(abs, f)
	}
	return &Watcher{files: abs, apply: apply, logger: logger}
}

// Reload loads every file and applies the result. Concurrent callers share
// a single in-flight reload.
func (w *Watcher) Reload() error {
	_, err, _ := w.group.Do("reload", func() (any, error) {
		rs, err := LoadFiles(w.files)
		if err != nil {
			return nil, err
		}
		if err := w.apply(rs); err != nil {
			return nil, err
		}
		w.logger.Info("rules reloaded", "files", len(w.files), "rules", len(rs))
		return nil, nil
	})
	return err
}

// Run watches the directories holding the rule files until ctx is done.
// Directories are watched rather than files so editors that replace a file
// by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.files) == 0 {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: create watcher: %w", err)
	}
	defer fw.Close()

	watched := make(map[string]struct{}, len(w.files))
	dirs := make(map[string]struct{})
	for _, f := range w.files {
		watched[f] = struct{}{}
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("rules: watch %s: %w", d, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if _, ours := watched[filepath.Clean(event.Name)]; !ours {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("rules file changed", "file", event.Name, "op", event.Op.String())
			if err := w.Reload(); err != nil {
				w.logger.Error("rules reload failed, keeping previous rules", "file", event.Name, "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("rules watcher error", "error", err)
		}
	}
}
