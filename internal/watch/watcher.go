// SPDX-License-Identifier: MPL-2.0

// Package watch rebuilds the application whenever its source tree changes.
//
// Filesystem events under Root are filtered through doublestar patterns and
// coalesced over a debounce window. Rebuilds run one at a time; changes that
// arrive while a rebuild is running are collected and trigger exactly one
// follow-up rebuild.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when Config.Debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: Run called more than once")

// defaultIgnores are never watched: VCS metadata, installed dependencies,
// deskpack's own state and editor or OS noise.
var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/.deskpack/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.#*",
	"**/.DS_Store",
}

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Root is the directory to watch. Defaults to the working directory.
		Root string
		// Patterns select the files whose changes trigger a rebuild. Empty
		// selects every file that is not ignored.
		Patterns []string
		// Ignore is merged with the built-in ignores.
		Ignore   []string
		Debounce time.Duration
		// OnChange receives the changed paths, relative to Root and sorted.
		// Its error is logged; watching continues.
		OnChange func(ctx context.Context, changed []string) error
		Log      *log.Logger
	}

	// Watcher is created by New and consumed by a single call to Run.
	Watcher struct {
		cfg      Config
		root     string
		ignores  []string
		debounce time.Duration
		log      *log.Logger
		fsw      *fsnotify.Watcher
		started  atomic.Bool

		mu      sync.Mutex
		pending map[string]struct{}
	}
)

// New validates the patterns and registers every directory under Root that
// is not ignored.
func New(cfg Config) (*Watcher, error) {
	root := cfg.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("watch: determine working directory: %w", err)
		}
		root = wd
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}

	if err := validatePatterns("watch", cfg.Patterns); err != nil {
		return nil, err
	}
	if err := validatePatterns("ignore", cfg.Ignore); err != nil {
		return nil, err
	}

	logger := cfg.Log
	if logger == nil {
		logger = log.New(io.Discard)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		root:     absRoot,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: debounce,
		log:      logger,
		fsw:      fsw,
		pending:  make(map[string]struct{}),
	}
	if _, err := w.addTree(absRoot, false); err != nil {
		_ = fsw.Close() // Best-effort cleanup
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is cancelled. It returns nil on
// cancellation and an error when the underlying watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.log.Warn("failed to close watcher", "err", err)
		}
	}()

	// A buffer of one coalesces every trigger that arrives while a
	// rebuild is running into a single follow-up rebuild.
	trigger := make(chan struct{}, 1)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		w.rebuildLoop(ctx, trigger)
	}()
	defer workers.Wait()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			select {
			case trigger <- struct{}{}:
			default:
			}

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if w.record(evt) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.log.Warn("watcher error", "err", err)
		}
	}
}

// record adds a relevant event to the pending set and reports whether it
// did. New directories are watched as they appear.
func (w *Watcher) record(evt fsnotify.Event) bool {
	if evt.Op == fsnotify.Chmod {
		return false
	}
	rel, err := filepath.Rel(w.root, evt.Name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if w.ignored(rel) {
		return false
	}

	if evt.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			// Files moved in with the directory have no events of their own.
			found, err := w.addTree(evt.Name, true)
			if err != nil {
				w.log.Warn("failed to watch new directory", "path", rel, "err", err)
			}
			return found > 0
		}
	}
	if !w.selected(rel) {
		return false
	}

	w.mu.Lock()
	w.pending[rel] = struct{}{}
	w.mu.Unlock()
	return true
}

func (w *Watcher) rebuildLoop(ctx context.Context, trigger <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		}

		w.mu.Lock()
		changed := slices.Sorted(maps.Keys(w.pending))
		clear(w.pending)
		w.mu.Unlock()
		if len(changed) == 0 || w.cfg.OnChange == nil {
			continue
		}

		w.log.Debug("sources changed", "count", len(changed))
		if err := w.cfg.OnChange(ctx, changed); err != nil && ctx.Err() == nil {
			w.log.Error("rebuild failed", "err", err)
		}
	}
}

// addTree registers dir and every directory below it that is not ignored.
// With collect set, selected files found on the way are added to the
// pending set and counted.
func (w *Watcher) addTree(dir string, collect bool) (int, error) {
	found := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.log.Debug("skipping inaccessible path", "path", path, "err", walkErr)
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil //nolint:nilerr // outside the root
		}
		rel = filepath.ToSlash(rel)
		if !d.IsDir() {
			if collect && !w.ignored(rel) && w.selected(rel) {
				w.mu.Lock()
				w.pending[rel] = struct{}{}
				w.mu.Unlock()
				found++
			}
			return nil
		}
		if rel != "." && (w.ignored(rel) || w.ignored(rel+"/")) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return found, fmt.Errorf("watch: walk %s: %w", dir, err)
	}
	return found, nil
}

func (w *Watcher) ignored(rel string) bool {
	return matchAny(w.ignores, rel)
}

func (w *Watcher) selected(rel string) bool {
	return len(w.cfg.Patterns) == 0 || matchAny(w.cfg.Patterns, rel)
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func validatePatterns(label string, patterns []string) error {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("watch: invalid %s pattern %q", label, pattern)
		}
	}
	return nil
}
