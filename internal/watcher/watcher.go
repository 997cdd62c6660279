// Package watcher turns raw filesystem notifications for one project root
// into a stream of settled change events.
//
// The watcher is recursive: directories created after startup are picked up
// automatically. Paths matching an exclude pattern never produce events.
// Rapid write sequences to a single file coalesce into one event once the
// file has been quiet for the settle window, so editors that write in chunks
// or via temp-file renames do not produce event storms.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/security"
)

// EventKind represents the type of file change
type EventKind int

const (
	KindAdded EventKind = iota
	KindModified
	KindRemoved
)

// String returns the string representation of the EventKind
func (k EventKind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindModified:
		return "modified"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeEvent represents a settled file change within a project root.
type ChangeEvent struct {
	ProjectID    string
	RelativePath string
	Kind         EventKind
	ObservedAt   time.Time
}

// DefaultSettleWindow is how long a file must stay quiet before its change
// is reported.
const DefaultSettleWindow = 100 * time.Millisecond

// defaultExcludes are always applied, regardless of configured patterns.
// They cover VCS metadata, dependency caches, build output, dotfiles, and
// editor temp files. Build output matters doubly here: compile steps write
// into these directories, and watching them would re-trigger the rebuild
// they came from.
var defaultExcludes = []string{
	"**/.git/**",
	"**/.hg/**",
	"**/.svn/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/.*",
	"**/.*/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
}

// DefaultExcludes returns a copy of the built-in exclude patterns.
func DefaultExcludes() []string {
	out := make([]string, len(defaultExcludes))
	copy(out, defaultExcludes)
	return out
}

// Config holds the parameters for a FileWatcher.
type Config struct {
	// ProjectID tags every emitted event.
	ProjectID string

	// Root is the absolute project root to watch recursively.
	Root string

	// ExcludePatterns are doublestar globs matched against paths relative
	// to Root. They are merged with the built-in defaults.
	ExcludePatterns []string

	// SettleWindow is the quiet period a file needs before its change is
	// emitted. Zero or negative values fall back to DefaultSettleWindow.
	SettleWindow time.Duration

	// Policy is consulted once per directory before watching it. Nil means
	// paths under Root are allowed.
	Policy security.Policy

	Logger logging.Logger
}

// FileWatcher watches one project root and emits settled change events.
type FileWatcher struct {
	projectID string
	root      string
	excludes  []string
	settle    time.Duration
	policy    security.Policy
	logger    logging.Logger

	fsw    *fsnotify.Watcher
	events chan ChangeEvent
	errs   chan error

	mu      sync.Mutex
	pending map[string]EventKind
	timers  map[string]*time.Timer
	stopped bool

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a FileWatcher for cfg.Root. Patterns are validated eagerly so
// invalid globs fail here rather than silently never matching.
func New(cfg Config) (*FileWatcher, error) {
	if cfg.Root == "" || !filepath.IsAbs(cfg.Root) {
		return nil, errors.NewWatchError(errors.ErrCodeWatchFailed,
			"watch root must be an absolute path", nil).WithProject(cfg.ProjectID)
	}

	for _, pattern := range cfg.ExcludePatterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("invalid exclude pattern: %s", pattern)).WithProject(cfg.ProjectID)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewWatchError(errors.ErrCodeWatchFailed,
			"failed to create filesystem watcher", err).WithProject(cfg.ProjectID)
	}

	settle := cfg.SettleWindow
	if settle <= 0 {
		settle = DefaultSettleWindow
	}

	policy := cfg.Policy
	if policy == nil {
		policy = security.NewRootScopedPolicy(cfg.Root)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	excludes := make([]string, 0, len(defaultExcludes)+len(cfg.ExcludePatterns))
	excludes = append(excludes, defaultExcludes...)
	excludes = append(excludes, cfg.ExcludePatterns...)

	return &FileWatcher{
		projectID: cfg.ProjectID,
		root:      filepath.Clean(cfg.Root),
		excludes:  excludes,
		settle:    settle,
		policy:    policy,
		logger:    logger.WithComponent("watcher"),
		fsw:       fsw,
		events:    make(chan ChangeEvent, 256),
		errs:      make(chan error, 1),
		pending:   make(map[string]EventKind),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the stream of settled change events. The channel is never
// closed; consumers stop reading when Done is closed.
func (w *FileWatcher) Events() <-chan ChangeEvent {
	return w.events
}

// Errors delivers at most one terminal watch error. After it fires the
// watcher has already stopped.
func (w *FileWatcher) Errors() <-chan error {
	return w.errs
}

// Done is closed once the watcher has stopped for any reason.
func (w *FileWatcher) Done() <-chan struct{} {
	return w.done
}

// Watch registers the root tree and starts the event loop. It can be called
// once; further calls return an error.
func (w *FileWatcher) Watch(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.NewInternalError(errors.ErrCodeInternalError,
			"watcher already started", nil).WithProject(w.projectID)
	}

	if err := w.addTree(w.root); err != nil {
		w.fsw.Close()
		return err
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and cancels pending settle timers. Safe to call
// more than once.
func (w *FileWatcher) Stop() error {
	var err error

	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for path, timer := range w.timers {
			timer.Stop()
			delete(w.timers, path)
			delete(w.pending, path)
		}
		w.mu.Unlock()

		close(w.done)
		err = w.fsw.Close()
	})

	return err
}

func (w *FileWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsnotifyEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.fail(err)
			return
		}
	}
}

// fail reports one terminal watch error and stops.
func (w *FileWatcher) fail(cause error) {
	w.logger.Error(context.Background(), cause, "Watcher failed, stopping",
		"project_id", w.projectID, "root", w.root)

	watchErr := errors.NewWatchError(errors.ErrCodeWatchClosed,
		"filesystem watcher failed", cause).WithProject(w.projectID)

	select {
	case w.errs <- watchErr:
	default:
	}

	w.Stop()
}

func (w *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}

	if w.isExcluded(filepath.ToSlash(rel)) {
		return
	}

	if event.Has(fsnotify.Create) {
		w.maybeAddDir(event.Name)
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		if timer, ok := w.timers[event.Name]; ok {
			timer.Stop()
			delete(w.timers, event.Name)
			delete(w.pending, event.Name)
		}
		w.mu.Unlock()

		w.deliver(ChangeEvent{
			ProjectID:    w.projectID,
			RelativePath: filepath.ToSlash(rel),
			Kind:         KindRemoved,
			ObservedAt:   time.Now(),
		})

	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			// Directories are tracked for recursion, never reported.
			return
		}
		w.schedule(event.Name, event.Has(fsnotify.Create))
	}
}

// schedule arms or resets the settle timer for path. A file first seen via
// Create settles as added even when further writes follow.
func (w *FileWatcher) schedule(path string, created bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	kind, seen := w.pending[path]
	if !seen {
		kind = KindModified
		if created {
			kind = KindAdded
		}
	}
	w.pending[path] = kind

	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.settle)
		return
	}

	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.emit(path)
	})
}

// emit fires after the settle window. The file may have vanished while
// settling; a Remove event has handled that case already.
func (w *FileWatcher) emit(path string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	kind, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	w.mu.Unlock()

	if !ok {
		return
	}

	if _, err := os.Stat(path); err != nil {
		return
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}

	w.deliver(ChangeEvent{
		ProjectID:    w.projectID,
		RelativePath: filepath.ToSlash(rel),
		Kind:         kind,
		ObservedAt:   time.Now(),
	})
}

func (w *FileWatcher) deliver(event ChangeEvent) {
	select {
	case w.events <- event:
	default:
		// Channel full, skip this event
	}
}

// addTree registers path and every non-excluded directory below it. The root
// itself must be watchable; subdirectories are best effort.
func (w *FileWatcher) addTree(root string) error {
	if !w.policy.CanAccess(root, security.OpWatch) {
		return errors.NewWatchError(errors.ErrCodeWatchFailed,
			"access policy denies watching "+root, nil).WithProject(w.projectID)
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn(context.Background(), err, "Skipping inaccessible path", "path", path)
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}

		if rel != "." {
			normalized := filepath.ToSlash(rel)
			if w.isExcluded(normalized) || w.isExcluded(normalized+"/") {
				return filepath.SkipDir
			}
			if !w.policy.CanAccess(path, security.OpWatch) {
				return filepath.SkipDir
			}
		}

		if addErr := w.fsw.Add(path); addErr != nil {
			if path == root {
				return addErr
			}
			w.logger.Warn(context.Background(), addErr, "Failed to watch directory", "path", path)
		}

		return nil
	})

	if walkErr != nil {
		return errors.NewWatchError(errors.ErrCodeWatchFailed,
			"failed to watch project root", walkErr).WithProject(w.projectID)
	}

	return nil
}

// maybeAddDir extends the watch to a directory created after startup,
// including anything already nested inside it.
func (w *FileWatcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	if err := w.addTree(path); err != nil {
		w.logger.Warn(context.Background(), err, "Failed to watch new directory", "path", path)
	}
}

// isExcluded returns true if the root-relative path matches any exclude
// pattern.
func (w *FileWatcher) isExcluded(rel string) bool {
	for _, pattern := range w.excludes {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
	}
	return false
}
