// Package registry owns preview session lifecycle. Register is the only
// path that wires a project's watcher, debouncer, scheduler, server and
// broadcast channels together; Unregister is the only path that tears
// them down.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/previewd/internal/debounce"
	previewerrors "github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/hub"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/project"
	"github.com/conneroisu/previewd/internal/rebuild"
	"github.com/conneroisu/previewd/internal/server"
	"github.com/conneroisu/previewd/internal/watcher"
)

// stopTimeout bounds the per-session server drain during teardown.
const stopTimeout = 5 * time.Second

// Config holds registry construction options. Zero values fall back to
// each component's default.
type Config struct {
	// Host is the interface project servers bind their ephemeral ports to.
	Host string
	// SettleWindow is the per-file quiet period before the watcher emits.
	SettleWindow time.Duration
	// DebounceWindow is the per-project quiet period before a batch flushes.
	DebounceWindow time.Duration
	// CompileTimeout bounds each compile step run.
	CompileTimeout time.Duration
	// MailboxSize bounds each broadcast subscription's buffer.
	MailboxSize int
	// ExcludePatterns are merged with the watcher's built-in defaults.
	ExcludePatterns []string
	// AllowedOrigins extends WebSocket origin validation.
	AllowedOrigins []string
	Logger         logging.Logger
}

// Registry manages all preview sessions.
//
// Lock order: the registry mutex is never held while acquiring a session
// mutex; a session mutex may be held while taking the registry mutex for
// membership checks.
type Registry struct {
	host      string
	settle    time.Duration
	excludes  []string
	origins   []string
	logger    logging.Logger
	hub       *hub.Hub
	debouncer *debounce.Debouncer
	scheduler *rebuild.Scheduler

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates a registry and the shared pipeline components behind it.
func New(config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	r := &Registry{
		host:     config.Host,
		settle:   config.SettleWindow,
		excludes: config.ExcludePatterns,
		origins:  config.AllowedOrigins,
		logger:   logger.WithComponent("registry"),
		sessions: make(map[string]*session),
	}

	r.hub = hub.New(hub.Config{
		MailboxSize: config.MailboxSize,
		Logger:      config.Logger,
	})
	r.debouncer = debounce.New(config.DebounceWindow, r.onFlush)
	r.scheduler = rebuild.New(rebuild.Config{
		CompileTimeout: config.CompileTimeout,
		OnStart:        r.onRebuildStart,
		OnFinish:       r.onRebuildFinish,
		Logger:         config.Logger,
	})
	return r
}

// Hub exposes the broadcast hub for transport endpoints.
func (r *Registry) Hub() *hub.Hub {
	return r.hub
}

// Has reports whether a project ID is currently registered.
func (r *Registry) Has(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[projectID]
	return ok
}

// Register wires a preview session for proj and returns its snapshot.
//
// Registering an ID that already has a live session updates its proxy
// rules and compile step in place; the port and watcher are untouched.
// Re-registering a session that previously failed rebuilds it from
// scratch. Concurrent registrations of the same ID converge on one
// session and one port.
//
// When the watcher or server cannot start, the session is kept with
// status error and returned along with the cause; the registry itself
// stays healthy.
func (r *Registry) Register(proj *project.Project) (*PreviewSession, error) {
	if proj == nil {
		return nil, previewerrors.NewInternalError(previewerrors.ErrCodeInternalError,
			"cannot register a nil project", nil)
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, previewerrors.NewInternalError(previewerrors.ErrCodeInternalError,
				"registry is closed", nil)
		}
		sess, exists := r.sessions[proj.ID]
		if !exists {
			sess = &session{projectID: proj.ID, status: StatusStarting}
			r.sessions[proj.ID] = sess
		}
		r.mu.Unlock()

		sess.mu.Lock()
		if !r.isCurrent(proj.ID, sess) {
			// Lost a race with Unregister; start over with a fresh slot.
			sess.mu.Unlock()
			continue
		}

		view, announce, err := r.registerLocked(sess, proj)
		sess.mu.Unlock()

		if announce {
			r.hub.PublishGlobal(hub.NewProjectAdded(proj.ID))
		}
		return view, err
	}
}

// isCurrent reports whether sess is still the registered session for id.
func (r *Registry) isCurrent(id string, sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id] == sess
}

// registerLocked performs the actual registration. Caller holds sess.mu.
// The second return reports whether a project-added broadcast is due.
func (r *Registry) registerLocked(sess *session, proj *project.Project) (*PreviewSession, bool, error) {
	switch sess.status {
	case StatusReady:
		// Live session: swap the mutable parts in place.
		sess.project = proj
		if err := sess.server.UpdateProxyRules(proj.ProxyRules); err != nil {
			return sess.viewLocked(), false, err
		}
		r.logger.Info(context.Background(), "project re-registered",
			"project_id", proj.ID,
		)
		return sess.viewLocked(), false, nil

	case StatusError, StatusStopped:
		// Dead machinery: tear down remnants and rebuild.
		r.teardownLocked(sess)
	}

	err := r.buildLocked(sess, proj)
	return sess.viewLocked(), err == nil, err
}

// buildLocked constructs and starts the session machinery. Caller holds
// sess.mu. On failure the session is left in status error with no live
// resources.
func (r *Registry) buildLocked(sess *session, proj *project.Project) error {
	sess.project = proj
	ctx, cancel := context.WithCancel(context.Background())

	srv, err := server.New(proj, server.Config{
		Host:           r.host,
		Hub:            r.hub,
		AllowedOrigins: r.origins,
		Logger:         r.logger,
	})
	if err != nil {
		cancel()
		sess.status = StatusError
		r.logger.Error(ctx, err, "project server construction failed", "project_id", proj.ID)
		return err
	}

	binding, err := srv.Start(ctx)
	if err != nil {
		cancel()
		sess.status = StatusError
		r.logger.Error(context.Background(), err, "project server failed to bind", "project_id", proj.ID)
		return err
	}

	w, err := watcher.New(watcher.Config{
		ProjectID:       proj.ID,
		Root:            proj.RootPath,
		ExcludePatterns: r.excludes,
		SettleWindow:    r.settle,
		Logger:          r.logger,
	})
	if err == nil {
		err = w.Watch(ctx)
	}
	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = srv.Stop(stopCtx)
		stopCancel()
		cancel()
		sess.status = StatusError
		r.logger.Error(context.Background(), err, "watcher failed to start", "project_id", proj.ID)
		return err
	}

	sess.watcher = w
	sess.server = srv
	sess.cancel = cancel
	sess.binding = binding
	sess.status = StatusReady
	sess.startedAt = time.Now()

	go r.pumpEvents(proj.ID, w)

	r.logger.Info(context.Background(), "project registered",
		"project_id", proj.ID,
		"name", proj.Name,
		"root", proj.RootPath,
		"base_url", binding.BaseURL,
	)
	return nil
}

// pumpEvents forwards settled watcher events into the broadcast hub and
// the debouncer until the watcher stops. One pump runs per live watcher;
// a rebuild of the session starts a fresh watcher and a fresh pump.
func (r *Registry) pumpEvents(projectID string, w *watcher.FileWatcher) {
	for {
		select {
		case ev := <-w.Events():
			r.hub.Publish(projectID, hub.NewFileChange(projectID, ev.RelativePath, ev.Kind.String()))
			r.debouncer.Observe(ev)

		case err := <-w.Errors():
			r.reportWatcherFailure(projectID, w, err)

		case <-w.Done():
			// A terminal error can race the shutdown; drain it.
			select {
			case err := <-w.Errors():
				r.reportWatcherFailure(projectID, w, err)
			default:
			}
			return
		}
	}
}

// reportWatcherFailure marks the session as failed and broadcasts the
// terminal error, unless the failing watcher has already been replaced.
func (r *Registry) reportWatcherFailure(projectID string, w *watcher.FileWatcher, err error) {
	r.mu.Lock()
	sess := r.sessions[projectID]
	r.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	stale := sess.watcher != w
	if !stale && sess.status == StatusReady {
		sess.status = StatusError
	}
	sess.mu.Unlock()

	if stale {
		return
	}

	r.logger.Error(context.Background(), err, "watcher failed", "project_id", projectID)
	r.hub.Publish(projectID, hub.NewWatcherError(projectID, err))
}

// Unregister tears the session down: watcher first, then debouncer, then
// scheduler, then server and broadcast channels, then the map entry.
// Unregistering an unknown ID returns a not-found error; concurrent
// unregisters of the same ID resolve to one teardown.
func (r *Registry) Unregister(projectID string) error {
	r.mu.Lock()
	sess := r.sessions[projectID]
	r.mu.Unlock()
	if sess == nil {
		return previewerrors.ErrProjectNotFound(projectID)
	}

	sess.mu.Lock()
	if !r.isCurrent(projectID, sess) {
		sess.mu.Unlock()
		return previewerrors.ErrProjectNotFound(projectID)
	}

	r.teardownLocked(sess)
	sess.status = StatusStopped

	r.mu.Lock()
	delete(r.sessions, projectID)
	r.mu.Unlock()
	sess.mu.Unlock()

	r.hub.PublishGlobal(hub.NewProjectRemoved(projectID))
	r.logger.Info(context.Background(), "project unregistered", "project_id", projectID)
	return nil
}

// teardownLocked releases all session resources in dependency order.
// Caller holds sess.mu. Safe on partially built sessions.
func (r *Registry) teardownLocked(sess *session) {
	if sess.cancel != nil {
		sess.cancel()
	}
	if sess.watcher != nil {
		_ = sess.watcher.Stop()
	}

	r.debouncer.Cancel(sess.projectID)
	r.scheduler.Cancel(sess.projectID)

	if sess.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := sess.server.Stop(ctx); err != nil {
			r.logger.Warn(context.Background(), err, "project server drain incomplete",
				"project_id", sess.projectID,
			)
		}
		cancel()
	}

	r.hub.CloseProject(sess.projectID)

	sess.watcher = nil
	sess.server = nil
	sess.cancel = nil
	sess.binding = server.Binding{}
}

// Get returns a snapshot of the session for projectID.
func (r *Registry) Get(projectID string) (*PreviewSession, bool) {
	r.mu.Lock()
	sess := r.sessions[projectID]
	r.mu.Unlock()
	if sess == nil {
		return nil, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.viewLocked(), true
}

// List returns snapshots of all sessions, ordered by project ID.
func (r *Registry) List() []*PreviewSession {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		all = append(all, sess)
	}
	r.mu.Unlock()

	views := make([]*PreviewSession, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		views = append(views, sess.viewLocked())
		sess.mu.Unlock()
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].ProjectID < views[j].ProjectID
	})
	return views
}

// Rebuild triggers a manual rebuild for projectID.
func (r *Registry) Rebuild(projectID string) error {
	r.mu.Lock()
	sess := r.sessions[projectID]
	r.mu.Unlock()
	if sess == nil {
		return previewerrors.ErrProjectNotFound(projectID)
	}

	sess.mu.Lock()
	proj := sess.project
	sess.mu.Unlock()
	if proj == nil {
		return previewerrors.ErrProjectNotFound(projectID)
	}

	r.scheduler.Trigger(proj, nil, rebuild.TriggerManual)
	return nil
}

// Close unregisters every session and shuts the shared components down.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Unregister(id)
	}

	r.debouncer.Stop()
	r.scheduler.Stop()
	r.hub.Close()
	r.logger.Info(context.Background(), "registry closed", "sessions", len(ids))
}

// onFlush hands a settled batch to the scheduler using the project's
// current compile step.
func (r *Registry) onFlush(projectID string, batch []watcher.ChangeEvent) {
	r.mu.Lock()
	sess := r.sessions[projectID]
	r.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	proj := sess.project
	sess.mu.Unlock()
	if proj == nil {
		return
	}

	r.scheduler.Trigger(proj, batch, rebuild.TriggerFileChange)
}

func (r *Registry) onRebuildStart(projectID string, job *rebuild.Job) {
	r.hub.Publish(projectID, hub.NewRebuildStarted(projectID))
}

func (r *Registry) onRebuildFinish(projectID string, job *rebuild.Job, duration time.Duration) {
	switch job.Status {
	case rebuild.StatusSucceeded:
		r.hub.Publish(projectID, hub.NewRebuildComplete(projectID, duration, len(job.TriggeringEvents)))
	case rebuild.StatusFailed:
		r.hub.Publish(projectID, hub.NewRebuildError(projectID, job.Err))
	}
}
