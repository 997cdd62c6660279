package registry

import (
	"context"
	"sync"
	"time"

	"github.com/conneroisu/previewd/internal/project"
	"github.com/conneroisu/previewd/internal/server"
	"github.com/conneroisu/previewd/internal/watcher"
)

// Status describes a preview session's lifecycle state.
type Status string

const (
	// StatusStarting marks a session whose machinery is still being built.
	StatusStarting Status = "starting"
	// StatusReady marks a fully wired session serving previews.
	StatusReady Status = "ready"
	// StatusError marks a session whose watcher or server failed; the
	// registry keeps it so callers can inspect and re-register.
	StatusError Status = "error"
	// StatusStopped marks a session that has been torn down.
	StatusStopped Status = "stopped"
)

// PreviewSession is the externally visible snapshot of one session.
type PreviewSession struct {
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	BaseURL   string    `json:"baseUrl"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

// session holds the live machinery of one registered project. All fields
// behind mu; mutations are serialized per project by holding mu for the
// whole operation.
type session struct {
	projectID string

	mu        sync.Mutex
	project   *project.Project
	watcher   *watcher.FileWatcher
	server    *server.ProjectServer
	cancel    context.CancelFunc
	binding   server.Binding
	status    Status
	startedAt time.Time
}

// viewLocked snapshots the session for callers. Caller holds mu.
func (s *session) viewLocked() *PreviewSession {
	view := &PreviewSession{
		ProjectID: s.projectID,
		Port:      s.binding.Port,
		BaseURL:   s.binding.BaseURL,
		Status:    s.status,
		StartedAt: s.startedAt,
	}
	if s.project != nil {
		view.Name = s.project.Name
	}
	return view
}
