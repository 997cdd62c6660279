package hub

import "time"

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// TypeProjectAdded announces a newly registered project. Catalogue event.
	TypeProjectAdded MessageType = "project-added"
	// TypeProjectRemoved announces an unregistered project. Catalogue event,
	// also delivered as the final message on force-closed project channels.
	TypeProjectRemoved MessageType = "project-removed"
	// TypeFileChange reports a settled filesystem change inside a project root.
	TypeFileChange MessageType = "file-change"
	// TypeRebuildStarted reports that a compile step began running.
	TypeRebuildStarted MessageType = "rebuild-started"
	// TypeRebuildComplete reports a successful rebuild.
	TypeRebuildComplete MessageType = "rebuild-complete"
	// TypeRebuildError reports a failed or timed-out rebuild.
	TypeRebuildError MessageType = "rebuild-error"
	// TypeWatcherError reports a terminal file watcher failure.
	TypeWatcherError MessageType = "watcher-error"
)

// Message is the wire format pushed to subscribed clients. Fields beyond
// Type and Timestamp are populated per message type and omitted otherwise.
type Message struct {
	Type       MessageType `json:"type"`
	ProjectID  string      `json:"projectId,omitempty"`
	Path       string      `json:"path,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`
	FileCount  int         `json:"fileCount,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewProjectAdded builds a catalogue message for a newly registered project.
func NewProjectAdded(projectID string) Message {
	return Message{
		Type:      TypeProjectAdded,
		ProjectID: projectID,
		Timestamp: time.Now(),
	}
}

// NewProjectRemoved builds a catalogue message for an unregistered project.
func NewProjectRemoved(projectID string) Message {
	return Message{
		Type:      TypeProjectRemoved,
		ProjectID: projectID,
		Timestamp: time.Now(),
	}
}

// NewFileChange builds a change notification for a single settled file event.
// Kind is the event kind name: "added", "modified" or "removed".
func NewFileChange(projectID, path, kind string) Message {
	return Message{
		Type:      TypeFileChange,
		ProjectID: projectID,
		Path:      path,
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// NewRebuildStarted builds a notification that a rebuild began.
func NewRebuildStarted(projectID string) Message {
	return Message{
		Type:      TypeRebuildStarted,
		ProjectID: projectID,
		Timestamp: time.Now(),
	}
}

// NewRebuildComplete builds a notification for a successful rebuild.
func NewRebuildComplete(projectID string, duration time.Duration, fileCount int) Message {
	return Message{
		Type:       TypeRebuildComplete,
		ProjectID:  projectID,
		DurationMs: duration.Milliseconds(),
		FileCount:  fileCount,
		Timestamp:  time.Now(),
	}
}

// NewRebuildError builds a notification for a failed rebuild.
func NewRebuildError(projectID string, err error) Message {
	msg := Message{
		Type:      TypeRebuildError,
		ProjectID: projectID,
		Timestamp: time.Now(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// NewWatcherError builds a notification for a terminal watcher failure.
func NewWatcherError(projectID string, err error) Message {
	msg := Message{
		Type:      TypeWatcherError,
		ProjectID: projectID,
		Timestamp: time.Now(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}
