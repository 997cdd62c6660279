// Package debounce groups change events into per-project batches.
//
// Each project has its own sliding window: every observed event resets that
// project's timer, and once the project stays quiet for the full window the
// accumulated batch is flushed in one callback. Projects never reset each
// other's windows.
package debounce

import (
	"sync"
	"time"

	"github.com/conneroisu/previewd/internal/watcher"
)

// DefaultWindow is the quiet period required before a batch flushes.
const DefaultWindow = 300 * time.Millisecond

// FlushFunc receives a project's settled batch. Batches are deduplicated by
// path (latest event per path wins) and ordered by first appearance.
type FlushFunc func(projectID string, batch []watcher.ChangeEvent)

// Debouncer coalesces change events per project and flushes them after the
// window elapses with no further activity.
type Debouncer struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*batch
	stopped bool
}

type batch struct {
	timer  *time.Timer
	order  []string
	events map[string]watcher.ChangeEvent
}

// New creates a Debouncer. The callback is invoked once per settled batch,
// outside the debouncer's lock. A non-positive window falls back to
// DefaultWindow.
func New(window time.Duration, flush FlushFunc) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Debouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*batch),
	}
}

// Observe adds an event to its project's batch and resets that project's
// window. Events observed after Stop are discarded.
func (d *Debouncer) Observe(event watcher.ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	projectID := event.ProjectID

	b, exists := d.pending[projectID]
	if !exists {
		b = &batch{
			events: make(map[string]watcher.ChangeEvent),
		}
		b.timer = time.AfterFunc(d.window, func() {
			d.fire(projectID)
		})
		d.pending[projectID] = b
	} else {
		b.timer.Reset(d.window)
	}

	if _, seen := b.events[event.RelativePath]; !seen {
		b.order = append(b.order, event.RelativePath)
	}
	b.events[event.RelativePath] = event
}

// fire flushes a project's batch once its window elapsed untouched.
func (d *Debouncer) fire(projectID string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	b, exists := d.pending[projectID]
	delete(d.pending, projectID)
	d.mu.Unlock()

	if !exists || len(b.order) == 0 {
		return
	}

	events := make([]watcher.ChangeEvent, 0, len(b.order))
	for _, path := range b.order {
		events = append(events, b.events[path])
	}

	// Invoke the callback outside the lock to avoid potential deadlocks
	if d.flush != nil {
		d.flush(projectID, events)
	}
}

// Cancel discards a project's pending batch without flushing.
// If the project has no pending batch, this is a no-op.
func (d *Debouncer) Cancel(projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, exists := d.pending[projectID]; exists {
		b.timer.Stop()
		delete(d.pending, projectID)
	}
}

// Stop discards every pending batch and rejects further events.
// This is useful during shutdown to prevent callbacks from firing.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for projectID, b := range d.pending {
		b.timer.Stop()
		delete(d.pending, projectID)
	}
}

// PendingCount returns the number of projects with an open batch.
// This is primarily useful for testing.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// IsPending returns true if the project currently has an open batch.
// This is primarily useful for testing.
func (d *Debouncer) IsPending(projectID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.pending[projectID]
	return exists
}

// Window returns the configured debounce window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}
