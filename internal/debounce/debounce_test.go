package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/previewd/internal/watcher"
)

const testWindow = 30 * time.Millisecond

type flushRecorder struct {
	mu      sync.Mutex
	flushes []flush
	next    int
	signal  chan struct{}
}

type flush struct {
	projectID string
	batch     []watcher.ChangeEvent
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{signal: make(chan struct{}, 16)}
}

func (r *flushRecorder) record(projectID string, batch []watcher.ChangeEvent) {
	r.mu.Lock()
	r.flushes = append(r.flushes, flush{projectID: projectID, batch: batch})
	r.mu.Unlock()
	r.signal <- struct{}{}
}

// wait blocks for the next unconsumed flush, in arrival order.
func (r *flushRecorder) wait(t *testing.T) flush {
	t.Helper()

	select {
	case <-r.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	got := r.flushes[r.next]
	r.next++
	return got
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func event(projectID, path string, kind watcher.EventKind) watcher.ChangeEvent {
	return watcher.ChangeEvent{
		ProjectID:    projectID,
		RelativePath: path,
		Kind:         kind,
		ObservedAt:   time.Now(),
	}
}

func TestDebouncerFlushesAfterQuietWindow(t *testing.T) {
	recorder := newFlushRecorder()
	d := New(testWindow, recorder.record)
	defer d.Stop()

	d.Observe(event("p1", "index.html", watcher.KindModified))
	d.Observe(event("p1", "app.css", watcher.KindAdded))

	got := recorder.wait(t)
	assert.Equal(t, "p1", got.projectID)
	require.Len(t, got.batch, 2)
	assert.Equal(t, "index.html", got.batch[0].RelativePath)
	assert.Equal(t, "app.css", got.batch[1].RelativePath)

	assert.Equal(t, 0, d.PendingCount())
}

func TestDebouncerSlidingWindow(t *testing.T) {
	recorder := newFlushRecorder()
	d := New(testWindow, recorder.record)
	defer d.Stop()

	// Keep feeding events faster than the window; nothing may flush until
	// the stream goes quiet.
	for i := 0; i < 5; i++ {
		d.Observe(event("p1", "index.html", watcher.KindModified))
		time.Sleep(testWindow / 3)
	}

	assert.Equal(t, 0, recorder.count())

	got := recorder.wait(t)
	assert.Equal(t, "p1", got.projectID)
	assert.Len(t, got.batch, 1)
	assert.Equal(t, 1, recorder.count())
}

func TestDebouncerDedupsByPathKeepingLatest(t *testing.T) {
	recorder := newFlushRecorder()
	d := New(testWindow, recorder.record)
	defer d.Stop()

	d.Observe(event("p1", "page.html", watcher.KindAdded))
	d.Observe(event("p1", "page.html", watcher.KindModified))

	got := recorder.wait(t)
	require.Len(t, got.batch, 1)
	assert.Equal(t, watcher.KindModified, got.batch[0].Kind)
}

func TestDebouncerProjectsAreIndependent(t *testing.T) {
	recorder := newFlushRecorder()
	d := New(testWindow, recorder.record)
	defer d.Stop()

	d.Observe(event("quiet", "a.txt", watcher.KindModified))

	// Activity on another project must not hold the quiet project's batch
	// open.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 6; i++ {
			d.Observe(event("busy", "b.txt", watcher.KindModified))
			time.Sleep(testWindow / 3)
		}
	}()

	got := recorder.wait(t)
	assert.Equal(t, "quiet", got.projectID)

	<-done
	got = recorder.wait(t)
	assert.Equal(t, "busy", got.projectID)
}

func TestDebouncerCancelDiscardsBatch(t *testing.T) {
	recorder := newFlushRecorder()
	d := New(testWindow, recorder.record)
	defer d.Stop()

	d.Observe(event("p1", "index.html", watcher.KindModified))
	require.True(t, d.IsPending("p1"))

	d.Cancel("p1")
	assert.False(t, d.IsPending("p1"))

	time.Sleep(3 * testWindow)
	assert.Equal(t, 0, recorder.count())
}

func TestDebouncerCancelUnknownProject(t *testing.T) {
	d := New(testWindow, nil)
	defer d.Stop()

	d.Cancel("never-seen")
}

func TestDebouncerStop(t *testing.T) {
	recorder := newFlushRecorder()
	d := New(testWindow, recorder.record)

	d.Observe(event("p1", "a.txt", watcher.KindModified))
	d.Observe(event("p2", "b.txt", watcher.KindModified))

	d.Stop()

	time.Sleep(3 * testWindow)
	assert.Equal(t, 0, recorder.count())

	// Events after Stop are discarded.
	d.Observe(event("p3", "c.txt", watcher.KindModified))
	assert.Equal(t, 0, d.PendingCount())
}

func TestDebouncerDefaultWindow(t *testing.T) {
	d := New(0, nil)
	defer d.Stop()

	assert.Equal(t, DefaultWindow, d.Window())
}
