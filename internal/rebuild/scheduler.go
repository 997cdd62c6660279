// Package rebuild schedules compile runs in response to settled change
// batches.
//
// Each project moves through a small state machine: idle, queued, running.
// At most one job runs per project at any time; triggers arriving while a job
// runs merge into a single queued follow-up. Completion is reported exactly
// once per executed job. A cancelled project reports nothing.
package rebuild

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/project"
	"github.com/conneroisu/previewd/internal/watcher"
)

// Trigger identifies what caused a rebuild.
type Trigger string

const (
	TriggerFileChange Trigger = "file-change"
	TriggerManual     Trigger = "manual"
)

// Status of a rebuild job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// DefaultCompileTimeout bounds a single compile run.
const DefaultCompileTimeout = 30 * time.Second

// maxOutputBytes bounds captured compile output. The tail is kept because
// compilers print the failure last.
const maxOutputBytes = 4 * 1024

// Job describes one rebuild run. Callbacks receive the job after it reached
// a terminal status and must not mutate it.
type Job struct {
	ProjectID        string
	Trigger          Trigger
	TriggeringEvents []watcher.ChangeEvent
	Status           Status
	StartedAt        time.Time
	FinishedAt       time.Time
	Output           string
	Err              error
}

// StartFunc is invoked when a job leaves the queue and starts running.
type StartFunc func(projectID string, job *Job)

// CompletionFunc is invoked exactly once per executed job.
type CompletionFunc func(projectID string, job *Job, duration time.Duration)

// Config holds the parameters for a Scheduler.
type Config struct {
	// CompileTimeout bounds each compile run. Zero or negative values fall
	// back to DefaultCompileTimeout.
	CompileTimeout time.Duration

	// OnStart fires when a job starts running. Optional.
	OnStart StartFunc

	// OnFinish fires when a job reaches succeeded or failed. Cancelled
	// projects never report.
	OnFinish CompletionFunc

	Logger logging.Logger
}

// Scheduler runs rebuild jobs, one at a time per project.
type Scheduler struct {
	timeout  time.Duration
	onStart  StartFunc
	onFinish CompletionFunc
	logger   logging.Logger

	mu       sync.Mutex
	projects map[string]*projectState
	stopped  bool
}

type projectState struct {
	proj    *project.Project
	running bool
	queued  *Job
	cancel  context.CancelFunc
	gone    bool
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	timeout := cfg.CompileTimeout
	if timeout <= 0 {
		timeout = DefaultCompileTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Scheduler{
		timeout:  timeout,
		onStart:  cfg.OnStart,
		onFinish: cfg.OnFinish,
		logger:   logger.WithComponent("rebuild"),
		projects: make(map[string]*projectState),
	}
}

// Trigger schedules a rebuild for proj. If a job is already running for the
// project, the batch merges into the single queued follow-up job. The call
// never blocks on job execution.
//
// The project is passed per trigger so re-registration changes to the
// compile step take effect on the next job without scheduler bookkeeping.
func (s *Scheduler) Trigger(proj *project.Project, events []watcher.ChangeEvent, trigger Trigger) {
	if trigger == TriggerFileChange && len(events) == 0 {
		return
	}

	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return
	}

	st, exists := s.projects[proj.ID]
	if !exists {
		st = &projectState{}
		s.projects[proj.ID] = st
	}
	if st.gone {
		s.mu.Unlock()
		return
	}
	st.proj = proj

	job := &Job{
		ProjectID:        proj.ID,
		Trigger:          trigger,
		TriggeringEvents: events,
		Status:           StatusQueued,
	}

	if st.running {
		if st.queued == nil {
			st.queued = job
		} else {
			mergeJob(st.queued, job)
		}
		s.mu.Unlock()
		return
	}

	st.running = true
	s.mu.Unlock()

	go s.runLoop(proj, job)
}

// mergeJob folds a new trigger into the queued job: batches union with the
// latest event per path winning, and an explicit manual trigger sticks.
func mergeJob(queued, incoming *Job) {
	byPath := make(map[string]int, len(queued.TriggeringEvents))
	for i, event := range queued.TriggeringEvents {
		byPath[event.RelativePath] = i
	}

	for _, event := range incoming.TriggeringEvents {
		if i, seen := byPath[event.RelativePath]; seen {
			queued.TriggeringEvents[i] = event
			continue
		}
		byPath[event.RelativePath] = len(queued.TriggeringEvents)
		queued.TriggeringEvents = append(queued.TriggeringEvents, event)
	}

	if incoming.Trigger == TriggerManual {
		queued.Trigger = TriggerManual
	}
}

// runLoop executes job and then whatever queued up behind it, staying on one
// goroutine per project while work remains.
func (s *Scheduler) runLoop(proj *project.Project, job *Job) {
	for job != nil {
		cancelled := s.runJob(proj, job)
		if cancelled {
			s.mu.Lock()
			if st := s.projects[proj.ID]; st != nil && st.gone {
				delete(s.projects, proj.ID)
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		st := s.projects[proj.ID]
		if st == nil {
			s.mu.Unlock()
			return
		}
		if st.gone {
			st.queued = nil
			delete(s.projects, proj.ID)
			s.mu.Unlock()
			return
		}

		job = st.queued
		st.queued = nil
		if job == nil {
			st.running = false
			st.cancel = nil
		} else {
			// A re-registration may have swapped the compile step while
			// this job was queued; run with the project as last triggered.
			proj = st.proj
		}
		s.mu.Unlock()
	}
}

// runJob executes one job and reports completion. It returns true when the
// project was cancelled mid-run, in which case nothing was reported.
func (s *Scheduler) runJob(proj *project.Project, job *Job) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	st := s.projects[proj.ID]
	if st == nil || st.gone {
		s.mu.Unlock()
		return true
	}
	st.cancel = cancel
	s.mu.Unlock()

	job.Status = StatusRunning
	job.StartedAt = time.Now()

	if s.onStart != nil {
		s.onStart(proj.ID, job)
	}

	s.logger.Debug(ctx, "Rebuild started",
		"project_id", proj.ID, "trigger", string(job.Trigger), "files", len(job.TriggeringEvents))

	var runErr error
	if proj.CompileStep != nil {
		runErr = s.runCompileStep(ctx, proj, job)
	}

	job.FinishedAt = time.Now()
	duration := job.FinishedAt.Sub(job.StartedAt)

	if ctx.Err() == context.Canceled {
		// Cancelled at unregister time; the kill itself is not an error
		// and nothing is reported.
		return true
	}

	if runErr != nil {
		job.Status = StatusFailed
		job.Err = runErr
		s.logger.Warn(ctx, runErr, "Rebuild failed",
			"project_id", proj.ID, "duration_ms", duration.Milliseconds())
	} else {
		job.Status = StatusSucceeded
		s.logger.Info(ctx, "Rebuild succeeded",
			"project_id", proj.ID, "duration_ms", duration.Milliseconds(), "files", len(job.TriggeringEvents))
	}

	if s.onFinish != nil {
		s.onFinish(proj.ID, job, duration)
	}

	return false
}

// runCompileStep executes the project's compile command with the configured
// timeout, capturing bounded combined output onto the job.
func (s *Scheduler) runCompileStep(ctx context.Context, proj *project.Project, job *Job) error {
	step := proj.CompileStep

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, step.Command[0], step.Command[1:]...)
	cmd.Dir = proj.ResolveWorkingDir()

	output, err := cmd.CombinedOutput()
	job.Output = truncateOutput(output)

	if err == nil {
		return nil
	}

	if cctx.Err() == context.DeadlineExceeded {
		return errors.ErrBuildTimeout(proj.ID).WithContext("timeout", s.timeout.String())
	}
	if ctx.Err() == context.Canceled {
		return err
	}

	return errors.ErrBuildFailed(proj.ID, err).WithContext("output", job.Output)
}

func truncateOutput(output []byte) string {
	if len(output) <= maxOutputBytes {
		return string(output)
	}
	return "..." + string(output[len(output)-maxOutputBytes:])
}

// Cancel discards the project's queued job and kills any in-flight compile
// best effort. No completion is reported for the cancelled work. Safe to
// call for unknown projects.
func (s *Scheduler) Cancel(projectID string) {
	s.mu.Lock()
	st, exists := s.projects[projectID]
	if !exists {
		s.mu.Unlock()
		return
	}

	st.gone = true
	st.queued = nil
	cancel := st.cancel
	if !st.running {
		delete(s.projects, projectID)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Stop cancels every project. Used at daemon shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true

	cancels := make([]context.CancelFunc, 0, len(s.projects))
	for projectID, st := range s.projects {
		st.gone = true
		st.queued = nil
		if st.cancel != nil {
			cancels = append(cancels, st.cancel)
		}
		if !st.running {
			delete(s.projects, projectID)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// IsRunning returns true while a job is executing for the project.
// This is primarily useful for testing.
func (s *Scheduler) IsRunning(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.projects[projectID]
	return exists && st.running
}
