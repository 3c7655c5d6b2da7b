// Package scheduler runs the periodic jobs of the geoblock daemon: feed
// refreshes and metrics export.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/geoblock/internal/clock"
	"grimm.is/geoblock/internal/logging"
)

// TaskFunc performs one run of a task. ctx is cancelled when the scheduler
// stops or the task's timeout expires.
type TaskFunc func(ctx context.Context) error

// ErrSkipped may be returned by a TaskFunc that had nothing to do. It is not
// counted as a failure.
var ErrSkipped = errors.New("skipped")

// Task is a named job with a schedule.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus is the run history of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

type entry struct {
	task   *Task
	status TaskStatus
}

// Scheduler runs tasks when they are due. A task never overlaps with
// itself; a run that is still going when the next one is due delays it.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	logger *logging.Logger
	clock  clock.Clock
	tick   time.Duration
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		tasks:  make(map[string]*entry),
		logger: logger.WithComponent("scheduler"),
		clock:  clock.RealClock{},
		tick:   time.Second,
	}
}

// WithClock replaces the time source.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// Add registers a task.
func (s *Scheduler) Add(task *Task) error {
	switch {
	case task.ID == "":
		return errors.New("task ID is required")
	case task.Schedule == nil:
		return fmt.Errorf("task %s: schedule is required", task.ID)
	case task.Func == nil:
		return fmt.Errorf("task %s: function is required", task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	e := &entry{task: task, status: TaskStatus{ID: task.ID, Name: task.Name}}
	e.status.NextRun = task.Schedule.Next(s.clock.Now())
	s.tasks[task.ID] = e
	s.logger.Debug("task added", "id", task.ID, "next_run", e.status.NextRun)
	return nil
}

// Status returns every task sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts RunOnStart tasks, then runs due tasks until ctx is cancelled.
// It returns after every running task has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
	defer func() {
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	}()

	s.mu.Lock()
	for _, e := range s.tasks {
		if e.task.RunOnStart {
			s.startLocked(ctx, e)
		}
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runDue(ctx, s.clock.Now())
		}
	}
}

// RunNow starts a task immediately unless it is already running.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if e.status.Running {
		return fmt.Errorf("task %s is already running", id)
	}
	s.startLocked(ctx, e)
	return nil
}

// Wait blocks until every started run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		next := e.status.NextRun
		if e.status.Running || next.IsZero() || now.Before(next) {
			continue
		}
		s.startLocked(ctx, e)
	}
}

func (s *Scheduler) startLocked(ctx context.Context, e *entry) {
	e.status.Running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, e)
	}()
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	task := e.task
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := s.clock.Now()
	err := task.Func(ctx)
	took := s.clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &e.status
	st.Running = false
	st.LastRun = start
	st.LastDuration = took
	st.RunCount++
	switch {
	case err == nil, errors.Is(err, ErrSkipped):
		st.LastError = ""
		s.logger.Debug("task completed", "id", task.ID, "duration", took)
	default:
		st.LastError = err.Error()
		st.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", took)
	}
	st.NextRun = task.Schedule.Next(s.clock.Now())
}
