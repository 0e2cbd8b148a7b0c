// Package scheduling runs the relay's recurring maintenance: heartbeat
// sweeps, conversation expiry and periodic snapshots.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// taskTimeout bounds a single maintenance run.
const taskTimeout = 5 * time.Minute

// Task is one recurring maintenance job.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" or duration "30s"
	Run      func(ctx context.Context) error
	OneShot  bool
}

// Scheduler runs maintenance tasks on cron expressions or fixed intervals.
// Tasks added before Start begin firing once Start is called.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// Add registers a task. Task names are unique; adding a duplicate is an
// error.
func (s *Scheduler) Add(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("scheduler: task %q has no run function", task.Name)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}

	name := task.Name
	run := task.Run
	oneShot := task.OneShot
	logger := s.logger

	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		// Read the lifecycle context under lock.
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping task", "task", name)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()

		start := time.Now()
		if err := run(taskCtx); err != nil {
			logger.Warn("maintenance task failed",
				"task", name, "error", err, "duration", time.Since(start))
		} else {
			logger.Debug("maintenance task completed",
				"task", name, "duration", time.Since(start))
		}

		if oneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, name)
			s.mu.Unlock()
		}
	}))

	s.entries[task.Name] = entryID
	logger.Info("maintenance task scheduled", "task", task.Name, "schedule", task.Schedule)
	return nil
}

// Remove unregisters a task by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	s.logger.Info("maintenance task removed", "task", name)
	return nil
}

// NextRun returns the next fire time for a task, or nil when the task is
// unknown or the scheduler has not started.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins firing scheduled tasks. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels the lifecycle context and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	s.ctx = nil
}

// parseSchedule tries a cron expression first, then falls back to
// time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
