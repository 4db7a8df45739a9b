// Package schedule runs named maintenance tasks on fixed intervals.
//
// Each task gets its own ticker goroutine. Stop cancels every task's context
// and waits for in-flight runs to return, so shutdown is deterministic.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Errors
var (
	ErrAlreadyStarted  = errors.New("schedule: scheduler already started")
	ErrInvalidInterval = errors.New("schedule: interval must be positive")
	ErrDuplicateTask   = errors.New("schedule: task already registered")
)

// Func is the body of a scheduled task.
type Func func(ctx context.Context) error

// TaskStats tracks one task.
type TaskStats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval_ns"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type task struct {
	name     string
	interval time.Duration
	fn       Func

	runs     atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Scheduler owns a set of periodic tasks.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("component", "schedule"),
		tasks:  make(map[string]*task),
	}
}

// Every registers fn to run every interval once the scheduler starts.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	return nil
}

// Start launches every registered task. The first run of each happens one
// interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}

	s.logger.Info("scheduler started", "tasks", len(s.tasks))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			s.logger.Error("scheduled task panicked", "task", t.name, "panic", r)
		}
	}()

	err := t.fn(ctx)
	t.runs.Add(1)

	t.mu.Lock()
	t.lastRun = time.Now()
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		t.failures.Add(1)
		s.logger.Warn("scheduled task failed", "task", t.name, "error", err)
	}
}

// RunNow runs a registered task once, synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown task %q", name)
	}

	s.runOnce(ctx, t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr != "" {
		return errors.New(t.lastErr)
	}
	return nil
}

// Stop cancels all tasks and waits for running ones to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("schedule: stop: %w", ctx.Err())
	}
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns per-task statistics ordered by name.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	stats := make([]TaskStats, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		stats = append(stats, TaskStats{
			Name:      t.name,
			Interval:  t.interval,
			Runs:      t.runs.Load(),
			Failures:  t.failures.Load(),
			LastRun:   t.lastRun,
			LastError: t.lastErr,
		})
		t.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
