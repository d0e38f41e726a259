package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ExecuteFunc is called when a task fires.
type ExecuteFunc func(ctx context.Context, task *Task, execution *Execution) error

// CatchUpWindow is how late a missed execution may still run at start.
const CatchUpWindow = 24 * time.Hour

// Scheduler manages task scheduling and execution.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc
	timeout time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a new scheduler.
func New(logger *slog.Logger, store *Store, execute ExecuteFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		store:   store,
		execute: execute,
		timeout: 5 * time.Minute,
		timers:  make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}
}

// Start runs missed executions, then arms a timer for every enabled task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Debug("scheduler starting")

	// Missed runs first: arming a task replaces its pending execution.
	s.checkMissedExecutions(ctx)

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.scheduleTask(task)
	}

	s.logger.Info("scheduler started", "tasks", len(tasks))
	return nil
}

// Stop halts the scheduler and waits for running executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}

	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Enqueue creates or replaces the task with task.ID and arms it. Enqueuing
// the same ID twice leaves exactly one pending run. It returns the next
// run time, or nil if the schedule has no future runs.
func (s *Scheduler) Enqueue(task *Task) (*time.Time, error) {
	if task.ID == "" {
		task.ID = NewID()
	}
	if err := s.store.UpsertTask(task); err != nil {
		return nil, err
	}

	s.cancelTimer(task.ID)
	var next *time.Time
	if task.Enabled {
		next = s.scheduleTask(task)
	} else if err := s.store.DeletePendingExecutions(task.ID); err != nil {
		return nil, err
	}

	s.logger.Info("task enqueued",
		"id", task.ID,
		"name", task.Name,
		"schedule", task.Schedule.Kind,
		"next", next,
	)
	return next, nil
}

// DeleteTask removes a task and its history.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)

	if err := s.store.DeleteTask(id); err != nil {
		return err
	}

	s.logger.Info("task deleted", "id", id)
	return nil
}

// GetTask retrieves a task by ID. Returns nil, nil when it does not exist.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	return s.store.FindTask(id)
}

// ListTasks returns tasks, optionally only the enabled ones.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// GetTaskExecutions returns the most recent executions of a task,
// newest first.
func (s *Scheduler) GetTaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// scheduleTask arms a timer for the next execution and records it as
// pending so a restart can detect a missed run.
func (s *Scheduler) scheduleTask(task *Task) *time.Time {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		_ = s.store.DeletePendingExecutions(task.ID)
		return nil
	}

	if _, err := s.store.ReplacePendingExecution(task.ID, next); err != nil {
		s.logger.Error("failed to record pending execution", "id", task.ID, "error", err)
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return &next
	}
	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}
	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.onTaskFire(task.ID)
	})

	s.logger.Debug("task scheduled",
		"id", task.ID,
		"name", task.Name,
		"next", next,
		"delay", delay,
	)
	return &next
}

// onTaskFire is called when a task's timer fires.
func (s *Scheduler) onTaskFire(taskID string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.mu.Unlock()

	// Fresh task data: it may have been replaced since the timer was armed.
	task, err := s.store.FindTask(taskID)
	if err != nil {
		s.logger.Error("failed to get task for execution", "id", taskID, "error", err)
		return
	}
	if task == nil || !task.Enabled {
		return
	}

	pending, err := s.store.PendingExecution(taskID)
	if err != nil {
		s.logger.Error("failed to get pending execution", "id", taskID, "error", err)
	}
	scheduledAt := time.Now()
	if pending != nil {
		scheduledAt = pending.ScheduledAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.executeTask(ctx, task, pending, scheduledAt); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	if task.Schedule.Kind == ScheduleAt {
		return
	}
	// An Enqueue during the run may have replaced the schedule.
	task, err = s.store.FindTask(taskID)
	if err != nil {
		s.logger.Error("failed to reload task after execution", "id", taskID, "error", err)
		return
	}
	if task == nil || !task.Enabled {
		return
	}
	s.scheduleTask(task)
}

// executeTask runs a task and records the execution. A pending record,
// when given, is promoted instead of creating a new one.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, exec *Execution, scheduledAt time.Time) (*Execution, error) {
	now := time.Now()
	if exec == nil {
		exec = &Execution{
			ID:          NewID(),
			TaskID:      task.ID,
			ScheduledAt: scheduledAt,
			Status:      StatusRunning,
			StartedAt:   &now,
		}
		if err := s.store.CreateExecution(exec); err != nil {
			return nil, err
		}
	} else {
		exec.Status = StatusRunning
		exec.StartedAt = &now
		if err := s.store.UpdateExecution(exec); err != nil {
			return nil, err
		}
	}

	s.logger.Info("executing task",
		"task_id", task.ID,
		"task_name", task.Name,
		"execution_id", exec.ID,
		"scheduled_at", exec.ScheduledAt,
	)

	var execErr error
	if s.execute != nil {
		execErr = s.execute(ctx, task, exec)
	}

	completed := time.Now()
	exec.CompletedAt = &completed

	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", completed.Sub(*exec.StartedAt),
	)

	return exec, execErr
}

// cancelTimer stops and removes a task's timer.
func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// checkMissedExecutions handles runs that came due while we were down.
func (s *Scheduler) checkMissedExecutions(ctx context.Context) {
	pending, err := s.store.GetPendingExecutions()
	if err != nil {
		s.logger.Error("failed to get pending executions", "error", err)
		return
	}

	now := time.Now()
	for _, exec := range pending {
		if exec.ScheduledAt.After(now) {
			continue
		}
		if now.Sub(exec.ScheduledAt) > CatchUpWindow {
			exec.Status = StatusSkipped
			exec.Result = "missed execution window (>24h)"
			_ = s.store.UpdateExecution(exec)
			s.logger.Warn("skipped stale execution", "id", exec.ID, "task_id", exec.TaskID, "scheduled", exec.ScheduledAt)
			continue
		}

		task, err := s.store.FindTask(exec.TaskID)
		if err != nil || task == nil || !task.Enabled {
			continue
		}
		s.logger.Info("catching up missed execution", "task", task.Name, "scheduled", exec.ScheduledAt)
		_, _ = s.executeTask(ctx, task, exec, exec.ScheduledAt)
	}
}

// Stats is a snapshot of the scheduler's state.
type Stats struct {
	Running      bool `json:"running"`
	TotalTasks   int  `json:"total_tasks"`
	EnabledTasks int  `json:"enabled_tasks"`
	ActiveTimers int  `json:"active_timers"`
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() (Stats, error) {
	tasks, err := s.store.ListTasks(false)
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Running:      s.running,
		TotalTasks:   len(tasks),
		ActiveTimers: len(s.timers),
	}
	for _, t := range tasks {
		if t.Enabled {
			st.EnabledTasks++
		}
	}
	return st, nil
}
