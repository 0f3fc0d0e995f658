// Package scheduler sweeps due ScheduledTask rows and hands them to the
// Group Queue as scheduler-originated events (spec §4.6). Grounded on the
// teacher's internal/scheduler/scheduler.go for the ticker/reload-channel
// run loop shape, with the orchestrator call and NATS event publish
// replaced by a Group Queue signal and the teacher's JSON-schedule
// CalculateNextRun replaced by internal/schedule's flat-column NextRun.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/schedule"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// TaskSignaler is the Group Queue's intake for scheduler-originated runs.
// Unlike a router signal (which tells the queue to re-read the message
// store), a task signal carries its own prompt and context mode since a
// scheduled task is not necessarily backed by any chat message.
type TaskSignaler interface {
	SignalTask(task store.ScheduledTask)
}

type Scheduler struct {
	store        *store.Store
	queue        TaskSignaler
	pollInterval time.Duration
	loc          *time.Location
	reloadCh     chan struct{}
}

func New(s *store.Store, queue TaskSignaler, cfg config.SchedulerConfig, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:        s,
		queue:        queue,
		pollInterval: cfg.PollInterval,
		loc:          loc,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig updates the poll interval and signals the run loop to reset
// its ticker, mirroring the teacher's hot-reload behavior.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval <= 0 {
		s.pollInterval = 60 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.safePoll(ctx)
		}
	}
}

// safePoll recovers a panic from one sweep so a single bad task row can't
// kill the scheduler goroutine for every other folder (spec §7 "the global
// process continues").
func (s *Scheduler) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler recovered from panic during poll", "panic", r)
		}
	}()
	s.poll(ctx)
}

func (s *Scheduler) poll(ctx context.Context) {
	now := time.Now()
	tasks, err := s.store.GetDueTasks(now)
	if err != nil {
		slog.Error("failed to get due tasks", "error", err)
		return
	}

	for _, task := range tasks {
		s.dispatch(ctx, task, now)
	}
}

// dispatch enqueues a due task on the Group Queue and advances its
// schedule. The next run is computed from `now`, not from the stale
// next_run_at, so a host outage that spans several intervals produces
// exactly one catch-up run rather than one per missed tick (spec §8).
func (s *Scheduler) dispatch(ctx context.Context, task store.ScheduledTask, now time.Time) {
	slog.Info("dispatching scheduled task", "id", task.ID, "folder", task.Folder, "type", task.ScheduleType)

	if err := s.store.InsertTaskRunLog(&store.TaskRunLog{
		TaskID:    task.ID,
		StartedAt: now,
		Status:    "dispatched",
	}); err != nil {
		slog.Error("failed to record task run log", "id", task.ID, "error", err)
	}

	s.queue.SignalTask(task)

	nextRun, err := schedule.NextRun(task.ScheduleType, task.ScheduleValue, now, s.loc)
	if err != nil {
		slog.Error("failed to compute next run", "id", task.ID, "error", err)
		return
	}

	if err := s.store.UpdateTaskRun(task.ID, now, "dispatched", nextRun); err != nil {
		slog.Error("failed to update task run", "id", task.ID, "error", err)
	}

	if nextRun == nil {
		slog.Info("schedule exhausted, task marked done", "id", task.ID)
	}
}
