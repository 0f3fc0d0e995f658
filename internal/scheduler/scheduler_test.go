package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeTaskSignaler struct {
	mu      sync.Mutex
	signals []store.ScheduledTask
}

func (f *fakeTaskSignaler) SignalTask(task store.ScheduledTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, task)
}

func (f *fakeTaskSignaler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeTaskSignaler) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sig := &fakeTaskSignaler{}
	sched := New(s, sig, config.SchedulerConfig{PollInterval: 10 * time.Millisecond}, time.UTC)
	return sched, s, sig
}

func TestPollDispatchesDueIntervalTask(t *testing.T) {
	sched, s, sig := newTestScheduler(t)

	past := time.Now().Add(-time.Minute)
	task := store.ScheduledTask{
		ID:            "task-1",
		Folder:        "crew",
		ChatID:        "chat-1",
		Prompt:        "check the build",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "300000",
		NextRunAt:     &past,
		Status:        store.TaskStatusActive,
		ContextMode:   store.ContextModeGroup,
	}
	if err := s.SaveTask(&task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	sched.poll(context.Background())

	if sig.count() != 1 {
		t.Fatalf("expected 1 signaled task, got %d", sig.count())
	}

	got, err := s.GetTask("task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.NextRunAt == nil {
		t.Fatal("expected next_run_at to be set for recurring interval task")
	}
	if got.Status != store.TaskStatusActive {
		t.Errorf("expected task to remain active, got %s", got.Status)
	}
}

func TestPollMarksOnceTaskDoneAfterDispatch(t *testing.T) {
	sched, s, sig := newTestScheduler(t)

	past := time.Now().Add(-time.Minute)
	task := store.ScheduledTask{
		ID:            "task-once",
		Folder:        "main",
		ChatID:        "chat-1",
		Prompt:        "one shot",
		ScheduleType:  store.ScheduleOnce,
		ScheduleValue: "1", // far in the past relative to "now"
		NextRunAt:     &past,
		Status:        store.TaskStatusActive,
	}
	if err := s.SaveTask(&task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	sched.poll(context.Background())

	if sig.count() != 1 {
		t.Fatalf("expected 1 signaled task, got %d", sig.count())
	}

	got, err := s.GetTask("task-once")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusDone {
		t.Errorf("expected once task marked done, got %s", got.Status)
	}
	if got.NextRunAt != nil {
		t.Errorf("expected nil next_run_at for done task, got %v", got.NextRunAt)
	}
}

func TestPollSkipsPausedTasks(t *testing.T) {
	sched, s, sig := newTestScheduler(t)

	past := time.Now().Add(-time.Minute)
	task := store.ScheduledTask{
		ID:            "task-paused",
		Folder:        "crew",
		ChatID:        "chat-1",
		Prompt:        "should not run",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
		NextRunAt:     &past,
		Status:        store.TaskStatusPaused,
	}
	if err := s.SaveTask(&task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	sched.poll(context.Background())

	if sig.count() != 0 {
		t.Fatalf("expected paused task not to be dispatched, got %d signals", sig.count())
	}
}

func TestPollSkipsNotYetDueTasks(t *testing.T) {
	sched, s, sig := newTestScheduler(t)

	future := time.Now().Add(time.Hour)
	task := store.ScheduledTask{
		ID:            "task-future",
		Folder:        "crew",
		ChatID:        "chat-1",
		Prompt:        "not yet",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
		NextRunAt:     &future,
		Status:        store.TaskStatusActive,
	}
	if err := s.SaveTask(&task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	sched.poll(context.Background())

	if sig.count() != 0 {
		t.Fatalf("expected future task not to be dispatched, got %d signals", sig.count())
	}
}

func TestUpdateConfigResetsTicker(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	sched.UpdateConfig(5 * time.Millisecond)
	if sched.pollInterval != 5*time.Millisecond {
		t.Errorf("expected poll interval updated, got %v", sched.pollInterval)
	}
	select {
	case <-sched.reloadCh:
	default:
		t.Error("expected reload signal to be queued")
	}
}
