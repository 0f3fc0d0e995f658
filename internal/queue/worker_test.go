package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func TestCrashRetriesThenSucceeds(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 3}
	q, s, reg, launcher, sender := setupQueue(t, policy)
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	ts := time.Now()
	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", ts)

	failHandle := newImmediateHandle(sandbox.Block{Status: sandbox.StatusError, Error: "boom"}, 1)
	okHandle := newImmediateHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("fixed"), SessionID: "sess-9"}, 0)
	launcher.handles = append(launcher.handles, failHandle, okHandle)

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, 3*time.Second, func() bool { return launcher.launchCount() == 2 })
	waitFor(t, time.Second, func() bool { return sender.hasText("fixed") })

	cur, err := s.Cursor("crew")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur.Before(ts) {
		t.Fatalf("expected cursor to reach the batch timestamp once the retry succeeded, got %v want >= %v", cur, ts)
	}
}

func TestPoisonAfterMaxAttemptsAdvancesCursorAndNotifiesUser(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 2}
	q, s, reg, launcher, sender := setupQueue(t, policy)
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	ts := time.Now()
	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", ts)

	h1 := newImmediateHandle(sandbox.Block{Status: sandbox.StatusError, Error: "boom1"}, 1)
	h2 := newImmediateHandle(sandbox.Block{Status: sandbox.StatusError, Error: "boom2"}, 1)
	launcher.handles = append(launcher.handles, h1, h2)

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, 3*time.Second, func() bool { return launcher.launchCount() == 2 })
	waitFor(t, time.Second, func() bool {
		return sender.hasText("The assistant failed to respond after 2 attempts.")
	})

	cur, err := s.Cursor("crew")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur.Before(ts) {
		t.Fatalf("expected cursor advanced past the poisoned batch, got %v want >= %v", cur, ts)
	}
}

func TestScheduledTaskRunRecordsLogAndSkipsSessionPersistenceWhenIsolated(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	q, s, reg, launcher, _ := setupQueue(t, policy)
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	h := newImmediateHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("standup done"), SessionID: "sess-task"}, 0)
	launcher.handles = append(launcher.handles, h)

	task := &store.ScheduledTask{
		ID: "task-1", Folder: "crew", ChatID: "chat-crew", Prompt: "standup",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		Status: store.TaskStatusActive, ContextMode: store.ContextModeIsolated,
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	q.Start(context.Background())
	q.SignalTask(*task)

	waitFor(t, time.Second, func() bool { return launcher.launchCount() == 1 })
	waitFor(t, time.Second, func() bool {
		logs, err := s.ListRunLogsForTask("task-1", 10)
		return err == nil && len(logs) == 1
	})

	got, err := s.GetTask("task-1")
	if err != nil || got == nil {
		t.Fatalf("get task: %v, %v", got, err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Fatalf("expected next run recomputed into the future, got %v", got.NextRunAt)
	}

	sid, err := s.GetSession("crew")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sid != "" {
		t.Fatalf("expected isolated-mode run to leave the folder's session untouched, got %q", sid)
	}
}

func TestGroupModeSessionPersistsAfterSuccess(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	q, s, reg, launcher, _ := setupQueue(t, policy)
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	insertMessage(t, s, "chat-crew", "m1", "alice", "hi", time.Now())

	h := newImmediateHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("hello back"), SessionID: "sess-42"}, 0)
	launcher.handles = append(launcher.handles, h)

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, time.Second, func() bool {
		sid, err := s.GetSession("crew")
		return err == nil && sid == "sess-42"
	})
}

func TestMountDenialOnMainFolderIsPermanentNotRetried(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 3, MountAllowlist: []string{"/srv/allowed"}}
	chats := map[string]config.ChatDefinition{
		store.MainFolder: {ExtraMounts: []string{"/etc:/mnt/etc:ro"}},
	}
	reg := registry.New(s, chats, policy, filepath.Join(dir, "groups"))
	registerFolder(t, s, reg, store.MainFolder, "chat-main", true)

	launcher := &fakeLauncher{}
	sender := &fakeQueueSender{}
	q := New(s, reg, launcher, sender, policy, time.UTC)

	ts := time.Now()
	insertMessage(t, s, "chat-main", "m1", "alice", "hello", ts)

	q.Start(context.Background())
	q.Signal(store.MainFolder)

	waitFor(t, time.Second, func() bool { return sender.count() >= 1 })
	if launcher.launchCount() != 0 {
		t.Fatalf("expected mount denial to short-circuit before any launch, got %d launches", launcher.launchCount())
	}

	cur, err := s.Cursor(store.MainFolder)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur.Before(ts) {
		t.Fatalf("expected cursor advanced past the permanently-denied batch, got %v", cur)
	}
}
