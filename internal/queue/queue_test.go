package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// fakeHandle stands in for a *sandbox.Handle: its Wait blocks on release so
// tests can hold a "run" open long enough to exercise mid-run piping, then
// let it finish on cue.
type fakeHandle struct {
	mu        sync.Mutex
	partial   chan sandbox.Block
	release   chan struct{}
	waitRes   *sandbox.Result
	pipeCalls []string
	closed    bool
	killed    bool
}

func newFakeHandleBase(block sandbox.Block, exitCode int) *fakeHandle {
	h := &fakeHandle{
		partial: make(chan sandbox.Block, 8),
		release: make(chan struct{}),
	}
	h.partial <- block
	res := &sandbox.Result{Status: block.Status, SessionID: block.SessionID, ExitCode: exitCode}
	if block.Result != nil {
		res.Output = *block.Result
	} else {
		res.Output = block.Error
	}
	h.waitRes = res
	return h
}

// newImmediateHandle is a handle whose sandbox run is already "finished" by
// the time Wait is called — the common case for scenarios that don't
// exercise mid-run piping.
func newImmediateHandle(block sandbox.Block, exitCode int) *fakeHandle {
	h := newFakeHandleBase(block, exitCode)
	close(h.release)
	return h
}

// newControlledHandle leaves release open; the test closes it to simulate
// the sandbox finally exiting.
func newControlledHandle(block sandbox.Block, exitCode int) *fakeHandle {
	return newFakeHandleBase(block, exitCode)
}

func (h *fakeHandle) PipeMessage(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pipeCalls = append(h.pipeCalls, text)
	return nil
}

func (h *fakeHandle) CloseStdin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) Partial() <-chan sandbox.Block { return h.partial }

func (h *fakeHandle) Wait(ctx context.Context) (*sandbox.Result, error) {
	select {
	case <-h.release:
		return h.waitRes, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *fakeHandle) Kill(ctx context.Context, grace time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
}

func (h *fakeHandle) pipeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pipeCalls)
}

type fakeLauncher struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	idx       int
	launchErr error
	launches  int
	lastOpts  sandbox.LaunchOpts
}

func (f *fakeLauncher) Launch(ctx context.Context, opts sandbox.LaunchOpts) (SandboxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	f.lastOpts = opts
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	if f.idx >= len(f.handles) {
		return nil, fmt.Errorf("fakeLauncher: no handle queued for launch #%d", f.launches)
	}
	h := f.handles[f.idx]
	f.idx++
	return h, nil
}

func (f *fakeLauncher) capturedOpts() sandbox.LaunchOpts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

type queueSentMessage struct{ chatID, text string }

type fakeQueueSender struct {
	mu   sync.Mutex
	sent []queueSentMessage
}

func (f *fakeQueueSender) Send(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, queueSentMessage{chatID, text})
	return nil
}

func (f *fakeQueueSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeQueueSender) hasText(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m.text == text {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

func setupQueue(t *testing.T, policy config.PolicyConfig) (*Queue, *store.Store, *registry.Registry, *fakeLauncher, *fakeQueueSender) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, map[string]config.ChatDefinition{}, policy, filepath.Join(dir, "groups"))

	launcher := &fakeLauncher{}
	sender := &fakeQueueSender{}
	q := New(s, reg, launcher, sender, policy, time.UTC)
	return q, s, reg, launcher, sender
}

func registerFolder(t *testing.T, s *store.Store, reg *registry.Registry, folder, chatID string, isMain bool) {
	t.Helper()
	if err := s.UpsertChat(&store.Chat{ChatID: chatID, DisplayName: chatID, Transport: "telegram"}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	f := folder
	if isMain {
		f = store.MainFolder
	}
	if err := s.SaveRegisteredChat(&store.RegisteredChat{
		ChatID: chatID, Folder: f, TriggerPhrase: "Andy", RequiresTrigger: !isMain,
	}); err != nil {
		t.Fatalf("register folder: %v", err)
	}
	if err := reg.EnsureFolderDirectories(f); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
}

func insertMessage(t *testing.T, s *store.Store, chatID, messageID, senderID, content string, ts time.Time) {
	t.Helper()
	if _, err := s.SaveMessage(&store.Message{
		ChatID: chatID, MessageID: messageID, SenderID: senderID, SenderName: senderID,
		Content: content, Timestamp: ts, Direction: store.DirectionInbound,
	}); err != nil {
		t.Fatalf("save message: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPlainReplyDeliversAndAdvancesCursor(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	q, s, reg, launcher, sender := setupQueue(t, policy)
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	ts := time.Now()
	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", ts)

	h := newImmediateHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("hi there"), SessionID: "sess-1"}, 0)
	launcher.handles = append(launcher.handles, h)

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, time.Second, func() bool { return sender.count() >= 1 })
	if !sender.hasText("hi there") {
		t.Fatalf("expected reply text delivered, got %+v", sender.sent)
	}

	waitFor(t, time.Second, func() bool {
		cur, err := s.Cursor("crew")
		return err == nil && !cur.Before(ts)
	})
}

func TestCoalescingPipeSendsExactlyOnePipeWrite(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	q, s, reg, launcher, _ := setupQueue(t, policy)
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", time.Now())

	h := newControlledHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("done"), SessionID: "sess-2"}, 0)
	launcher.handles = append(launcher.handles, h)

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, time.Second, func() bool { return launcher.launchCount() == 1 })

	// Two messages arrive close together while the sandbox is still
	// "running"; a single Signal after both is enough to wake the
	// in-flight run's coalesce-then-fetch cycle once.
	insertMessage(t, s, "chat-crew", "m2", "alice", "part one", time.Now())
	insertMessage(t, s, "chat-crew", "m3", "alice", "part two", time.Now())
	q.Signal("crew")

	time.Sleep(700 * time.Millisecond)
	close(h.release)

	waitFor(t, time.Second, func() bool { return h.pipeCount() >= 1 })
	if got := h.pipeCount(); got != 1 {
		t.Fatalf("expected exactly one pipe write for the coalesced arrivals, got %d: %v", got, h.pipeCalls)
	}
}
