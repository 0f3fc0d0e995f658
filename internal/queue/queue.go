// Package queue implements the Group Queue, the per-folder executor that
// ties router signals, scheduler task signals, the Sandbox Runner, and
// cursor advancement together (spec §4.3, "the heart"). Grounded on the
// teacher's internal/agent/queue.go + orchestrator.go for the
// per-entity serialized-worker shape (TryLock/Unlock guarding a pending
// slice, a goroutine per enqueue draining it), with the teacher's NATS
// pub/sub replaced by the Sandbox Runner's stdin/stdout framing and the
// teacher's container-readiness poll replaced by a direct Launch call.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Sender is the Outbound Splitter's intake. The queue addresses every
// reply to a chat_id and never talks to a transport directly (spec §4.3
// step 5, §4.7 delivery-failure semantics).
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// SandboxHandle is the subset of *sandbox.Handle the queue drives. An
// interface instead of the concrete type so tests can drive the folder
// worker state machine without a Docker daemon.
type SandboxHandle interface {
	PipeMessage(text string) error
	CloseStdin() error
	Partial() <-chan sandbox.Block
	Wait(ctx context.Context) (*sandbox.Result, error)
	Kill(ctx context.Context, grace time.Duration)
}

// SandboxLauncher is the queue's view of *sandbox.Runner.
type SandboxLauncher interface {
	Launch(ctx context.Context, opts sandbox.LaunchOpts) (SandboxHandle, error)
}

// runnerAdapter lets *sandbox.Runner satisfy SandboxLauncher: Launch
// returns a *sandbox.Handle, which cannot be returned directly as a
// SandboxHandle by a method whose signature names the interface, since Go
// has no covariant return types. The adapter does nothing but widen the
// return type; *sandbox.Handle already implements every SandboxHandle
// method.
type runnerAdapter struct {
	runner *sandbox.Runner
}

// NewRunnerAdapter wraps a *sandbox.Runner for use as a Queue's launcher.
func NewRunnerAdapter(r *sandbox.Runner) SandboxLauncher {
	return &runnerAdapter{runner: r}
}

func (a *runnerAdapter) Launch(ctx context.Context, opts sandbox.LaunchOpts) (SandboxHandle, error) {
	h, err := a.runner.Launch(ctx, opts)
	if err != nil {
		// Returning a non-nil *sandbox.Handle interface value wrapping a
		// nil pointer would make callers' err == nil but handle != nil
		// checks lie; keep the error path a clean nil interface.
		return nil, err
	}
	return h, nil
}

// SecretResolver resolves a vault-backed secret by name into the plaintext
// value a sandbox's environment or an MCP server's extensions declaration
// references (spec §4.8 per-chat secrets, §Extensions "secret:name" refs).
// Nil by default: a folder whose chat definition or extensions declare
// secrets with no resolver configured fails that run with a permanent
// error rather than silently launching without them.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// Queue is the Group Queue: one folderWorker per registered folder, each
// serialized against itself, all sharing a global semaphore that bounds
// MAX_CONCURRENT_SANDBOXES (spec §4.3, §5).
type Queue struct {
	store    *store.Store
	registry *registry.Registry
	launcher SandboxLauncher
	sender   Sender
	policy   config.PolicyConfig
	loc      *time.Location
	secrets  SecretResolver

	sem chan struct{}

	mu      sync.Mutex
	workers map[string]*folderWorker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(s *store.Store, reg *registry.Registry, launcher SandboxLauncher, sender Sender, policy config.PolicyConfig, loc *time.Location) *Queue {
	if loc == nil {
		loc = time.UTC
	}
	max := policy.MaxConcurrentSandboxes
	if max < 1 {
		max = 1
	}
	return &Queue{
		store:    s,
		registry: reg,
		launcher: launcher,
		sender:   sender,
		policy:   policy,
		loc:      loc,
		sem:      make(chan struct{}, max),
		workers:  make(map[string]*folderWorker),
	}
}

// SetSecretResolver wires vault-backed secret lookups into launch option
// construction. Optional — a deployment with no per-chat secrets or
// extensions never needs to call it.
func (q *Queue) SetSecretResolver(r SecretResolver) {
	q.secrets = r
}

// Start arms the queue to accept Signal/SignalTask calls. It does not
// itself discover work; folders become active lazily as a signal or a
// scheduled task touches them, mirroring the router's "don't poll, get
// told" design.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels every folder worker and waits up to grace for them to
// exit. A worker with an in-flight run stops its sandbox through Kill
// (terminate, a 5 s grace, then force-remove); stdin is not closed
// first. No new sandboxes are launched once Stop begins.
func (q *Queue) Stop(grace time.Duration) {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("group queue shutdown grace period elapsed with workers still running")
	}
}

// Signal tells the folder's worker new inbound messages are waiting in
// the store (spec §4.3 step 1). Satisfies router.Signaler.
func (q *Queue) Signal(folder string) {
	q.worker(folder).wakeMessages()
}

// SignalTask hands a due scheduled task to its folder's worker. Satisfies
// scheduler.TaskSignaler.
func (q *Queue) SignalTask(task store.ScheduledTask) {
	q.worker(task.Folder).wakeTask(task)
}

// worker returns folder's worker, creating and starting it on first use.
func (q *Queue) worker(folder string) *folderWorker {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[folder]
	if ok {
		return w
	}
	w = newFolderWorker(q, folder)
	q.workers[folder] = w
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		w.run(q.ctx)
	}()
	return w
}

// acquire blocks until a global sandbox slot is free or ctx is done (spec
// §4.3 "a global semaphore ... bounds how many sandboxes run at once").
func (q *Queue) acquire(ctx context.Context) bool {
	select {
	case q.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) release() {
	<-q.sem
}
