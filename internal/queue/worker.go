package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/extensions"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/schedule"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// coalesceWindow is the "short window" spec §4.3 step 3 / §8 use to decide
// whether consecutive same-sender messages become one piped batch instead
// of separate ones. Matches the IPC dispatcher's default poll interval,
// which is where the spec's "~500ms" figure originates.
const coalesceWindow = 500 * time.Millisecond

// folderWorker owns one folder's queue state (spec §4.3: "a folder's queue
// state is mutated only by its owning worker task"). Its run loop is the
// only place that may launch a sandbox for this folder, which is what
// keeps "at most one sandbox active per folder" true without any lock
// beyond the channel select itself.
type folderWorker struct {
	q      *Queue
	folder string

	wake  chan struct{}
	tasks chan store.ScheduledTask
}

func newFolderWorker(q *Queue, folder string) *folderWorker {
	return &folderWorker{
		q:      q,
		folder: folder,
		wake:   make(chan struct{}, 1),
		tasks:  make(chan store.ScheduledTask, 16),
	}
}

func (w *folderWorker) wakeMessages() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *folderWorker) wakeTask(task store.ScheduledTask) {
	select {
	case w.tasks <- task:
	default:
		slog.Warn("folder worker task backlog full, dropping scheduler signal", "folder", w.folder, "task", task.ID)
	}
}

// run is the worker's whole lifetime: one signal at a time, one sandbox at
// a time. A signal that arrives while a run is in progress just waits in
// its channel (wake is coalesced to one pending wakeup; tasks queue up to
// 16 deep) until this loop comes back around. Each dispatch recovers its
// own panic (spec §7 "the offending folder's worker is restarted with a
// fresh state; the global process continues") instead of letting it climb
// out of the goroutine and take every other folder down with it.
func (w *folderWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.safeRunMessageBatch(ctx)
		case task := <-w.tasks:
			w.safeRunScheduledTask(ctx, task)
		}
	}
}

func (w *folderWorker) safeRunMessageBatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("folder worker recovered from panic, restarting with fresh state", "folder", w.folder, "panic", r)
		}
	}()
	w.runMessageBatch(ctx)
}

func (w *folderWorker) safeRunScheduledTask(ctx context.Context, task store.ScheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("folder worker recovered from panic, restarting with fresh state", "folder", w.folder, "task", task.ID, "panic", r)
		}
	}()
	w.runScheduledTask(ctx, task)
}

// runRequest unifies an organic chat-triggered run with a scheduler-fired
// one so runWithRetry/onSuccess/onPoison only need one code path. coverUpTo
// is the cursor position this run will commit to on success; it starts nil
// for a scheduled task (whose prompt isn't a stored Message) and can still
// grow during the run if real chat messages get piped in.
type runRequest struct {
	rc              *store.RegisteredChat
	prompt          string
	pendingPipe     [][]store.Message
	coverUpTo       *time.Time
	scheduledTaskID string
	contextMode     string
}

func (w *folderWorker) runMessageBatch(ctx context.Context) {
	rc, err := w.q.registry.Get(w.folder)
	if err != nil || rc == nil {
		slog.Error("folder worker: lookup registered chat", "folder", w.folder, "error", err)
		return
	}

	cursor, err := w.cursorOrZero()
	if err != nil {
		slog.Error("folder worker: read cursor", "folder", w.folder, "error", err)
		return
	}

	batch, err := w.q.store.MessagesSince(rc.ChatID, cursor)
	if err != nil {
		slog.Error("folder worker: fetch messages since cursor", "folder", w.folder, "error", err)
		return
	}
	if len(batch) == 0 {
		// Absent: no work, no slot was ever acquired.
		return
	}

	groups := groupMessages(batch)
	last := lastTimestamp(batch)

	req := &runRequest{
		rc:          rc,
		prompt:      joinMessages(groups[0]),
		pendingPipe: groups[1:],
		coverUpTo:   &last,
		contextMode: store.ContextModeGroup,
	}
	w.runWithRetry(ctx, req)
}

func (w *folderWorker) runScheduledTask(ctx context.Context, task store.ScheduledTask) {
	rc, err := w.q.registry.Get(task.Folder)
	if err != nil || rc == nil {
		slog.Error("folder worker: lookup registered chat for scheduled task", "folder", task.Folder, "error", err)
		return
	}

	contextMode := task.ContextMode
	if contextMode == "" {
		contextMode = store.ContextModeGroup
	}

	req := &runRequest{
		rc:              rc,
		prompt:          task.Prompt,
		scheduledTaskID: task.ID,
		contextMode:     contextMode,
	}
	w.runWithRetry(ctx, req)
}

func (w *folderWorker) cursorOrZero() (time.Time, error) {
	ts, err := w.q.store.Cursor(w.folder)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	return ts, err
}

// groupMessages chains consecutive same-sender messages inside a
// coalesceWindow into one group; every other message starts a new group
// of its own (spec §4.3 step 3, §8 coalescing property).
func groupMessages(msgs []store.Message) [][]store.Message {
	if len(msgs) == 0 {
		return nil
	}
	groups := [][]store.Message{{msgs[0]}}
	for _, m := range msgs[1:] {
		cur := groups[len(groups)-1]
		prev := cur[len(cur)-1]
		if m.SenderID == prev.SenderID && m.Timestamp.Sub(prev.Timestamp) <= coalesceWindow {
			groups[len(groups)-1] = append(cur, m)
		} else {
			groups = append(groups, []store.Message{m})
		}
	}
	return groups
}

func joinMessages(msgs []store.Message) string {
	if len(msgs) == 1 {
		return msgs[0].Content
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

func lastTimestamp(msgs []store.Message) time.Time {
	return msgs[len(msgs)-1].Timestamp
}

// resolveSessionID applies the group/isolated context-mode decision (spec
// §4.6 step 2, DESIGN.md Open Question): isolated mode always starts a
// fresh session and never persists the one it gets back, group mode
// resumes whatever session id the folder last recorded.
func (w *folderWorker) resolveSessionID(req *runRequest) string {
	if req.contextMode == store.ContextModeIsolated {
		if err := w.q.store.ResetSession(w.folder); err != nil {
			slog.Error("folder worker: reset session", "folder", w.folder, "error", err)
		}
		return ""
	}
	sid, err := w.q.store.GetSession(w.folder)
	if err != nil {
		slog.Error("folder worker: get session", "folder", w.folder, "error", err)
		return ""
	}
	return sid
}

func (w *folderWorker) buildLaunchOpts(req *runRequest, sessionID string) (sandbox.LaunchOpts, error) {
	rc := req.rc
	opts := sandbox.LaunchOpts{
		Folder:          w.folder,
		ChatID:          rc.ChatID,
		IsMain:          rc.IsMain(),
		Image:           w.q.registry.ResolveImage(w.folder),
		Model:           w.q.registry.ResolveModel(w.folder),
		SessionID:       sessionID,
		ScheduledTaskID: req.scheduledTaskID,
		ContextMode:     req.contextMode,
		Prompt:          req.prompt,
		WorkspacePath:   w.q.registry.WorkspacePath(w.folder),
		StatePath:       w.q.registry.StatePath(w.folder),
		IPCPath:         w.q.registry.IPCPath(w.folder),
		SharedPath:      w.q.registry.SharedResourcePath(),
	}

	if def, ok := w.q.registry.ChatDefinition(w.folder); ok {
		if len(def.Env) > 0 {
			opts.Env = cloneEnv(def.Env)
		}
		if len(def.Secrets) > 0 {
			if err := w.mergeSecrets(&opts, def.Secrets); err != nil {
				return opts, err
			}
		}
		// Additional mounts beyond the core four are a main-folder-only
		// privilege (spec §4.5 "For the main folder only").
		if rc.IsMain() && len(def.ExtraMounts) > 0 {
			extra, err := resolveExtraMounts(def.ExtraMounts, w.q.policy.MountAllowlist)
			if err != nil {
				return opts, err
			}
			opts.ExtraMounts = extra
		}
	}

	ext, err := w.loadExtensions(w.folder)
	if err != nil {
		return opts, err
	}
	opts.Extensions = ext

	return opts, nil
}

func cloneEnv(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// mergeSecrets resolves each vault-backed secret name in names and adds it
// to opts.Env, failing the whole launch (not just the missing var) if any
// of them can't be resolved: a sandbox started without a secret it was
// configured to receive is a silent credential gap, not a degraded run.
func (w *folderWorker) mergeSecrets(opts *sandbox.LaunchOpts, names []string) error {
	if w.q.secrets == nil {
		return fmt.Errorf("chat declares secrets %v but no secret resolver is configured", names)
	}
	if opts.Env == nil {
		opts.Env = make(map[string]string, len(names))
	}
	for _, name := range names {
		val, err := w.q.secrets.Resolve(name)
		if err != nil {
			return fmt.Errorf("resolve secret %q: %w", name, err)
		}
		opts.Env[name] = val
	}
	return nil
}

// loadExtensions reads folder's extensions.json (if any), resolves its
// secret:name references through the same SecretResolver, and re-encodes it
// for LaunchOpts.Extensions (spec Extensions module). A folder with no
// extensions file declared returns "" so the sandbox skips extension
// loading entirely.
func (w *folderWorker) loadExtensions(folder string) (string, error) {
	raw, err := w.q.registry.GetExtensionsJSON(folder)
	if err != nil {
		return "", fmt.Errorf("read extensions: %w", err)
	}
	ext, err := extensions.Parse(raw)
	if err != nil {
		return "", err
	}
	if ext.IsEmpty() {
		return "", nil
	}
	if err := ext.Validate(); err != nil {
		return "", fmt.Errorf("invalid extensions for %s: %w", folder, err)
	}
	resolve := func(name string) (string, error) {
		return "", fmt.Errorf("secret %q referenced but no secret resolver is configured", name)
	}
	if w.q.secrets != nil {
		resolve = w.q.secrets.Resolve
	}
	if err := ext.ResolveSecretRefs(resolve); err != nil {
		return "", err
	}
	return ext.Encode()
}

// permanentError marks a failure that must not be retried: a policy
// denial, not a transient sandbox problem (spec §7 "policy denial ...
// never retried"). runWithRetry short-circuits straight to onPoison on
// this error, skipping the normal attempt budget.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type waitResult struct {
	res *sandbox.Result
	err error
}

// deliveryState records the first Send failure seen while streaming
// partial blocks out of a run, so attempt can fold a delivery failure into
// the same retry path as a sandbox crash (spec §4.7: "Final failure is
// reported as a failed delivery and prevents cursor advancement").
type deliveryState struct {
	mu  sync.Mutex
	err error
}

func (d *deliveryState) record(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

func (d *deliveryState) firstErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// attempt runs one sandbox launch to completion: acquire a global slot,
// launch, stream every framed block out as it arrives, pipe in whatever
// was held back from the initial batch, then babysit idle timeout and
// newly arrived messages until the sandbox exits.
func (w *folderWorker) attempt(ctx context.Context, req *runRequest) (*sandbox.Result, error) {
	if !w.q.acquire(ctx) {
		return nil, ctx.Err()
	}
	defer w.q.release()

	sessionID := w.resolveSessionID(req)
	opts, err := w.buildLaunchOpts(req, sessionID)
	if err != nil {
		return nil, &permanentError{err}
	}

	handle, err := w.q.launcher.Launch(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("launch sandbox: %w", err)
	}

	delivery := &deliveryState{}
	stop := make(chan struct{})
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		w.streamPartials(ctx, req.rc.ChatID, handle, stop, delivery)
	}()

	for _, group := range req.pendingPipe {
		if err := handle.PipeMessage(joinMessages(group)); err != nil {
			slog.Warn("pipe held-back batch group", "folder", w.folder, "error", err)
		}
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		res, err := handle.Wait(ctx)
		waitCh <- waitResult{res, err}
	}()

	idleTimeout := w.q.policy.IdleTimeout
	var idleTimer *time.Timer
	var idleC <-chan time.Time
	if idleTimeout > 0 {
		idleTimer = time.NewTimer(idleTimeout)
		idleC = idleTimer.C
		defer idleTimer.Stop()
	}

	cover := req.coverUpTo

	finish := func(res *sandbox.Result, err error) (*sandbox.Result, error) {
		close(stop)
		<-streamDone
		if err != nil {
			return nil, err
		}
		req.coverUpTo = cover
		return res, nil
	}

	for {
		select {
		case <-ctx.Done():
			handle.Kill(context.Background(), 5*time.Second)
			<-waitCh
			return finish(nil, ctx.Err())

		case wr := <-waitCh:
			if wr.err != nil {
				return finish(nil, fmt.Errorf("sandbox wait: %w", wr.err))
			}
			if wr.res.ExitCode != 0 {
				return finish(nil, fmt.Errorf("sandbox exited %d: %s", wr.res.ExitCode, wr.res.StderrTail))
			}
			if derr := delivery.firstErr(); derr != nil {
				return finish(nil, fmt.Errorf("delivery failed: %w", derr))
			}
			return finish(wr.res, nil)

		case <-idleC:
			if err := handle.CloseStdin(); err != nil {
				slog.Warn("close sandbox stdin on idle timeout", "folder", w.folder, "error", err)
			}
			idleC = nil

		case <-w.wake:
			// Let a burst of near-simultaneous arrivals settle before
			// fetching, so they land in one piped write instead of many
			// (spec §8 coalescing scenario: "exactly one pipe write
			// observed").
			select {
			case <-time.After(coalesceWindow):
			case <-ctx.Done():
				continue
			}
			more, newCover, ferr := w.drainNewMessages(req.rc.ChatID, cover)
			if ferr != nil {
				slog.Error("fetch newly arrived messages", "folder", w.folder, "error", ferr)
				continue
			}
			if len(more) == 0 {
				continue
			}
			if err := handle.PipeMessage(joinMessages(more)); err != nil {
				slog.Warn("pipe newly arrived message group", "folder", w.folder, "error", err)
				continue
			}
			cover = newCover
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(idleTimeout)
				idleC = idleTimer.C
			}
		}
	}
}

func (w *folderWorker) drainNewMessages(chatID string, cover *time.Time) ([]store.Message, *time.Time, error) {
	var since time.Time
	if cover != nil {
		since = *cover
	} else {
		s, err := w.cursorOrZero()
		if err != nil {
			return nil, cover, err
		}
		since = s
	}
	msgs, err := w.q.store.MessagesSince(chatID, since)
	if err != nil {
		return nil, cover, err
	}
	if len(msgs) == 0 {
		return nil, cover, nil
	}
	last := lastTimestamp(msgs)
	return msgs, &last, nil
}

func (w *folderWorker) streamPartials(ctx context.Context, chatID string, handle SandboxHandle, stop <-chan struct{}, delivery *deliveryState) {
	partial := handle.Partial()
	for {
		select {
		case b := <-partial:
			w.deliverBlock(ctx, chatID, b, delivery)
		case <-stop:
			// handle.Partial() is never closed by the sandbox package, so
			// range-over-channel would hang forever; drain whatever is
			// already buffered once more and return.
			for {
				select {
				case b := <-partial:
					w.deliverBlock(ctx, chatID, b, delivery)
				default:
					return
				}
			}
		}
	}
}

func (w *folderWorker) deliverBlock(ctx context.Context, chatID string, b sandbox.Block, delivery *deliveryState) {
	text := b.Error
	if b.Status == sandbox.StatusSuccess && b.Result != nil {
		text = *b.Result
	}
	if text == "" {
		return
	}
	if err := w.q.sender.Send(ctx, chatID, text); err != nil {
		delivery.record(err)
	}
}

func backoffDuration(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// runWithRetry drives attempt through up to policy.MaxAttempts tries (spec
// §4.3 step 7), backing off exponentially between failures, and dispatches
// to onSuccess or onPoison exactly once.
func (w *folderWorker) runWithRetry(ctx context.Context, req *runRequest) {
	maxAttempts := w.q.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	startedAt := time.Now()

	for n := 1; n <= maxAttempts; n++ {
		if ctx.Err() != nil {
			return
		}

		res, err := w.attempt(ctx, req)
		if err == nil {
			w.onSuccess(req, res, startedAt)
			return
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			w.onPoison(ctx, req, perm.err, n, startedAt)
			return
		}

		slog.Warn("sandbox run failed", "folder", w.folder, "attempt", n, "maxAttempts", maxAttempts, "error", err)
		if n == maxAttempts {
			w.onPoison(ctx, req, err, n, startedAt)
			return
		}

		select {
		case <-time.After(backoffDuration(n)):
		case <-ctx.Done():
			return
		}
	}
}

func (w *folderWorker) onSuccess(req *runRequest, res *sandbox.Result, startedAt time.Time) {
	if req.coverUpTo != nil {
		if err := w.q.store.AdvanceCursor(w.folder, *req.coverUpTo); err != nil {
			slog.Error("advance cursor", "folder", w.folder, "error", err)
		}
	}
	if req.contextMode != store.ContextModeIsolated && res.SessionID != "" {
		if err := w.q.store.SetSession(w.folder, res.SessionID); err != nil {
			slog.Error("persist session", "folder", w.folder, "error", err)
		}
	}
	if req.scheduledTaskID != "" {
		w.recordTaskRun(req.scheduledTaskID, startedAt, "success", res.Output)
	}
}

// onPoison implements spec §4.3 step 7's terminal case: the cursor still
// advances past the poisoned batch (so the folder isn't stuck retrying the
// same dead messages forever) and the user is told the assistant gave up.
func (w *folderWorker) onPoison(ctx context.Context, req *runRequest, cause error, attempts int, startedAt time.Time) {
	slog.Error("sandbox run exhausted retries, advancing past poisoned batch",
		"folder", w.folder, "attempts", attempts, "error", cause)

	if req.coverUpTo != nil {
		if err := w.q.store.AdvanceCursor(w.folder, *req.coverUpTo); err != nil {
			slog.Error("advance cursor past poisoned batch", "folder", w.folder, "error", err)
		}
	}

	msg := fmt.Sprintf("The assistant failed to respond after %d attempts.", attempts)
	if err := w.q.sender.Send(ctx, req.rc.ChatID, msg); err != nil {
		slog.Error("deliver poisoned-batch notice", "folder", w.folder, "error", err)
	}

	if req.scheduledTaskID != "" {
		w.recordTaskRun(req.scheduledTaskID, startedAt, "error", cause.Error())
	}
}

func (w *folderWorker) recordTaskRun(taskID string, startedAt time.Time, status, output string) {
	logEntry := &store.TaskRunLog{
		TaskID:     taskID,
		StartedAt:  startedAt,
		DurationMs: time.Since(startedAt).Milliseconds(),
		Status:     status,
		Output:     output,
	}
	if err := w.q.store.InsertTaskRunLog(logEntry); err != nil {
		slog.Error("insert task run log", "task", taskID, "error", err)
	}

	task, err := w.q.store.GetTask(taskID)
	if err != nil || task == nil {
		return
	}
	now := time.Now()
	next, err := schedule.NextRun(task.ScheduleType, task.ScheduleValue, now, w.q.loc)
	if err != nil {
		slog.Error("compute next run after task execution", "task", taskID, "error", err)
		return
	}
	if err := w.q.store.UpdateTaskRun(taskID, now, output, next); err != nil {
		slog.Error("update task run", "task", taskID, "error", err)
	}
}
