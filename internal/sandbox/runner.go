// Package sandbox launches the agent process in an isolated container,
// streams its stdin/stdout, and enforces the idle and hard-wall timeouts
// from spec §4.5. Grounded on the teacher's internal/container/manager.go
// for Docker wiring (client construction, network bootstrap, container
// lifecycle calls), reshaped from a long-lived NATS-attached container per
// agent into a single request/response process per run: stdin carries the
// prompt and follow-up messages, stdout carries framed JSON results, and
// the container exits once the sandbox has finalized.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

const (
	labelPrefix = "nanoclaw"
	networkName = "nanoclaw-net"
)

// State is the sandbox lifecycle state machine from spec §4.5.
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateExited   State = "exited"
	StateKilled   State = "killed"
)

type Runner struct {
	docker *client.Client
	policy config.PolicyConfig

	mu          sync.Mutex
	networkName string
}

func NewRunner(policy config.PolicyConfig) (*Runner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runner{docker: docker, policy: policy}, nil
}

// UpdatePolicy replaces the policy used for new sandbox launches, so a
// config hot-reload (spec §4.8) can change timeouts without a restart.
func (r *Runner) UpdatePolicy(policy config.PolicyConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// LaunchOpts carries everything the Group Queue has already resolved
// (mounts, model, image, prompt) before asking the runner to spawn a
// sandbox. The runner itself makes no folder/registry decisions.
type LaunchOpts struct {
	Folder          string
	ChatID          string
	IsMain          bool
	Image           string
	Model           string
	SessionID       string
	ScheduledTaskID string
	ContextMode     string
	Provider        string
	Extensions      string
	Prompt          string

	WorkspacePath string
	StatePath     string
	IPCPath       string
	SharedPath    string
	ExtraMounts   []Mount

	Env map[string]string
}

// envelope is the initial stdin payload (spec §6 "Sandbox stdin payload").
type envelope struct {
	Prompt          string `json:"prompt"`
	ChatID          string `json:"chatId"`
	WorkspaceFolder string `json:"workspaceFolder"`
	IsMain          bool   `json:"isMain"`
	SessionID       string `json:"sessionId,omitempty"`
	ScheduledTaskID string `json:"scheduledTaskId,omitempty"`
	ContextMode     string `json:"contextMode,omitempty"`
	Provider        string `json:"provider,omitempty"`
}

// pipedMessage is one line written to stdin after the initial envelope
// (spec §6 "Subsequent piped messages").
type pipedMessage struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Result is the outcome of a completed sandbox run.
type Result struct {
	Status     string
	Output     string
	SessionID  string
	ExitCode   int
	StderrTail string
}

func (r *Runner) ensureNetwork(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.networkName != "" {
		return nil
	}
	if _, err := r.docker.NetworkInspect(ctx, networkName, network.InspectOptions{}); err == nil {
		r.networkName = networkName
		return nil
	}
	if _, err := r.docker.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	r.networkName = networkName
	slog.Info("created sandbox network", "network", networkName)
	return nil
}

// Launch validates the requested mounts, creates and attaches to a
// container, writes the initial envelope, and returns a Handle in the
// running state. The caller owns calling Wait/PipeMessage/CloseStdin/Kill
// on the returned handle.
func (r *Runner) Launch(ctx context.Context, opts LaunchOpts) (*Handle, error) {
	if err := r.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	core := []Mount{
		{Source: opts.WorkspacePath, Target: "/workspace"},
		{Source: opts.StatePath, Target: "/state"},
		{Source: opts.IPCPath, Target: "/ipc"},
		{Source: opts.SharedPath, Target: "/workspace-shared", ReadOnly: true},
	}
	binds := buildBinds(core, opts.ExtraMounts)

	image := opts.Image
	if image == "" {
		image = r.policy.Image
	}

	name := fmt.Sprintf("nanoclaw-%s-%d", opts.Folder, time.Now().UnixNano())

	containerCfg := &dockercontainer.Config{
		Image:        image,
		Env:          buildEnv(opts, r.policy.SecretEnvAllowlist),
		Labels:       map[string]string{labelPrefix + ".managed": "true", labelPrefix + ".folder": opts.Folder},
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:       binds,
		NetworkMode: dockercontainer.NetworkMode(r.networkName),
	}

	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}

	attachResp, err := r.docker.ContainerAttach(ctx, resp.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = r.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("attach sandbox container: %w", err)
	}

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		attachResp.Close()
		_ = r.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	h := &Handle{
		runner:      r,
		containerID: resp.ID,
		state:       StateSpawning,
		conn:        attachResp.Conn,
		closer:      attachResp.Conn,
		partial:     make(chan Block, 8),
		done:        make(chan struct{}),
	}

	env := envelope{
		Prompt:          opts.Prompt,
		ChatID:          opts.ChatID,
		WorkspaceFolder: opts.Folder,
		IsMain:          opts.IsMain,
		SessionID:       opts.SessionID,
		ScheduledTaskID: opts.ScheduledTaskID,
		ContextMode:     opts.ContextMode,
		Provider:        opts.Provider,
	}
	if err := h.writeJSONLine(env); err != nil {
		h.killNow(context.Background())
		return nil, fmt.Errorf("write initial envelope: %w", err)
	}
	h.setState(StateRunning)

	go h.readLoop(attachResp.Reader)

	if r.policy.ContainerTimeout > 0 {
		h.hardTimer = time.AfterFunc(r.policy.ContainerTimeout, func() {
			slog.Warn("sandbox hard-wall timeout reached", "folder", opts.Folder, "container", shortID(h.containerID))
			h.killNow(context.Background())
		})
	}

	return h, nil
}

// CleanupStale removes any container this runner manages that is not
// tracked by an in-flight Handle, e.g. left behind by an unclean shutdown.
func (r *Runner) CleanupStale(ctx context.Context, liveContainerIDs map[string]bool) error {
	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		managed := c.Labels[labelPrefix+".managed"] == "true"
		if !managed || liveContainerIDs[c.ID] {
			continue
		}
		slog.Info("removing stale sandbox container", "container", shortID(c.ID))
		_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

func (r *Runner) tailLogs(ctx context.Context, containerID string) string {
	out, err := r.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "20"})
	if err != nil {
		return ""
	}
	defer out.Close()
	data, err := io.ReadAll(out)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Handle is a single in-flight sandbox run.
type Handle struct {
	runner      *Runner
	containerID string

	mu    sync.Mutex
	state State

	conn   io.Writer
	closer io.Closer

	partial  chan Block
	done     chan struct{}
	final    *Block
	scanErr  error

	hardTimer *time.Timer
}

func (h *Handle) writeJSONLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stdin line: %w", err)
	}
	data = append(data, '\n')
	_, err = h.conn.Write(data)
	return err
}

// PipeMessage writes a follow-up user message to the sandbox's stdin. The
// Group Queue only calls this while the sandbox is idle-waiting; it is the
// queue's job to coalesce bursts within the ~500ms window first (spec
// §4.3 step 5).
func (h *Handle) PipeMessage(text string) error {
	return h.writeJSONLine(pipedMessage{Kind: "user_message", Text: text})
}

// CloseStdin signals the sandbox to finalize: either the idle timeout
// elapsed or the Group Queue decided the batch is complete. The sandbox
// is expected to emit its final framed block and exit on its own.
func (h *Handle) CloseStdin() error {
	h.mu.Lock()
	if h.state == StateDraining || h.state == StateExited || h.state == StateKilled {
		h.mu.Unlock()
		return nil
	}
	h.state = StateDraining
	h.mu.Unlock()
	return h.closer.Close()
}

func (h *Handle) readLoop(r io.Reader) {
	final, err := ScanFrames(r, func(line string) {
		slog.Debug("sandbox output", "container", shortID(h.containerID), "line", line)
	}, func(b Block) {
		select {
		case h.partial <- b:
		default:
			slog.Warn("dropped framed block, partial channel full", "container", shortID(h.containerID))
		}
	})
	h.mu.Lock()
	h.final = final
	h.scanErr = err
	h.mu.Unlock()
	close(h.done)
}

// Partial returns the channel of intermediate framed blocks, to be
// streamed to the Outbound Splitter as they arrive (spec §4.3 step 5:
// "for each framed final block, dispatch to the Outbound Splitter").
func (h *Handle) Partial() <-chan Block {
	return h.partial
}

// Wait blocks until the container exits, then returns the final result.
// Per spec §4.5's robustness rule, a sandbox that exits without ever
// emitting a framed block is treated as an error carrying the exit code
// and a tail of its log output.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	waitCh, errCh := h.runner.docker.ContainerWait(ctx, h.containerID, dockercontainer.WaitConditionNotRunning)

	var exitCode int
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("container wait: %w", err)
		}
	case res := <-waitCh:
		exitCode = int(res.StatusCode)
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	final := h.final
	scanErr := h.scanErr
	h.state = StateExited
	h.mu.Unlock()
	if h.hardTimer != nil {
		h.hardTimer.Stop()
	}

	defer func() {
		_ = h.runner.docker.ContainerRemove(context.Background(), h.containerID, dockercontainer.RemoveOptions{Force: true})
	}()

	if final == nil {
		tail := h.runner.tailLogs(ctx, h.containerID)
		return nil, fmt.Errorf("sandbox exited without a framed result (exit code %d): %s", exitCode, tail)
	}
	if scanErr != nil {
		slog.Warn("frame scan ended with error", "container", shortID(h.containerID), "error", scanErr)
	}

	result := &Result{
		Status:    final.Status,
		SessionID: final.SessionID,
		ExitCode:  exitCode,
	}
	if final.Result != nil {
		result.Output = *final.Result
	}
	if final.Status == StatusError {
		result.Output = final.Error
	}
	return result, nil
}

// Kill force-terminates the sandbox: stop with a grace period, then
// force-remove. Used both for the hard-wall timeout and host shutdown
// (spec §4.5, §5 cancellation).
func (h *Handle) Kill(ctx context.Context, grace time.Duration) {
	h.mu.Lock()
	if h.state == StateKilled || h.state == StateExited {
		h.mu.Unlock()
		return
	}
	h.state = StateKilled
	h.mu.Unlock()
	if h.hardTimer != nil {
		h.hardTimer.Stop()
	}

	timeoutSec := int(grace.Seconds())
	_ = h.runner.docker.ContainerStop(ctx, h.containerID, dockercontainer.StopOptions{Timeout: &timeoutSec})
	_ = h.runner.docker.ContainerRemove(ctx, h.containerID, dockercontainer.RemoveOptions{Force: true})
}

func (h *Handle) killNow(ctx context.Context) {
	h.Kill(ctx, 5*time.Second)
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) ContainerID() string {
	return h.containerID
}
