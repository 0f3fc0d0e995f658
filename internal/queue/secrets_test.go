package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeSecretResolver struct {
	values map[string]string
}

func (f *fakeSecretResolver) Resolve(name string) (string, error) {
	v, ok := f.values[name]
	if !ok {
		return "", errSecretNotFound(name)
	}
	return v, nil
}

type errSecretNotFound string

func (e errSecretNotFound) Error() string { return "secret not found: " + string(e) }

func setupQueueWithChats(t *testing.T, policy config.PolicyConfig, chats map[string]config.ChatDefinition) (*Queue, *store.Store, *registry.Registry, *fakeLauncher, *fakeQueueSender) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, chats, policy, filepath.Join(dir, "groups"))

	launcher := &fakeLauncher{}
	sender := &fakeQueueSender{}
	q := New(s, reg, launcher, sender, policy, time.UTC)
	return q, s, reg, launcher, sender
}

func TestBuildLaunchOptsFailsWhenSecretsDeclaredWithoutResolver(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	chats := map[string]config.ChatDefinition{
		"crew": {Secrets: []string{"GITHUB_TOKEN"}},
	}
	q, s, reg, launcher, sender := setupQueueWithChats(t, policy, chats)
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", time.Now())

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, 2*time.Second, func() bool {
		return sender.count() > 0
	})
	if launcher.launchCount() != 0 {
		t.Fatalf("expected the missing secret to fail before launch, got %d launches", launcher.launchCount())
	}
}

func TestBuildLaunchOptsResolvesDeclaredSecretsIntoEnv(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	chats := map[string]config.ChatDefinition{
		"crew": {Secrets: []string{"GITHUB_TOKEN"}},
	}
	q, s, reg, launcher, sender := setupQueueWithChats(t, policy, chats)
	q.SetSecretResolver(&fakeSecretResolver{values: map[string]string{"GITHUB_TOKEN": "ghp_xyz"}})
	registerFolder(t, s, reg, "crew", "chat-crew", false)

	launcher.handles = append(launcher.handles, newImmediateHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("ok")}, 0))

	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", time.Now())

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, 2*time.Second, func() bool { return launcher.launchCount() == 1 })
	_ = sender

	opts := launcher.capturedOpts()
	if got := opts.Env["GITHUB_TOKEN"]; got != "ghp_xyz" {
		t.Fatalf("expected resolved secret in env, got %q", got)
	}
}

func TestBuildLaunchOptsLoadsExtensionsFromStateDir(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	q, s, reg, launcher, sender := setupQueueWithChats(t, policy, map[string]config.ChatDefinition{})
	registerFolder(t, s, reg, "crew", "chat-crew", false)
	_ = sender

	extJSON := `{"mcp_servers":{"fs":{"type":"stdio","command":"mcp-fs","args":[]}}}`
	if err := os.WriteFile(filepath.Join(reg.StatePath("crew"), "extensions.json"), []byte(extJSON), 0o644); err != nil {
		t.Fatalf("write extensions.json: %v", err)
	}

	launcher.handles = append(launcher.handles, newImmediateHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("ok")}, 0))

	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", time.Now())

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, 2*time.Second, func() bool { return launcher.launchCount() == 1 })

	opts := launcher.capturedOpts()
	if opts.Extensions == "" {
		t.Fatalf("expected resolved extensions JSON to reach launch opts, got empty string")
	}
}

func TestBuildLaunchOptsLeavesExtensionsEmptyWhenNoFile(t *testing.T) {
	policy := config.PolicyConfig{MaxConcurrentSandboxes: 1, MaxAttempts: 1}
	q, s, reg, launcher, sender := setupQueueWithChats(t, policy, map[string]config.ChatDefinition{})
	registerFolder(t, s, reg, "crew", "chat-crew", false)
	_ = sender

	launcher.handles = append(launcher.handles, newImmediateHandle(sandbox.Block{Status: sandbox.StatusSuccess, Result: strPtr("ok")}, 0))

	insertMessage(t, s, "chat-crew", "m1", "alice", "hello", time.Now())

	q.Start(context.Background())
	q.Signal("crew")

	waitFor(t, 2*time.Second, func() bool { return launcher.launchCount() == 1 })

	opts := launcher.capturedOpts()
	if opts.Extensions != "" {
		t.Fatalf("expected no extensions for a folder with no extensions.json, got %q", opts.Extensions)
	}
}
