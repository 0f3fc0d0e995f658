package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	basePath := filepath.Join(dir, "groups")

	chats := map[string]config.ChatDefinition{
		"crew": {
			Workspace: "crew",
		},
		"research": {
			Model:     "claude-opus-4-6",
			Workspace: "research",
		},
	}

	policy := config.PolicyConfig{
		Image: "nanoclaw-sandbox:latest",
		Model: "claude-sonnet-4-5-20250929",
	}

	reg := New(s, chats, policy, basePath)
	return reg, s
}

func TestEnsureMainFolderCreatesDirectories(t *testing.T) {
	reg, s := newTestRegistry(t)

	if err := reg.EnsureMainFolder("chat-1"); err != nil {
		t.Fatalf("ensure main folder: %v", err)
	}

	got, err := s.GetRegisteredChatByFolder(store.MainFolder)
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if got == nil || got.ChatID != "chat-1" {
		t.Fatalf("expected main folder registered to chat-1, got %+v", got)
	}

	if _, err := os.Stat(reg.WorkspacePath(store.MainFolder)); err != nil {
		t.Errorf("expected workspace dir to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(reg.WorkspacePath(store.MainFolder), "MEMORY.md")); err != nil {
		t.Errorf("expected MEMORY.md seeded: %v", err)
	}
}

func TestEnsureMainFolderIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.EnsureMainFolder("chat-1"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := reg.EnsureMainFolder("chat-2"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	main, err := reg.Get(store.MainFolder)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if main.ChatID != "chat-1" {
		t.Errorf("expected main folder to stay bound to first chat id, got %s", main.ChatID)
	}
}

func TestResolveModel(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if m := reg.ResolveModel("research"); m != "claude-opus-4-6" {
		t.Errorf("expected research model 'claude-opus-4-6', got %q", m)
	}
	if m := reg.ResolveModel("crew"); m != "claude-sonnet-4-5-20250929" {
		t.Errorf("expected crew model to fall back to policy default, got %q", m)
	}
}

func TestResolveImage(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if img := reg.ResolveImage("crew"); img != "nanoclaw-sandbox:latest" {
		t.Errorf("expected image 'nanoclaw-sandbox:latest', got %q", img)
	}
}

func TestSharedResourceDir(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.EnsureSharedResourceDir(); err != nil {
		t.Fatalf("ensure shared dir: %v", err)
	}

	content, err := reg.GetSharedMemory()
	if err != nil {
		t.Fatalf("get shared memory: %v", err)
	}
	if content == "" {
		t.Fatal("expected shared MEMORY.md to be seeded")
	}
}

func TestFolderMemoryNotExistBeforeEnsure(t *testing.T) {
	reg, _ := newTestRegistry(t)

	content, err := reg.GetFolderMemory("crew")
	if err != nil {
		t.Fatalf("get folder memory: %v", err)
	}
	if content != "" {
		t.Errorf("expected empty content before directories are ensured, got %q", content)
	}
}
