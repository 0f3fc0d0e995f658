// Package registry manages the on-disk layout for each registered chat's
// folder (spec §4.5 mount construction) and resolves per-chat overrides
// (image, model) against policy defaults. Grounded on the teacher's
// internal/groups/manager.go (directory bootstrap) merged with
// internal/registry/registry.go (model/image resolution) — the spec has no
// per-"agent" concept, so the two teacher packages collapse into one here.
package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

const (
	workspaceDirName   = "workspace"
	stateDirName       = "state"
	ipcDirName         = "ipc"
	sharedDirName      = "shared"
	memoryFileName     = "MEMORY.md"
	extensionsFileName = "extensions.json"
)

type Registry struct {
	store    *store.Store
	chats    map[string]config.ChatDefinition
	policy   config.PolicyConfig
	basePath string
}

func New(s *store.Store, chats map[string]config.ChatDefinition, policy config.PolicyConfig, basePath string) *Registry {
	return &Registry{store: s, chats: chats, policy: policy, basePath: basePath}
}

// EnsureMainFolder registers the main folder if it isn't already present
// and bootstraps its directories, so the host always has a privileged
// workspace to route IPC-authorized operations through.
func (r *Registry) EnsureMainFolder(chatID string) error {
	existing, err := r.store.GetRegisteredChatByFolder(store.MainFolder)
	if err != nil {
		return fmt.Errorf("check main folder: %w", err)
	}
	if existing != nil {
		return r.EnsureFolderDirectories(store.MainFolder)
	}

	if err := r.store.SaveRegisteredChat(&store.RegisteredChat{
		ChatID:          chatID,
		DisplayName:     "Main",
		Folder:          store.MainFolder,
		TriggerPhrase:   r.policy.AssistantName,
		RequiresTrigger: false,
	}); err != nil {
		return fmt.Errorf("register main folder: %w", err)
	}

	return r.EnsureFolderDirectories(store.MainFolder)
}

// Get returns the registered chat backing folder, or nil if none exists.
func (r *Registry) Get(folder string) (*store.RegisteredChat, error) {
	return r.store.GetRegisteredChatByFolder(folder)
}

func (r *Registry) List() ([]store.RegisteredChat, error) {
	return r.store.ListRegisteredChats()
}

// ChatDefinition returns the static config-file override block for folder,
// if one was declared.
func (r *Registry) ChatDefinition(folder string) (config.ChatDefinition, bool) {
	def, ok := r.chats[folder]
	return def, ok
}

func (r *Registry) ResolveModel(folder string) string {
	if def, ok := r.chats[folder]; ok && def.Model != "" {
		return def.Model
	}
	return r.policy.Model
}

func (r *Registry) ResolveImage(folder string) string {
	if def, ok := r.chats[folder]; ok && def.Image != "" {
		return def.Image
	}
	return r.policy.Image
}

func (r *Registry) WorkspacePath(folder string) string {
	return filepath.Join(r.basePath, folder, workspaceDirName)
}

func (r *Registry) StatePath(folder string) string {
	return filepath.Join(r.basePath, folder, stateDirName)
}

func (r *Registry) IPCPath(folder string) string {
	return filepath.Join(r.basePath, folder, ipcDirName)
}

func (r *Registry) SharedResourcePath() string {
	return filepath.Join(r.basePath, sharedDirName)
}

// EnsureFolderDirectories creates the per-folder workspace, state, and IPC
// directories (spec §4.5 mount construction) and seeds a MEMORY.md the
// sandbox can read/append for durable per-chat context.
func (r *Registry) EnsureFolderDirectories(folder string) error {
	for _, dir := range []string{r.WorkspacePath(folder), r.StatePath(folder), r.IPCPath(folder)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create folder dir %s: %w", dir, err)
		}
	}

	memoryPath := filepath.Join(r.WorkspacePath(folder), memoryFileName)
	if _, err := os.Stat(memoryPath); os.IsNotExist(err) {
		if err := os.WriteFile(memoryPath, []byte("# Memory\n\nThis file stores context for this chat.\n"), 0o644); err != nil {
			return fmt.Errorf("create memory file: %w", err)
		}
	}
	return nil
}

// EnsureSharedResourceDir creates the read-only shared resource directory
// (static skills, shared prompts) mounted into every sandbox.
func (r *Registry) EnsureSharedResourceDir() error {
	dir := r.SharedResourcePath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shared resource dir: %w", err)
	}

	memoryPath := filepath.Join(dir, memoryFileName)
	if _, err := os.Stat(memoryPath); os.IsNotExist(err) {
		content := "# Shared Instructions\n\nThis file is loaded by every chat's sandbox.\n"
		if err := os.WriteFile(memoryPath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("create shared memory file: %w", err)
		}
	}
	return nil
}

func (r *Registry) GetFolderMemory(folder string) (string, error) {
	return readFileOrEmpty(filepath.Join(r.WorkspacePath(folder), memoryFileName))
}

func (r *Registry) GetSharedMemory() (string, error) {
	return readFileOrEmpty(filepath.Join(r.SharedResourcePath(), memoryFileName))
}

// ExtensionsPath is the per-folder declaration file the extensions package
// parses into a ChatExtensions (MCP servers, plugin marketplaces, skills).
// It lives in the folder's state directory rather than the workspace. The
// state directory is itself bind-mounted read-write at /state, so the
// sandbox can read and rewrite this file.
func (r *Registry) ExtensionsPath(folder string) string {
	return filepath.Join(r.StatePath(folder), extensionsFileName)
}

func (r *Registry) GetExtensionsJSON(folder string) (string, error) {
	return readFileOrEmpty(r.ExtensionsPath(folder))
}

func readFileOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
