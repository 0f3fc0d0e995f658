package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Mount describes one bind mount passed to a sandbox container. Grounded on
// the teacher's internal/container/mounts.go Mount/buildMounts shape, but
// rebuilt around a resolve-then-validate step instead of direct string
// concatenation, since the spec requires every mount to clear an allowlist
// and denylist before it can appear in a container config (spec §4.5).
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) bind() string {
	if m.ReadOnly {
		return fmt.Sprintf("%s:%s:ro", m.Source, m.Target)
	}
	return fmt.Sprintf("%s:%s", m.Source, m.Target)
}

// defaultDenylist overrides the allowlist unconditionally: even an
// operator-configured allowlist entry covering one of these fragments is
// rejected (spec §4.5 "A denylist of path fragments ... overrides the
// allowlist").
var defaultDenylist = []string{
	".ssh",
	".aws/credentials",
	".netrc",
	"id_rsa",
	"id_ed25519",
}

// ErrMountDenied is returned when a requested mount fails the allowlist or
// denylist check. It is a permanent (non-retriable) sandbox failure (spec
// §4.5 / §7 policy denial).
type ErrMountDenied struct {
	Source string
	Reason string
}

func (e *ErrMountDenied) Error() string {
	return fmt.Sprintf("mount %s denied: %s", e.Source, e.Reason)
}

// ResolveMount validates a requested host path against the mount
// allowlist and denylist, resolving symlinks first so a symlink cannot be
// used to escape the allowlist (spec §4.5: "Symlinks are resolved;
// resolved paths must still pass.").
func ResolveMount(source, target string, readOnly bool, allowlist []string) (Mount, error) {
	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		resolved = filepath.Clean(source)
	}

	for _, frag := range defaultDenylist {
		if strings.Contains(resolved, frag) {
			return Mount{}, &ErrMountDenied{Source: source, Reason: fmt.Sprintf("matches denylisted fragment %q", frag)}
		}
	}

	if !isAllowed(resolved, allowlist) {
		return Mount{}, &ErrMountDenied{Source: source, Reason: "not under any mount_allowlist entry"}
	}

	return Mount{Source: resolved, Target: target, ReadOnly: readOnly}, nil
}

func isAllowed(resolved string, allowlist []string) bool {
	for _, entry := range allowlist {
		allowedRoot, err := filepath.EvalSymlinks(entry)
		if err != nil {
			allowedRoot = filepath.Clean(entry)
		}
		if resolved == allowedRoot || strings.HasPrefix(resolved, allowedRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// buildBinds assembles the core per-folder mounts (spec §4.5 mount
// construction) and appends any extra, already-validated mounts. Extra
// mounts are only accepted by the caller for the main folder.
func buildBinds(core []Mount, extra []Mount) []string {
	binds := make([]string, 0, len(core)+len(extra))
	for _, m := range core {
		binds = append(binds, m.bind())
	}
	for _, m := range extra {
		binds = append(binds, m.bind())
	}
	return binds
}
