package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveMountAllowsPrefixedPath(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "projects")
	if err := os.MkdirAll(filepath.Join(allowed, "repo"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m, err := ResolveMount(filepath.Join(allowed, "repo"), "/workspace/extra", true, []string{allowed})
	if err != nil {
		t.Fatalf("resolve mount: %v", err)
	}
	if !m.ReadOnly || m.Target != "/workspace/extra" {
		t.Errorf("unexpected mount: %+v", m)
	}
}

func TestResolveMountRejectsOutsideAllowlist(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "projects")
	outside := filepath.Join(dir, "other")
	os.MkdirAll(allowed, 0o755)
	os.MkdirAll(outside, 0o755)

	_, err := ResolveMount(outside, "/workspace/extra", false, []string{allowed})
	if err == nil {
		t.Fatal("expected error for path outside allowlist")
	}
}

func TestResolveMountRejectsDenylistedFragmentEvenIfAllowlisted(t *testing.T) {
	dir := t.TempDir()
	sshDir := filepath.Join(dir, ".ssh")
	os.MkdirAll(sshDir, 0o700)

	_, err := ResolveMount(sshDir, "/workspace/extra", false, []string{dir})
	if err == nil {
		t.Fatal("expected denylist to override allowlist match")
	}
}

func TestResolveMountFollowsSymlinkBeforeValidating(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "allowed")
	forbidden := filepath.Join(dir, "forbidden")
	os.MkdirAll(allowed, 0o755)
	os.MkdirAll(forbidden, 0o755)

	link := filepath.Join(allowed, "escape")
	if err := os.Symlink(forbidden, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	_, err := ResolveMount(link, "/workspace/extra", false, []string{allowed})
	if err == nil {
		t.Fatal("expected symlink resolution to reveal the escape and be rejected")
	}
}

func TestBuildBindsFormatsReadOnlySuffix(t *testing.T) {
	binds := buildBinds(
		[]Mount{{Source: "/host/ws", Target: "/workspace", ReadOnly: false}},
		[]Mount{{Source: "/host/shared", Target: "/workspace/shared", ReadOnly: true}},
	)
	if len(binds) != 2 {
		t.Fatalf("expected 2 binds, got %d", len(binds))
	}
	if binds[0] != "/host/ws:/workspace" {
		t.Errorf("unexpected core bind: %s", binds[0])
	}
	if binds[1] != "/host/shared:/workspace/shared:ro" {
		t.Errorf("unexpected extra bind: %s", binds[1])
	}
}
