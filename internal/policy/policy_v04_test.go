package policy

import (
	"os"
	"path/filepath"
	"testing"
)

// TestAllowMount_AllowPathsRequired verifies a path outside AllowPaths is refused.
func TestAllowMount_AllowPathsRequired(t *testing.T) {
	tmpDir := t.TempDir()
	allowed := filepath.Join(tmpDir, "workspaces")
	if err := os.MkdirAll(allowed, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := Policy{AllowPaths: []string{allowed}}

	ok, _ := p.AllowMount(filepath.Join(allowed, "group-1"), true)
	if !ok {
		t.Error("expected path under allowed root to be allowed")
	}

	ok, _ = p.AllowMount(filepath.Join(tmpDir, "etc"), true)
	if ok {
		t.Error("expected path outside allowed roots to be refused")
	}
}

// TestAllowMount_BlockedPatterns verifies BlockedPatterns override AllowPaths.
func TestAllowMount_BlockedPatterns(t *testing.T) {
	tmpDir := t.TempDir()
	secret := filepath.Join(tmpDir, "secrets")
	if err := os.MkdirAll(secret, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := Policy{
		AllowPaths:      []string{tmpDir},
		BlockedPatterns: []string{`secrets`},
	}

	ok, _ := p.AllowMount(secret, true)
	if ok {
		t.Error("expected blocked pattern to refuse the mount despite AllowPaths")
	}

	ok, _ = p.AllowMount(filepath.Join(tmpDir, "data"), true)
	if !ok {
		t.Error("expected non-matching path to be allowed")
	}
}

// TestAllowMount_NonMainReadOnly verifies non-main groups get forced read-only mounts.
func TestAllowMount_NonMainReadOnly(t *testing.T) {
	tmpDir := t.TempDir()
	p := Policy{AllowPaths: []string{tmpDir}, NonMainReadOnly: true}

	ok, ro := p.AllowMount(tmpDir, true)
	if !ok || ro {
		t.Error("expected main group mount to be allowed and writable")
	}

	ok, ro = p.AllowMount(tmpDir, false)
	if !ok || !ro {
		t.Error("expected non-main group mount to be allowed but read-only")
	}
}

// TestAllowMount_EmptyAllowPaths verifies an empty AllowPaths list permits any path
// not matched by BlockedPatterns, consistent with AllowPath's backward-compat default.
func TestAllowMount_EmptyAllowPaths(t *testing.T) {
	tmpDir := t.TempDir()
	p := Policy{BlockedPatterns: []string{`forbidden`}}

	ok, _ := p.AllowMount(tmpDir, true)
	if !ok {
		t.Error("expected empty AllowPaths to permit mount")
	}

	ok, _ = p.AllowMount(filepath.Join(tmpDir, "forbidden"), true)
	if ok {
		t.Error("expected blocked pattern to still refuse the mount")
	}
}
