package guard

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestGuard(t *testing.T) (*PathGuard, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "allowed.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	g, err := New(dir, WithDeniedGlobs("secrets/**"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g, dir
}

func TestResolveAllowsPathUnderRoot(t *testing.T) {
	g, _ := newTestGuard(t)
	resolved, err := g.Resolve("allowed.txt", ToolLimits{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != "allowed.txt" {
		t.Fatalf("resolved = %q, want allowed.txt", resolved)
	}
}

func TestResolveRejectsDotDotEscape(t *testing.T) {
	g, _ := newTestGuard(t)
	if _, err := g.Resolve("../../etc/passwd", ToolLimits{}); err == nil {
		t.Fatalf("expected PathEscape for ../../etc/passwd")
	}
}

func TestResolveRejectsEmptyAndNUL(t *testing.T) {
	g, _ := newTestGuard(t)
	if _, err := g.Resolve("", ToolLimits{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := g.Resolve("foo\x00bar", ToolLimits{}); err == nil {
		t.Fatalf("expected error for NUL-containing path")
	}
}

func TestResolveAbsolutePathUnderRoot(t *testing.T) {
	g, dir := newTestGuard(t)
	abs := filepath.Join(dir, "allowed.txt")
	resolved, err := g.Resolve(abs, ToolLimits{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != "allowed.txt" {
		t.Fatalf("resolved = %q, want allowed.txt", resolved)
	}
}

func TestResolveRejectsAbsolutePathOutsideRootAndAllowedDirs(t *testing.T) {
	g, _ := newTestGuard(t)
	if _, err := g.Resolve("/etc/passwd", ToolLimits{}); err == nil {
		t.Fatalf("expected PathEscape for /etc/passwd")
	}
}

func TestResolveDeniedGlob(t *testing.T) {
	g, _ := newTestGuard(t)
	if _, err := g.Resolve("secrets/api_key.txt", ToolLimits{}); err == nil {
		t.Fatalf("expected DeniedPath for secrets/**")
	}
}

func TestResolveToolAllowedPaths(t *testing.T) {
	g, _ := newTestGuard(t)
	limits := ToolLimits{AllowedPaths: []string{"public/*"}}
	if _, err := g.Resolve("allowed.txt", limits); err == nil {
		t.Fatalf("expected denial: allowed.txt does not match public/*")
	}
}

func TestResolveFollowsSymlinkWithinRoot(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	if err := os.WriteFile(target, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink("real.txt", link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}
	g, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	resolved, err := g.Resolve("link.txt", ToolLimits{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != "real.txt" {
		t.Fatalf("resolved = %q, want real.txt", resolved)
	}
}

func TestResolveRejectsSymlinkEscapingRoot(t *testing.T) {
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s3cr3t"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	dir := t.TempDir()
	link := filepath.Join(dir, "escape.txt")
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}
	g, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	if _, err := g.Resolve("escape.txt", ToolLimits{}); err == nil {
		t.Fatalf("expected PathEscape for symlink pointing outside root")
	}
}

// TestBashCatEtcPasswdDenied exercises spec §8's S4 scenario: a Bash call
// whose command references a path outside the sandbox root must be denied,
// even though the command itself has no dangerous shell metacharacters.
func TestBashCatEtcPasswdDenied(t *testing.T) {
	g, _ := newTestGuard(t)
	sg := NewShellGuard(g)

	analysis := sg.Analyze("cat /etc/passwd", false, false, ToolLimits{})
	if !analysis.Blocked {
		t.Fatalf("expected cat /etc/passwd to be blocked by path resolution")
	}
}

func TestShellGuardDangerousCommandNeverBypassable(t *testing.T) {
	g, _ := newTestGuard(t)
	sg := NewShellGuard(g)

	analysis := sg.Analyze("rm -rf /", true, true, ToolLimits{})
	if !analysis.Blocked {
		t.Fatalf("rm -rf / must be blocked even with bypass requested and allowed")
	}
}

func TestShellGuardForkbombNeverBypassable(t *testing.T) {
	g, _ := newTestGuard(t)
	sg := NewShellGuard(g)

	analysis := sg.Analyze(":(){ :|:& };:", true, true, ToolLimits{})
	if !analysis.Blocked {
		t.Fatalf("forkbomb must be blocked even with bypass")
	}
}

func TestShellGuardBypassAllowsPathEscapeWhenPolicyPermits(t *testing.T) {
	g, _ := newTestGuard(t)
	sg := NewShellGuard(g)

	analysis := sg.Analyze("cat /etc/passwd", true, true, ToolLimits{})
	if analysis.Blocked {
		t.Fatalf("expected bypass to allow the path check to be skipped")
	}
}

func TestShellGuardBypassRequestedButPolicyDeniesStillBlocks(t *testing.T) {
	g, _ := newTestGuard(t)
	sg := NewShellGuard(g)

	analysis := sg.Analyze("cat /etc/passwd", true, false, ToolLimits{})
	if !analysis.Blocked {
		t.Fatalf("policy did not permit bypass, expected path check to still run")
	}
}

func TestShellGuardFlagsMetacharacterChaining(t *testing.T) {
	g, _ := newTestGuard(t)
	sg := NewShellGuard(g)

	analysis := sg.Analyze("ls allowed.txt && echo done", false, false, ToolLimits{})
	if analysis.Safe {
		t.Fatalf("expected command chaining to be flagged unsafe")
	}
}

func TestLookupToolSchema(t *testing.T) {
	if s, ok := LookupToolSchema("Bash"); !ok || s.CommandField != "command" {
		t.Fatalf("Bash schema = %+v, ok=%v", s, ok)
	}
	if s, ok := LookupToolSchema("Read"); !ok || s.PathField != "file_path" {
		t.Fatalf("Read schema = %+v, ok=%v", s, ok)
	}
	if _, ok := LookupToolSchema("SomeMCPTool"); ok {
		t.Fatalf("expected unknown tool to have no schema")
	}
}
