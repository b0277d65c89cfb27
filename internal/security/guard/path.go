// Package guard implements the per-call security guard described in spec
// §4.4: TOCTOU-safe path resolution pinned to a root directory, plus shell
// command danger analysis for tools whose schema designates a command
// field.
//
// Path resolution is grounded on Go 1.24's os.Root/OpenRoot (a directory
// file descriptor that every subsequent lookup is resolved relative to,
// closing the check-then-use race a pure string-normalization check
// leaves open). The shell analysis extends the teacher's
// internal/tools/security (AnalyzeCommandQuoteAware's quote-aware
// metacharacter scan) with a non-bypassable class of destructive-command
// patterns spec §4.4 calls out by name (rm -rf /, forkbombs).
package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ErrPathEscape is returned when an untrusted path cannot be proven to stay
// under the guard's root (or an allow-listed directory).
var ErrPathEscape = errors.New("guard: path escapes root")

// ErrDeniedPath is returned when a resolved path matches a denied glob
// pattern, or fails a tool's allowedPaths/deniedPaths limits.
var ErrDeniedPath = errors.New("guard: denied path")

// DefaultMaxSymlinkDepth is the default bound on symlink chain length
// during path resolution (spec §4.4).
const DefaultMaxSymlinkDepth = 10

// PathGuard resolves untrusted path strings against a pinned root,
// rejecting any resolution that would escape it.
type PathGuard struct {
	root            *os.Root
	rootPath        string
	maxSymlinkDepth int
	deniedGlobs     []string
	allowedDirs     []string // absolute directories, in addition to root, inputs may be rooted under
}

// Option configures a PathGuard at construction time.
type Option func(*PathGuard)

// WithMaxSymlinkDepth overrides DefaultMaxSymlinkDepth.
func WithMaxSymlinkDepth(n int) Option {
	return func(g *PathGuard) { g.maxSymlinkDepth = n }
}

// WithDeniedGlobs adds root-relative glob patterns that path resolution
// always rejects, regardless of tool-specific allow/deny lists.
func WithDeniedGlobs(globs ...string) Option {
	return func(g *PathGuard) { g.deniedGlobs = append(g.deniedGlobs, globs...) }
}

// WithAllowedDirs names additional absolute directories that absolute
// input paths may be rooted under without being rejected as PathEscape.
func WithAllowedDirs(dirs ...string) Option {
	return func(g *PathGuard) { g.allowedDirs = append(g.allowedDirs, dirs...) }
}

// New opens rootDir as a pinned directory descriptor and returns a
// PathGuard scoped to it.
func New(rootDir string, opts ...Option) (*PathGuard, error) {
	root, err := os.OpenRoot(rootDir)
	if err != nil {
		return nil, fmt.Errorf("guard: open root %q: %w", rootDir, err)
	}
	abs, err := filepathAbs(rootDir)
	if err != nil {
		root.Close()
		return nil, err
	}
	g := &PathGuard{
		root:            root,
		rootPath:        abs,
		maxSymlinkDepth: DefaultMaxSymlinkDepth,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Close releases the pinned root descriptor.
func (g *PathGuard) Close() error {
	return g.root.Close()
}

// ToolLimits are a tool's own path restrictions, layered on top of the
// guard's global denied globs.
type ToolLimits struct {
	AllowedPaths []string // globs; if non-empty, the resolved path must match one
	DeniedPaths  []string // globs
}

// Resolve validates and resolves untrusted, following spec §4.4's path
// resolution algorithm, and returns the resolved root-relative path. It
// does not open the file; every lookup it makes goes through the pinned
// root.
func (g *PathGuard) Resolve(untrusted string, limits ToolLimits) (string, error) {
	rel, err := g.normalize(untrusted)
	if err != nil {
		return "", err
	}

	resolved, err := g.walkSymlinks(rel)
	if err != nil {
		return "", err
	}

	for _, pattern := range g.deniedGlobs {
		if globMatch(pattern, resolved) {
			return "", fmt.Errorf("%w: matches denied pattern %q", ErrDeniedPath, pattern)
		}
	}
	for _, pattern := range limits.DeniedPaths {
		if globMatch(pattern, resolved) {
			return "", fmt.Errorf("%w: matches tool denied pattern %q", ErrDeniedPath, pattern)
		}
	}
	if len(limits.AllowedPaths) > 0 {
		ok := false
		for _, pattern := range limits.AllowedPaths {
			if globMatch(pattern, resolved) {
				ok = true
				break
			}
		}
		if !ok {
			return "", fmt.Errorf("%w: does not match any tool allowed pattern", ErrDeniedPath)
		}
	}

	return resolved, nil
}

// normalize rejects empty/NUL-containing paths and traversal that would
// escape root, and makes absolute inputs relative to root or an
// allow-listed directory.
func (g *PathGuard) normalize(untrusted string) (string, error) {
	if untrusted == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	if strings.ContainsRune(untrusted, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrPathEscape)
	}

	candidate := untrusted
	if path.IsAbs(untrusted) {
		if rel, ok := trimPrefixDir(untrusted, g.rootPath); ok {
			candidate = rel
		} else {
			matched := false
			for _, dir := range g.allowedDirs {
				if rel, ok := trimPrefixDir(untrusted, dir); ok {
					candidate = rel
					matched = true
					break
				}
			}
			if !matched {
				return "", fmt.Errorf("%w: absolute path %q not under root or an allowed directory", ErrPathEscape, untrusted)
			}
		}
	}

	cleaned := path.Clean(candidate)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q normalizes outside root", ErrPathEscape, untrusted)
	}
	return cleaned, nil
}

func trimPrefixDir(p, dir string) (string, bool) {
	dir = strings.TrimSuffix(dir, "/")
	if p == dir {
		return "", true
	}
	if strings.HasPrefix(p, dir+"/") {
		return strings.TrimPrefix(p, dir+"/"), true
	}
	return "", false
}

// walkSymlinks resolves rel component-by-component against the pinned
// root, following symlinks up to maxSymlinkDepth hops and re-validating
// that each hop stays under root. This is the TOCTOU-closing step: every
// lookup happens through g.root, a directory fd opened once at
// construction, rather than through fresh os.Stat/os.Open calls on
// textual paths that could be swapped between check and use.
func (g *PathGuard) walkSymlinks(rel string) (string, error) {
	if rel == "" || rel == "." {
		return ".", nil
	}

	components := strings.Split(rel, "/")
	var resolvedParts []string
	depth := 0

	for _, comp := range components {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." {
			return "", fmt.Errorf("%w: %q contains a component that escapes root", ErrPathEscape, rel)
		}
		resolvedParts = append(resolvedParts, comp)
		current := strings.Join(resolvedParts, "/")

		info, err := g.root.Lstat(current)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Component does not exist yet (e.g. a Write target) —
				// acceptable; nothing further to resolve under it.
				continue
			}
			return "", fmt.Errorf("guard: lstat %q: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}

		depth++
		if depth > g.maxSymlinkDepth {
			return "", fmt.Errorf("guard: symlink chain exceeds max depth %d at %q", g.maxSymlinkDepth, current)
		}
		// os.Root in this Go version exposes no root-relative Readlink, so
		// the link target is read via the plain os package against the
		// absolute path. Every resolved target is still re-normalized and
		// walked back through g.root's Lstat below, so a swap after this
		// read is caught on the next iteration rather than silently
		// followed; it narrows, but does not fully close, the symlink-read
		// TOCTOU window.
		target, err := os.Readlink(g.rootPath + "/" + current)
		if err != nil {
			return "", fmt.Errorf("guard: readlink %q: %w", current, err)
		}
		if path.IsAbs(target) {
			rebased, err := g.normalize(target)
			if err != nil {
				return "", err
			}
			target = rebased
		} else {
			parentParts := resolvedParts[:len(resolvedParts)-1]
			target = path.Join(strings.Join(parentParts, "/"), target)
		}
		if target == ".." || strings.HasPrefix(target, "../") {
			return "", fmt.Errorf("%w: symlink at %q escapes root", ErrPathEscape, current)
		}
		resolvedParts = splitNonEmpty(target)
	}

	if len(resolvedParts) == 0 {
		return ".", nil
	}
	return strings.Join(resolvedParts, "/"), nil
}

func splitNonEmpty(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" && s != "." {
			out = append(out, s)
		}
	}
	return out
}

// globMatch matches a root-relative path against a glob pattern using
// path.Match, falling back to a prefix match on the part before the first
// "**" for patterns containing it (path.Match has no recursive-wildcard
// support).
func globMatch(pattern, p string) bool {
	if strings.Contains(pattern, "**") {
		prefix := strings.SplitN(pattern, "**", 2)[0]
		return strings.HasPrefix(p, strings.TrimSuffix(prefix, "/"))
	}
	ok, err := path.Match(pattern, p)
	return err == nil && ok
}

func filepathAbs(p string) (string, error) {
	if path.IsAbs(p) {
		return path.Clean(p), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return path.Clean(wd + "/" + p), nil
}
