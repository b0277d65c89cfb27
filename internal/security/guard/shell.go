package guard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus/internal/tools/security"
)

// DangerousCommand is a shell-command concern that can never be bypassed,
// even when the caller sets dangerouslyDisableSandbox=true (spec §4.4).
type DangerousCommand struct {
	Pattern     string
	Description string
}

// dangerousCommandPatterns are the non-bypassable forkbomb / mass-deletion
// patterns spec §4.4 names explicitly. Matched against the command with
// whitespace collapsed, case-insensitively.
var dangerousCommandPatterns = []struct {
	re          *regexp.Regexp
	description string
}{
	{regexp.MustCompile(`rm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+/($|\s)`), "recursive force-delete of the filesystem root"},
	{regexp.MustCompile(`rm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+(\*|~)($|\s)`), "recursive force-delete of the home directory or everything"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "shell forkbomb"},
	{regexp.MustCompile(`mkfs\.\w+\s+/dev/`), "filesystem format of a block device"},
	{regexp.MustCompile(`dd\s+.*of=/dev/(sd|nvme|hd)`), "raw write to a block device"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]`), "raw write to a block device"},
}

// CommandAnalysis is the result of ShellGuard.Analyze.
type CommandAnalysis struct {
	Safe             bool
	Shell            *security.ShellAnalysis // metacharacter concerns (chaining, pipes, redirects)
	DangerousMatches []DangerousCommand       // non-bypassable concerns
	PathArgs         []string                 // extracted path-like arguments
	Blocked          bool
	BlockReason      string
}

// ShellGuard analyzes a shell command field for the concerns spec §4.4
// requires: known dangerous command patterns, shell metacharacter risk
// (chaining/piping/redirecting), and path-like arguments that should be
// run back through a PathGuard.
type ShellGuard struct {
	paths *PathGuard
}

// NewShellGuard builds a ShellGuard that resolves any extracted path
// arguments through the given PathGuard.
func NewShellGuard(paths *PathGuard) *ShellGuard {
	return &ShellGuard{paths: paths}
}

// Analyze inspects cmd and decides whether it may run. bypassRequested
// reflects the caller's dangerouslyDisableSandbox flag; bypassAllowed
// reflects whether the active permission policy permits sandbox bypass at
// all (spec §4.4: "unless the request bears the dangerouslyDisableSandbox
// flag AND the policy permits sandbox bypass"). Dangerous-command matches
// are blocked regardless of either flag.
func (g *ShellGuard) Analyze(cmd string, bypassRequested, bypassAllowed bool, limits ToolLimits) CommandAnalysis {
	analysis := CommandAnalysis{Safe: true}

	for _, dp := range dangerousCommandPatterns {
		collapsed := strings.Join(strings.Fields(strings.ToLower(cmd)), " ")
		if dp.re.MatchString(collapsed) {
			analysis.DangerousMatches = append(analysis.DangerousMatches, DangerousCommand{
				Pattern:     dp.re.String(),
				Description: dp.description,
			})
		}
	}
	if len(analysis.DangerousMatches) > 0 {
		analysis.Safe = false
		analysis.Blocked = true
		analysis.BlockReason = fmt.Sprintf("dangerous command: %s", analysis.DangerousMatches[0].Description)
		return analysis
	}

	shellAnalysis := security.AnalyzeCommandQuoteAware(cmd)
	analysis.Shell = shellAnalysis
	if !shellAnalysis.IsSafe {
		analysis.Safe = false
	}

	bypassing := bypassRequested && bypassAllowed
	analysis.PathArgs = extractPathArgs(cmd)

	if !bypassing && g.paths != nil {
		for _, p := range analysis.PathArgs {
			if _, err := g.paths.Resolve(p, limits); err != nil {
				analysis.Blocked = true
				analysis.BlockReason = fmt.Sprintf("path argument %q rejected: %v", p, err)
				return analysis
			}
		}
	}

	return analysis
}

// extractPathArgs pulls plausible filesystem-path tokens out of a shell
// command: whitespace-separated words that look like a relative or
// absolute path (contain a "/" or start with "." or "~") and are not
// themselves shell operators.
func extractPathArgs(cmd string) []string {
	var out []string
	for _, tok := range strings.Fields(cmd) {
		tok = strings.Trim(tok, `"'`)
		if tok == "" {
			continue
		}
		if isShellOperator(tok) {
			continue
		}
		if strings.Contains(tok, "/") || strings.HasPrefix(tok, ".") || strings.HasPrefix(tok, "~") {
			out = append(out, tok)
		}
	}
	return out
}

func isShellOperator(tok string) bool {
	switch tok {
	case ";", "&&", "||", "|", ">", ">>", "<", "&":
		return true
	}
	return false
}

// ToolSchema describes which field of a tool's input carries a path (or a
// shell command) that the guard must validate, per spec §4.4's built-in
// schema table.
type ToolSchema struct {
	PathField    string // e.g. "file_path" or "path"
	CommandField string // e.g. "command", for shell-mode tools
}

// builtinToolSchemas is the guard's built-in table. Unknown tool names
// pass through with no path validation (spec §4.4: "assumed to do their
// own").
var builtinToolSchemas = map[string]ToolSchema{
	"Read":  {PathField: "file_path"},
	"Write": {PathField: "file_path"},
	"Edit":  {PathField: "file_path"},
	"Glob":  {PathField: "path"},
	"Grep":  {PathField: "path"},
	"Bash":  {CommandField: "command"},
}

// LookupToolSchema returns the built-in schema for name, if any.
func LookupToolSchema(name string) (ToolSchema, bool) {
	s, ok := builtinToolSchemas[name]
	return s, ok
}
