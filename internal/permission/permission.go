// Package permission implements the mode-plus-rule permission evaluator of
// spec §4.4: a session mode (default/acceptEdits/plan/bypass) combined with
// prioritized allow/deny/ask regex rules over tool name and input.
//
// Grounded on the teacher's internal/tools/policy (Profile/Policy combining
// named profiles with allow/deny tool lists, ByProvider scoping) but
// generalized from tool-name allow/deny lists into the regex-rule,
// priority-ordered evaluation spec §4.4 requires, with four explicit modes
// instead of profile-name defaults.
package permission

import (
	"fmt"
	"regexp"
	"sort"
)

// Mode is the session-wide permission mode.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeAcceptEdits Mode = "acceptEdits"
	ModePlan        Mode = "plan"
	ModeBypass      Mode = "bypass"
)

// Decision is the outcome of evaluating a tool call against a Policy.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// readOnlyTools is the fixed set spec §4.4's plan-mode default allows.
var readOnlyTools = map[string]bool{
	"Read": true, "Glob": true, "Grep": true, "WebSearch": true, "WebFetch": true,
}

// fileTouchingTools is the fixed set spec §4.4's acceptEdits-mode default
// allows, in addition to the read-only set.
var fileTouchingTools = map[string]bool{
	"Write": true, "Edit": true,
}

// Rule is one allow/deny/ask regex rule, matched against the tool name and
// (optionally) a canonicalized form of its input.
type Rule struct {
	// ToolPattern matches against the tool name. Empty matches every tool.
	ToolPattern string
	// InputPattern, if non-empty, must also match a caller-supplied
	// canonicalization of the tool's input (e.g. the file_path argument)
	// for this rule to apply.
	InputPattern string
	Priority     int

	toolRe  *regexp.Regexp
	inputRe *regexp.Regexp
}

// compile lazily builds the rule's regexps. Called by Policy.Compile.
func (r *Rule) compile() error {
	if r.ToolPattern == "" {
		r.toolRe = nil
	} else {
		re, err := regexp.Compile(r.ToolPattern)
		if err != nil {
			return fmt.Errorf("permission: invalid tool pattern %q: %w", r.ToolPattern, err)
		}
		r.toolRe = re
	}
	if r.InputPattern != "" {
		re, err := regexp.Compile(r.InputPattern)
		if err != nil {
			return fmt.Errorf("permission: invalid input pattern %q: %w", r.InputPattern, err)
		}
		r.inputRe = re
	}
	return nil
}

func (r *Rule) matches(toolName, canonicalInput string) bool {
	if r.toolRe != nil && !r.toolRe.MatchString(toolName) {
		return false
	}
	if r.inputRe != nil && !r.inputRe.MatchString(canonicalInput) {
		return false
	}
	return true
}

// Policy is a compiled, ready-to-evaluate permission configuration.
type Policy struct {
	Mode  Mode
	Allow []Rule
	Deny  []Rule
	Ask   []Rule
}

// Compile sorts each rule list by descending priority and compiles its
// regexps, returning an error on first invalid pattern. Call once after
// constructing a Policy and before Evaluate.
func (p *Policy) Compile() error {
	for _, rules := range [][]Rule{p.Allow, p.Deny, p.Ask} {
		for i := range rules {
			if err := rules[i].compile(); err != nil {
				return err
			}
		}
	}
	sortByPriorityDesc(p.Allow)
	sortByPriorityDesc(p.Deny)
	sortByPriorityDesc(p.Ask)
	return nil
}

func sortByPriorityDesc(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
}

// Result is the outcome of Evaluate, naming both the decision and which
// stage produced it (useful for audit logging and test assertions).
type Result struct {
	Decision Decision
	Reason   string
}

// Evaluate applies the evaluation order of spec §4.4:
//  1. bypass mode allows unconditionally.
//  2. Deny rules (descending priority); first match wins.
//  3. Allow rules (descending priority); first match wins.
//  4. Ask rules; first match wins.
//  5. Mode default: plan allows the read-only tool set and denies
//     everything else; acceptEdits allows read-only + file-touching tools
//     and denies everything else; default denies.
func (p *Policy) Evaluate(toolName, canonicalInput string) Result {
	if p.Mode == ModeBypass {
		return Result{Decision: DecisionAllow, Reason: "mode=bypass"}
	}
	for _, r := range p.Deny {
		if r.matches(toolName, canonicalInput) {
			return Result{Decision: DecisionDeny, Reason: "deny rule"}
		}
	}
	for _, r := range p.Allow {
		if r.matches(toolName, canonicalInput) {
			return Result{Decision: DecisionAllow, Reason: "allow rule"}
		}
	}
	for _, r := range p.Ask {
		if r.matches(toolName, canonicalInput) {
			return Result{Decision: DecisionAsk, Reason: "ask rule"}
		}
	}

	switch p.Mode {
	case ModePlan:
		if readOnlyTools[toolName] {
			return Result{Decision: DecisionAllow, Reason: "mode=plan default (read-only)"}
		}
		return Result{Decision: DecisionDeny, Reason: "mode=plan default (deny)"}
	case ModeAcceptEdits:
		if readOnlyTools[toolName] || fileTouchingTools[toolName] {
			return Result{Decision: DecisionAllow, Reason: "mode=acceptEdits default (allow)"}
		}
		return Result{Decision: DecisionDeny, Reason: "mode=acceptEdits default (deny)"}
	default:
		return Result{Decision: DecisionDeny, Reason: "mode=default (deny)"}
	}
}
