package hooks

import (
	"context"
	"regexp"
	"sort"
	"time"
)

// PipelineEvent is the fixed, blockable-or-advisory event set of spec §4.5:
// the agent-loop-internal events that can gate the loop itself.
type PipelineEvent string

const (
	PipelinePreToolUse         PipelineEvent = "PreToolUse"
	PipelinePostToolUse        PipelineEvent = "PostToolUse"
	PipelinePostToolUseFailure PipelineEvent = "PostToolUseFailure"
	PipelineUserPromptSubmit   PipelineEvent = "UserPromptSubmit"
	PipelineStop               PipelineEvent = "Stop"
	PipelineSubagentStart      PipelineEvent = "SubagentStart"
	PipelineSubagentStop       PipelineEvent = "SubagentStop"
	PipelinePreCompact         PipelineEvent = "PreCompact"
	PipelineSessionStart       PipelineEvent = "SessionStart"
	PipelineSessionEnd         PipelineEvent = "SessionEnd"
)

// blockableEvents is the subset of PipelineEvent that is fail-closed (spec
// §4.5); every other event is advisory (fail-open).
var blockableEvents = map[PipelineEvent]bool{
	PipelinePreToolUse:       true,
	PipelineUserPromptSubmit: true,
	PipelineSessionStart:     true,
	PipelinePreCompact:       true,
	PipelineSubagentStart:    true,
}

// Blockable reports whether e is in the blockable subset.
func (e PipelineEvent) Blockable() bool {
	return blockableEvents[e]
}

// PermissionDecision mirrors the permission package's Decision without
// importing it, so a hook output can express "allow/deny/ask" without this
// package depending on internal/permission.
type PermissionDecision string

const (
	PermissionDecisionNone  PermissionDecision = ""
	PermissionDecisionAllow PermissionDecision = "allow"
	PermissionDecisionDeny  PermissionDecision = "deny"
	PermissionDecisionAsk   PermissionDecision = "ask"
)

// PipelineInput is what a pipeline hook receives: the event, the current
// tool name (for PreToolUse/PostToolUse matching and payload), and the
// tool's input/output when applicable.
type PipelineInput struct {
	Event        PipelineEvent
	SessionID    string
	ToolName     string
	ToolInput    any
	ToolOutput   any
	ToolError    error
	UserPrompt   string
	ExtraContext map[string]any
}

// PipelineOutput is a hook's verdict, merged progressively across all
// hooks selected for an event per spec §4.5's merge rules.
type PipelineOutput struct {
	Continue           *bool
	StopReason         string
	SystemMessage      string
	UpdatedInput       any
	UserMessage        string
	PermissionDecision PermissionDecision
	SuppressOutput     bool
	AdditionalContext  string
	hasUpdatedInput    bool
}

// PipelineHook is one registered hook in the spec §4.5 pipeline.
type PipelineHook struct {
	ID       string
	Events   []PipelineEvent
	Priority int // higher runs first
	// ToolMatcher, if non-nil, restricts PreToolUse/PostToolUse dispatch to
	// tool names it matches; nil matches every tool.
	ToolMatcher *regexp.Regexp
	// Timeout overrides the manager's DefaultTimeout when positive.
	Timeout time.Duration
	Run     func(ctx context.Context, in PipelineInput) (PipelineOutput, error)
}

// handlesEvent reports whether h is registered for e.
func (h *PipelineHook) handlesEvent(e PipelineEvent) bool {
	for _, evt := range h.Events {
		if evt == e {
			return true
		}
	}
	return false
}

// Pipeline dispatches PipelineInput values to registered PipelineHooks in
// descending-priority order, merging their outputs per spec §4.5.
type Pipeline struct {
	hooks          []*PipelineHook
	DefaultTimeout time.Duration
	// OnTimeoutOrError decides the effective PipelineOutput when a hook
	// times out or returns an error. The spec's own source behavior is to
	// log-and-skip (fail-open) even for blockable events — see
	// DESIGN.md's decision for spec §9's first Open Question — so the
	// default implementation returns a no-op "continue" output; set this
	// to something stricter to fail closed on blockable events instead.
	OnTimeoutOrError func(h *PipelineHook, in PipelineInput, err error) PipelineOutput
}

// NewPipeline creates a Pipeline with the given default per-hook timeout.
func NewPipeline(defaultTimeout time.Duration) *Pipeline {
	return &Pipeline{DefaultTimeout: defaultTimeout}
}

// Register adds a hook to the pipeline.
func (p *Pipeline) Register(h *PipelineHook) {
	p.hooks = append(p.hooks, h)
}

func logAndSkip(h *PipelineHook, in PipelineInput, err error) PipelineOutput {
	cont := true
	return PipelineOutput{Continue: &cont}
}

// Dispatch runs every hook registered for in.Event, in descending-priority
// order (spec §4.5), merging outputs progressively and stopping early if
// the merged result's Continue becomes false.
func (p *Pipeline) Dispatch(ctx context.Context, in PipelineInput) PipelineOutput {
	selected := make([]*PipelineHook, 0, len(p.hooks))
	for _, h := range p.hooks {
		if !h.handlesEvent(in.Event) {
			continue
		}
		if (in.Event == PipelinePreToolUse || in.Event == PipelinePostToolUse) && h.ToolMatcher != nil {
			if !h.ToolMatcher.MatchString(in.ToolName) {
				continue
			}
		}
		selected = append(selected, h)
	}
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Priority > selected[j].Priority })

	onFail := p.OnTimeoutOrError
	if onFail == nil {
		onFail = logAndSkip
	}

	cont := true
	merged := PipelineOutput{Continue: &cont}

	for _, h := range selected {
		timeout := p.DefaultTimeout
		if h.Timeout > 0 {
			timeout = h.Timeout
		}

		out, err := runHookWithTimeout(ctx, h, in, timeout)
		if err != nil {
			out = onFail(h, in, err)
		}
		merged = mergeOutput(merged, out)

		if merged.Continue != nil && !*merged.Continue {
			break
		}
	}

	return merged
}

func runHookWithTimeout(ctx context.Context, h *PipelineHook, in PipelineInput, timeout time.Duration) (PipelineOutput, error) {
	if timeout <= 0 {
		return h.Run(ctx, in)
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out PipelineOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.Run(hctx, in)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-hctx.Done():
		return PipelineOutput{}, hctx.Err()
	}
}

// mergeOutput applies spec §4.5's merge rules: continue is logical AND;
// stopReason/systemMessage/updatedInput/userMessage/permissionDecision
// take the most recent non-"None" value; suppressOutput is logical OR;
// additionalContext is concatenated with a newline separator.
func mergeOutput(base, next PipelineOutput) PipelineOutput {
	merged := base

	if base.Continue == nil {
		merged.Continue = next.Continue
	} else if next.Continue != nil {
		v := *base.Continue && *next.Continue
		merged.Continue = &v
	}

	if next.StopReason != "" {
		merged.StopReason = next.StopReason
	}
	if next.SystemMessage != "" {
		merged.SystemMessage = next.SystemMessage
	}
	if next.hasUpdatedInput {
		merged.UpdatedInput = next.UpdatedInput
		merged.hasUpdatedInput = true
	}
	if next.UserMessage != "" {
		merged.UserMessage = next.UserMessage
	}
	if next.PermissionDecision != PermissionDecisionNone {
		merged.PermissionDecision = next.PermissionDecision
	}
	merged.SuppressOutput = base.SuppressOutput || next.SuppressOutput

	if next.AdditionalContext != "" {
		if merged.AdditionalContext == "" {
			merged.AdditionalContext = next.AdditionalContext
		} else {
			merged.AdditionalContext = merged.AdditionalContext + "\n" + next.AdditionalContext
		}
	}

	return merged
}

// WithUpdatedInput marks UpdatedInput as explicitly set, distinguishing
// "no opinion" (nil, untouched) from "replace the input with nil/zero"
// during merge.
func (o PipelineOutput) WithUpdatedInput(v any) PipelineOutput {
	o.UpdatedInput = v
	o.hasUpdatedInput = true
	return o
}
