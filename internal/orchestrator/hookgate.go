package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/hooks"
)

// HookGate adapts hooks.Pipeline's generic Dispatch into the specific
// fire-points the inner loop needs (spec §4.1 steps 1, 3, 7; §4.1.1;
// §4.7's PreCompact/CompactCompleted). A nil *HookGate is a valid no-op
// gate: every Fire* call behaves as if no hooks are registered.
type HookGate struct {
	pipeline *hooks.Pipeline
}

// NewHookGate wraps pipeline.
func NewHookGate(pipeline *hooks.Pipeline) *HookGate {
	return &HookGate{pipeline: pipeline}
}

func (g *HookGate) dispatch(ctx context.Context, in hooks.PipelineInput) hooks.PipelineOutput {
	if g == nil || g.pipeline == nil {
		cont := true
		return hooks.PipelineOutput{Continue: &cont}
	}
	return g.pipeline.Dispatch(ctx, in)
}

func continues(out hooks.PipelineOutput) bool {
	return out.Continue == nil || *out.Continue
}

// FireSessionStart fires SessionStart (advisory; fail-open per spec §4.1
// step 1 and the blockable-event policy documented in internal/hooks).
func (g *HookGate) FireSessionStart(ctx context.Context, sessionID string) {
	g.dispatch(ctx, hooks.PipelineInput{Event: hooks.PipelineSessionStart, SessionID: sessionID})
}

// FireSessionEnd fires SessionEnd (advisory).
func (g *HookGate) FireSessionEnd(ctx context.Context, sessionID string) {
	g.dispatch(ctx, hooks.PipelineInput{Event: hooks.PipelineSessionEnd, SessionID: sessionID})
}

// FireStop fires Stop (advisory).
func (g *HookGate) FireStop(ctx context.Context, sessionID string) {
	g.dispatch(ctx, hooks.PipelineInput{Event: hooks.PipelineStop, SessionID: sessionID})
}

// UserPromptResult is the outcome of FireUserPromptSubmit.
type UserPromptResult struct {
	Allowed bool
	Reason  string
	Prompt  string // the hook-rewritten prompt, if any hook supplied one
}

// FireUserPromptSubmit fires UserPromptSubmit (blockable, spec §4.1 step
// 3). If a hook supplies UserMessage, that text replaces the prompt going
// forward (the hook-rewritten prompt of step 4); SystemMessage is not used
// here.
func (g *HookGate) FireUserPromptSubmit(ctx context.Context, sessionID, prompt string) UserPromptResult {
	out := g.dispatch(ctx, hooks.PipelineInput{Event: hooks.PipelineUserPromptSubmit, SessionID: sessionID, UserPrompt: prompt})
	rewritten := prompt
	if out.UserMessage != "" {
		rewritten = out.UserMessage
	}
	return UserPromptResult{Allowed: continues(out), Reason: out.StopReason, Prompt: rewritten}
}

// PreToolResult is the outcome of FirePreToolUse.
type PreToolResult struct {
	Allowed      bool
	DenyReason   string
	UpdatedInput json.RawMessage // non-nil if a hook rewrote the tool input
}

// FirePreToolUse fires PreToolUse for one tool_use block (blockable, spec
// §4.1.1).
func (g *HookGate) FirePreToolUse(ctx context.Context, sessionID, toolName string, input json.RawMessage) PreToolResult {
	out := g.dispatch(ctx, hooks.PipelineInput{
		Event:     hooks.PipelinePreToolUse,
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: input,
	})
	result := PreToolResult{Allowed: continues(out), DenyReason: out.StopReason}
	if raw, ok := out.UpdatedInput.(json.RawMessage); ok && raw != nil {
		result.UpdatedInput = raw
	}
	return result
}

// FirePostToolUse fires PostToolUse (advisory) or PostToolUseFailure when
// the tool call failed, per spec §4.1.1.
func (g *HookGate) FirePostToolUse(ctx context.Context, sessionID, toolName string, input, output json.RawMessage, toolErr error) {
	event := hooks.PipelinePostToolUse
	if toolErr != nil {
		event = hooks.PipelinePostToolUseFailure
	}
	g.dispatch(ctx, hooks.PipelineInput{
		Event:      event,
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolInput:  input,
		ToolOutput: output,
		ToolError:  toolErr,
	})
}

// FirePreCompact implements compaction.HookGate's blockable PreCompact
// fire-point, letting internal/compaction depend on this adapter without
// importing internal/hooks itself.
func (g *HookGate) FirePreCompact(ctx context.Context, sessionID string) bool {
	out := g.dispatch(ctx, hooks.PipelineInput{Event: hooks.PipelinePreCompact, SessionID: sessionID})
	return continues(out)
}

// FireCompactCompleted implements compaction.HookGate's advisory
// CompactCompleted fire-point.
func (g *HookGate) FireCompactCompleted(ctx context.Context, sessionID string, previousTokens, currentTokens int64) {
	g.dispatch(ctx, hooks.PipelineInput{
		Event:     hooks.PipelineStop, // no dedicated PipelineEvent; reuse advisory dispatch path
		SessionID: sessionID,
		ExtraContext: map[string]any{
			"compact_completed": true,
			"previous_tokens":   previousTokens,
			"current_tokens":    currentTokens,
		},
	})
}
