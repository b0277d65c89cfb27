package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus/internal/budget"
	"github.com/haasonsaas/nexus/internal/compaction"
	"github.com/haasonsaas/nexus/internal/core/block"
	"github.com/haasonsaas/nexus/internal/core/session"
	"github.com/haasonsaas/nexus/internal/credential"
	"github.com/haasonsaas/nexus/internal/permission"
	usagepkg "github.com/haasonsaas/nexus/internal/usage"
)

// DefaultMaxIterations bounds the tool-use/continue cycle of a single
// execute() call (spec §4.1 step 6a).
const DefaultMaxIterations = 50

// DefaultDeadline is execute()'s wall-clock budget before it fails Timeout
// (spec §4.1's public contract).
const DefaultDeadline = 600 * time.Second

// RuleIndex looks up the dynamic-rules text associated with a file path,
// an external collaborator spec §4.1.1 describes but leaves unspecified.
type RuleIndex interface {
	Lookup(path string) (rule string, ok bool)
}

// Loop is the agent orchestration loop of spec §4.1: it drives an
// LLMProvider and a ToolRegistry to completion over a Session, subject to
// budget, permission, hook, and compaction policy.
//
// Grounded on the teacher's internal/agent.AgenticLoop (Init -> Stream ->
// ExecuteTools -> Continue/Complete state machine) generalized from its
// flat CompletionMessage/job-queue/approval-checker machinery down to the
// narrower contract spec §4.1 actually calls for.
type Loop struct {
	Provider LLMProvider
	Tools    *ToolRegistry
	Executor *Executor
	Hooks    *HookGate

	Permission   *permission.Policy
	Budget       *budget.Tracker
	TenantID     string
	TenantBudget *budget.TenantManager
	Credential   credential.Refresher
	Compaction   *compaction.Policy
	Rules        RuleIndex

	Model              string
	SystemPrompt       string
	MaxTokens          int
	OutputSchema       json.RawMessage
	ModelContextWindow int64
	MaxIterations      int
	Deadline           time.Duration

	singleFlight *SingleFlight
}

// NewLoop builds a Loop with spec-default iteration cap, deadline, and
// single-flight queue capacity.
func NewLoop() *Loop {
	return &Loop{
		MaxIterations: DefaultMaxIterations,
		Deadline:      DefaultDeadline,
		singleFlight:  NewSingleFlight(DefaultQueueCapacity),
	}
}

// Execute is the public contract of spec §4.1: execute(prompt) ->
// AgentResult, enforcing single-flight + coalescing semantics per session
// and a global wall-clock deadline.
func (l *Loop) Execute(ctx context.Context, s *session.Session, prompt string) (*AgentResult, error) {
	if l.singleFlight == nil {
		l.singleFlight = NewSingleFlight(DefaultQueueCapacity)
	}
	deadline := l.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := l.singleFlight.Run(runCtx, s.ID, prompt, func(ctx context.Context, mergedPrompt string) (*AgentResult, error) {
		return l.executeInner(ctx, s, mergedPrompt)
	})
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		return nil, newErr(KindTimeout, "execute deadline exceeded", runCtx.Err())
	}
	return result, err
}

// executeInner holds sessionID's executing flag (via SingleFlight.Run's
// scoped guard) and runs spec §4.1's 7-step inner loop to completion.
func (l *Loop) executeInner(ctx context.Context, s *session.Session, prompt string) (*AgentResult, error) {
	start := time.Now()

	l.fireSessionStart(ctx, s.ID)

	promptResult := l.fireUserPromptSubmit(ctx, s.ID, prompt)
	if !promptResult.Allowed {
		l.fireSessionEnd(ctx, s.ID)
		return nil, newErr(KindPermission, promptResult.Reason, nil)
	}

	if _, err := s.Append(&session.Message{
		Role:    block.RoleUser,
		Content: []block.Block{block.NewTextBlock(promptResult.Prompt, nil)},
	}); err != nil {
		return nil, newErr(KindSession, "append user message", err)
	}

	metrics := Metrics{}
	var totalUsage session.Usage
	var finalText string
	finalStopReason := StopEndTurn
	dynamicRulesContext := ""
	var toolCalls []ToolCallRecord
	model := l.Model

	for iterations := 0; ; {
		iterations++
		metrics.Iterations = iterations
		if iterations > l.maxIterations() {
			metrics.Warnings = append(metrics.Warnings, "max iterations exceeded")
			finalStopReason = StopEndTurn
			break
		}

		if l.Budget != nil {
			if l.Budget.ShouldStop() {
				return nil, newErr(KindBudget, "session budget exceeded", nil)
			}
			if fb, ok := l.Budget.ShouldFallback(); ok {
				model = fb
			}
		}

		apiMessages, err := s.ToAPIMessages()
		if err != nil {
			return nil, newErr(KindSession, "materialize branch", err)
		}

		extraSystem := []string(nil)
		if dynamicRulesContext != "" {
			extraSystem = append(extraSystem, dynamicRulesContext)
		}

		var toolDefs []ToolDef
		if l.Tools != nil {
			toolDefs = l.Tools.Defs()
		}
		req := &CompletionRequest{
			Model:        model,
			System:       l.SystemPrompt,
			ExtraSystem:  extraSystem,
			Messages:     apiMessages,
			Tools:        toolDefs,
			MaxTokens:    l.MaxTokens,
			OutputSchema: l.OutputSchema,
		}

		apiStart := time.Now()
		resp, err := l.send(ctx, req)
		metrics.APILatency += time.Since(apiStart)
		if err != nil {
			return nil, err
		}

		totalUsage.Add(resp.Usage)
		if l.Budget != nil {
			l.Budget.Record(model, toUsagePkg(resp.Usage))
		}
		if l.TenantBudget != nil && l.TenantID != "" {
			l.TenantBudget.Record(l.TenantID, model, toUsagePkg(resp.Usage))
		}

		finalText = contentText(resp.Content)
		finalStopReason = resp.StopReason

		if _, err := s.Append(&session.Message{
			Role:    block.RoleAssistant,
			Content: resp.Content,
		}); err != nil {
			return nil, newErr(KindSession, "append assistant message", err)
		}

		toolUses := collectToolUses(resp.Content)
		if len(toolUses) == 0 {
			break
		}

		roundCalls, roundResultBlocks, dynCtx, allNonRetryable := l.dispatchTools(ctx, s.ID, toolUses, &metrics)
		toolCalls = append(toolCalls, roundCalls...)
		if dynCtx != "" {
			if dynamicRulesContext == "" {
				dynamicRulesContext = dynCtx
			} else {
				dynamicRulesContext = dynamicRulesContext + "\n" + dynCtx
			}
		}

		if len(roundResultBlocks) > 0 {
			if _, err := s.Append(&session.Message{
				Role:    block.RoleUser,
				Content: roundResultBlocks,
			}); err != nil {
				return nil, newErr(KindSession, "append tool results", err)
			}
		}

		if allNonRetryable {
			metrics.Warnings = append(metrics.Warnings, "all tool calls in iteration failed non-retryably")
			break
		}

		if l.Compaction != nil && l.ModelContextWindow > 0 {
			ctxUsage := s.TotalUsage.ContextUsage()
			if l.Compaction.ShouldCompact(ctxUsage, l.ModelContextWindow) {
				_ = l.Compaction.Run(ctx, s)
			}
		}
	}

	metrics.TotalDuration = time.Since(start)

	l.fireStop(ctx, s.ID)
	l.fireSessionEnd(ctx, s.ID)

	finalBranch, err := s.Branch("")
	if err != nil {
		return nil, newErr(KindSession, "materialize final branch", err)
	}

	result := &AgentResult{
		Text:       finalText,
		Usage:      totalUsage,
		ToolCalls:  toolCalls,
		Iterations: metrics.Iterations,
		StopReason: finalStopReason,
		State:      s.State,
		Metrics:    metrics,
		SessionID:  s.ID,
		Messages:   finalBranch,
	}

	if structured, ok := extractStructuredOutput(finalText, l.OutputSchema); ok {
		result.StructuredOutput = structured
	}

	return result, nil
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return l.MaxIterations
}

// send performs one model call, attempting a single credential refresh and
// retry on a 401 response (spec §4.1 step (d)).
func (l *Loop) send(ctx context.Context, req *CompletionRequest) (*Response, error) {
	if l.Credential == nil {
		resp, err := l.Provider.Send(ctx, req)
		if err != nil {
			return nil, classifyProviderError(err)
		}
		return resp, nil
	}

	var resp *Response
	err := credential.RetryOn401(ctx, l.Credential, isUnauthorized, func(ctx context.Context, _ string) error {
		r, err := l.Provider.Send(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return resp, nil
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 401
}

func classifyProviderError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == 401 {
			return newErr(KindAuth, apiErr.Error(), apiErr)
		}
		return newErr(KindAPI, apiErr.Error(), apiErr)
	}
	var orchErr *Error
	if errors.As(err, &orchErr) {
		return orchErr
	}
	return newErr(KindNetwork, "provider call failed", err)
}

// dispatchTools runs spec §4.1.1's tool dispatch sub-algorithm for one
// iteration's tool-use blocks: PreToolUse gating, parallel execution, and
// prepared-order result processing.
func (l *Loop) dispatchTools(ctx context.Context, sessionID string, toolUses []block.Block, metrics *Metrics) (records []ToolCallRecord, resultBlocks []block.Block, dynamicRulesContext string, allNonRetryable bool) {
	prepared := make([]PreparedCall, 0, len(toolUses))
	denied := make(map[string]string) // tool_use id -> deny reason, for calls never prepared

	for _, tu := range toolUses {
		input := tu.Input
		pre := l.firePreToolUse(ctx, sessionID, tu.Name, input)
		if !pre.Allowed {
			denied[tu.ID] = pre.DenyReason
			metrics.PermissionDenials++
			continue
		}
		if pre.UpdatedInput != nil {
			input = pre.UpdatedInput
		}
		prepared = append(prepared, PreparedCall{ID: tu.ID, Name: tu.Name, Input: input})
	}

	var execResults []ExecResult
	if l.Executor != nil && len(prepared) > 0 {
		execResults = l.Executor.ExecuteAll(ctx, prepared)
	}

	// Reassemble results in the original toolUses order, synthesizing
	// denial results for calls that never made it into the prepared list.
	execByID := make(map[string]ExecResult, len(execResults))
	for _, r := range execResults {
		execByID[r.Call.ID] = r
	}

	anyExecuted := false
	allNonRetryable = true

	for _, tu := range toolUses {
		if reason, isDenied := denied[tu.ID]; isDenied {
			resultBlocks = append(resultBlocks, block.NewTextToolResult(tu.ID, reason, true))
			records = append(records, ToolCallRecord{ID: tu.ID, Name: tu.Name, Error: true, Retryable: false})
			continue
		}

		res, ok := execByID[tu.ID]
		if !ok {
			continue
		}
		anyExecuted = true
		metrics.ToolCalls++
		metrics.TotalToolTime += res.Duration

		if res.Output.InnerUsage != nil && l.Budget != nil {
			l.Budget.Record(res.Output.InnerModel, toUsagePkg(*res.Output.InnerUsage))
		}

		if l.Rules != nil {
			if path, ok := extractFilePath(res.Call.Input); ok {
				if rule, found := l.Rules.Lookup(path); found {
					if dynamicRulesContext == "" {
						dynamicRulesContext = rule
					} else {
						dynamicRulesContext = dynamicRulesContext + "\n" + rule
					}
				}
			}
		}

		isError := res.Err != nil || res.Output.IsError()
		retryable := false
		if res.Output.Err != nil {
			retryable = res.Output.Err.Retryable
		}
		if isError {
			metrics.ToolErrors++
			if retryable {
				allNonRetryable = false
			}
		} else {
			allNonRetryable = false
		}

		l.firePostToolUse(ctx, sessionID, res.Call.Name, res.Call.Input, isError)

		resultBlocks = append(resultBlocks, block.NewToolResultBlock(tu.ID, res.Output.ContentBlocks(), isError))
		records = append(records, ToolCallRecord{
			ID:         tu.ID,
			Name:       res.Call.Name,
			DurationMs: res.Duration.Milliseconds(),
			Error:      isError,
			Retryable:  retryable,
		})
	}

	// The early-stop rule (spec §4.1.1) only fires over *executed* tool
	// calls; if every tool_use block in this iteration was blocked by
	// PreToolUse before ever running, that is a permission outcome, not a
	// retry signal, so the loop continues normally.
	if !anyExecuted {
		allNonRetryable = false
	}

	return records, resultBlocks, dynamicRulesContext, allNonRetryable
}

func (l *Loop) fireSessionStart(ctx context.Context, sessionID string) {
	if l.Hooks != nil {
		l.Hooks.FireSessionStart(ctx, sessionID)
	}
}

func (l *Loop) fireSessionEnd(ctx context.Context, sessionID string) {
	if l.Hooks != nil {
		l.Hooks.FireSessionEnd(ctx, sessionID)
	}
}

func (l *Loop) fireStop(ctx context.Context, sessionID string) {
	if l.Hooks != nil {
		l.Hooks.FireStop(ctx, sessionID)
	}
}

func (l *Loop) fireUserPromptSubmit(ctx context.Context, sessionID, prompt string) UserPromptResult {
	if l.Hooks == nil {
		return UserPromptResult{Allowed: true, Prompt: prompt}
	}
	return l.Hooks.FireUserPromptSubmit(ctx, sessionID, prompt)
}

func (l *Loop) firePreToolUse(ctx context.Context, sessionID, toolName string, input json.RawMessage) PreToolResult {
	result := PreToolResult{Allowed: true}
	if l.Permission != nil {
		decision := l.Permission.Evaluate(toolName, string(input))
		if decision.Decision == permission.DecisionDeny {
			return PreToolResult{Allowed: false, DenyReason: decision.Reason}
		}
	}
	if l.Hooks != nil {
		hookResult := l.Hooks.FirePreToolUse(ctx, sessionID, toolName, input)
		if !hookResult.Allowed {
			return hookResult
		}
		result = hookResult
	}
	return result
}

func (l *Loop) firePostToolUse(ctx context.Context, sessionID, toolName string, input json.RawMessage, isError bool) {
	if l.Hooks == nil {
		return
	}
	var toolErr error
	if isError {
		toolErr = fmt.Errorf("tool %s failed", toolName)
	}
	l.Hooks.FirePostToolUse(ctx, sessionID, toolName, input, nil, toolErr)
}

func collectToolUses(content []block.Block) []block.Block {
	var out []block.Block
	for _, b := range content {
		if b.Kind == block.KindToolUse {
			out = append(out, b)
		}
	}
	return out
}

// extractFilePath pulls a "file_path" or "path" string field out of a
// tool's JSON input, for dynamic-rules lookup (spec §4.1.1).
func extractFilePath(input json.RawMessage) (string, bool) {
	var probe struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return "", false
	}
	if probe.FilePath != "" {
		return probe.FilePath, true
	}
	if probe.Path != "" {
		return probe.Path, true
	}
	return "", false
}

// toUsagePkg converts a session.Usage into the internal/usage.Usage shape
// budget.Tracker.Record expects, since those two packages model token
// accounting independently (spec §3 vs. the teacher's original tracker).
func toUsagePkg(u session.Usage) usagepkg.Usage {
	return usagepkg.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheCreationTokens,
	}
}
