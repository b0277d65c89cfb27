// Package orchestrator implements the agent orchestration loop (spec §4.1):
// a single-flight, coalescing front end wrapped around an inner loop that
// drives a model provider and a set of tools to completion, subject to
// budget, permission, hook, and compaction policy. The inner loop does not
// call the security guard (internal/security/guard) before running a tool.
//
// Grounded on the teacher's internal/agent package: AgenticLoop's state
// machine (Init -> Stream -> ExecuteTools -> Continue/Complete) and
// Executor's parallel tool dispatch are reused in shape, generalized from
// internal/agent's flat-string CompletionMessage/models.ToolCall types to
// this runtime's tagged-union block.Message/block.Block content model.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/core/block"
	"github.com/haasonsaas/nexus/internal/core/session"
)

// StopReason mirrors the provider's reported stop reason (spec §6).
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// Kind enumerates the error kinds of spec §7. These are kinds, not
// exported Go types, per the spec's own framing ("error kinds, not class
// names"); Error.Kind carries the classification.
type Kind string

const (
	KindAPI             Kind = "api"
	KindAuth            Kind = "auth"
	KindNetwork         Kind = "network"
	KindParse           Kind = "parse"
	KindTool            Kind = "tool"
	KindPermission      Kind = "permission"
	KindBudget          Kind = "budget"
	KindContextOverflow Kind = "context_overflow"
	KindTimeout         Kind = "timeout"
	KindSession         Kind = "session"
	KindConfig          Kind = "config"
	KindIO              Kind = "io"
)

// Error is the orchestrator's uniform error envelope.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("orchestrator: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("orchestrator: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// APIError represents a non-2xx provider response (spec §7's Api kind).
// Status is used to detect 401s for the single credential-refresh retry
// (spec §4.1 step (d)).
type APIError struct {
	Status       int
	ProviderType string
	Message      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error (status %d, type %s): %s", e.Status, e.ProviderType, e.Message)
}

// ToolErrorKind classifies a ToolError (spec §6).
type ToolErrorKind string

const (
	ToolErrExecutionFailed   ToolErrorKind = "execution_failed"
	ToolErrNotFound          ToolErrorKind = "not_found"
	ToolErrPermissionDenied  ToolErrorKind = "permission_denied"
	ToolErrInvalidInput      ToolErrorKind = "invalid_input"
	ToolErrTimeout           ToolErrorKind = "timeout"
	ToolErrSecurityViolation ToolErrorKind = "security_violation"
)

// ToolError is the error shape a Tool returns via ToolOutput.Err.
type ToolError struct {
	Kind      ToolErrorKind
	Message   string
	Retryable bool
}

func (e *ToolError) Error() string { return e.Message }

// ToolOutput is a tool's result (spec §6: Success(text) | SuccessBlocks |
// Error(ToolError) | Empty). Exactly one of Text/Blocks/Err is meaningfully
// populated; a zero ToolOutput is Empty.
type ToolOutput struct {
	Text       string
	Blocks     []block.Block
	Err        *ToolError
	InnerUsage *session.Usage // usage the tool itself attributes to an inner model call
	InnerModel string
}

// IsError reports whether this output represents a tool-level failure.
func (o ToolOutput) IsError() bool { return o.Err != nil }

// ContentBlocks renders this output as the block(s) to embed in a
// tool_result content block, per spec §4.1.1's "convert the tool result
// into a ToolResult content block".
func (o ToolOutput) ContentBlocks() []block.Block {
	if o.Err != nil {
		return []block.Block{block.NewTextBlock(o.Err.Message, nil)}
	}
	if len(o.Blocks) > 0 {
		return o.Blocks
	}
	if o.Text != "" {
		return []block.Block{block.NewTextBlock(o.Text, nil)}
	}
	return nil
}

// Tool is the executable capability surface the orchestrator dispatches
// tool_use blocks to (spec §6).
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (ToolOutput, error)
}

// ToolDef is the name/description/schema triple sent to the provider as an
// available tool (spec §6).
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is what the orchestrator builds and sends to an
// LLMProvider each iteration (spec §4.1 step (d), §6).
type CompletionRequest struct {
	Model        string
	System       string
	ExtraSystem  []string // dynamicRulesContext and similar injected system messages
	Messages     []block.Message
	Tools        []ToolDef
	MaxTokens    int
	OutputSchema json.RawMessage
}

// Response is a model provider's completed turn (spec §6: id, content[],
// stopReason, usage).
type Response struct {
	ID         string
	Content    []block.Block
	StopReason StopReason
	Usage      session.Usage
}

// LLMProvider is the model provider boundary the loop drives (spec §6).
// A 401 from Send should be surfaced as *APIError{Status: 401, ...} so the
// loop's credential.RetryOn401 wrapper can classify it.
type LLMProvider interface {
	Name() string
	Send(ctx context.Context, req *CompletionRequest) (*Response, error)
}
