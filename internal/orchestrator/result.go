package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/nexus/internal/core/block"
	"github.com/haasonsaas/nexus/internal/core/session"
)

// ToolCallRecord is one requested tool call's summary (calls denied before
// they ran are recorded too, with Error set), kept on AgentResult
// for callers that want a flat audit trail without walking the message
// tree (spec §4.1's AgentResult.toolCalls).
type ToolCallRecord struct {
	ID         string
	Name       string
	DurationMs int64
	Error      bool
	Retryable  bool
}

// Metrics aggregates per-run counters the loop collects along the way
// (spec §4.1.1: "each tool call is timed and recorded in metrics").
type Metrics struct {
	Iterations        int
	ToolCalls         int
	ToolErrors        int
	PermissionDenials int
	TotalToolTime     time.Duration
	APILatency        time.Duration
	TotalDuration     time.Duration
	Warnings          []string
}

// AgentResult is execute()'s return value (spec §4.1's public contract).
type AgentResult struct {
	Text             string
	Usage            session.Usage
	ToolCalls        []ToolCallRecord
	Iterations       int
	StopReason       StopReason
	State            session.State
	Metrics          Metrics
	SessionID        string
	StructuredOutput json.RawMessage
	Messages         []*session.Message
	ResultID         string
}

// contentText concatenates the text blocks of content, in order, with no
// separator — used to build AgentResult.Text from a response's content.
func contentText(content []block.Block) string {
	var out string
	for _, b := range content {
		if b.Kind == block.KindText {
			out += b.Text
		}
	}
	return out
}
