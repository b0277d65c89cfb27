package stream

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/nexus/internal/core/block"
)

// pendingKind tracks which content-block type is currently accumulating
// inside a content_block_start/delta/stop run.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingText
	pendingThinking
	pendingToolUse
)

// RecoveryState observes a Parser's Item output and reconstructs the
// assistant turn in progress, so a dropped connection can be resumed from
// exactly where it left off (spec §4.6's recovery wrapper).
type RecoveryState struct {
	completedBlocks []block.Block

	pending         pendingKind
	pendingText     strings.Builder
	pendingThinking struct {
		text      strings.Builder
		signature strings.Builder
	}
	pendingToolUse struct {
		id          string
		name        string
		partialJSON strings.Builder
	}
}

// NewRecoveryState creates an empty recovery state.
func NewRecoveryState() *RecoveryState {
	return &RecoveryState{}
}

// Observe feeds one parsed Item into the recovery state machine.
func (r *RecoveryState) Observe(item Item) {
	switch item.Kind {
	case ItemText:
		r.pending = pendingText
		r.pendingText.WriteString(item.Text)
	case ItemThinking:
		r.pending = pendingThinking
		r.pendingThinking.text.WriteString(item.Text)
	case ItemEvent:
		r.observeEvent(item.Event)
	}
}

func (r *RecoveryState) observeEvent(evt *StreamEvent) {
	if evt == nil {
		return
	}
	switch evt.Type {
	case "content_block_start":
		if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
			r.pending = pendingToolUse
			r.pendingToolUse.id = evt.ContentBlock.ID
			r.pendingToolUse.name = evt.ContentBlock.Name
			r.pendingToolUse.partialJSON.Reset()
		}
	case "content_block_delta":
		if evt.Delta == nil {
			return
		}
		switch evt.Delta.Type {
		case "input_json_delta":
			r.pending = pendingToolUse
			r.pendingToolUse.partialJSON.WriteString(evt.Delta.PartialJSON)
		case "signature_delta":
			r.pending = pendingThinking
			r.pendingThinking.signature.WriteString(evt.Delta.Signature)
		}
	case "content_block_stop":
		r.finalizePending()
	}
}

// finalizePending converts whichever slot is populated into a completed
// block.Block and resets the pending state. If a tool-use's partial JSON
// fails to parse, an empty object is substituted (spec §4.6).
func (r *RecoveryState) finalizePending() {
	switch r.pending {
	case pendingText:
		r.completedBlocks = append(r.completedBlocks, block.NewTextBlock(r.pendingText.String(), nil))
		r.pendingText.Reset()
	case pendingThinking:
		r.completedBlocks = append(r.completedBlocks,
			block.NewThinkingBlock(r.pendingThinking.text.String(), r.pendingThinking.signature.String()))
		r.pendingThinking.text.Reset()
		r.pendingThinking.signature.Reset()
	case pendingToolUse:
		raw := r.pendingToolUse.partialJSON.String()
		input := json.RawMessage(raw)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		r.completedBlocks = append(r.completedBlocks,
			block.NewToolUseBlock(r.pendingToolUse.id, r.pendingToolUse.name, input))
		r.pendingToolUse = struct {
			id          string
			name        string
			partialJSON strings.Builder
		}{}
	}
	r.pending = pendingNone
}

// pendingAsBlock returns the currently-accumulating (not yet finalized)
// slot as a whole block, for inclusion in a continuation turn after a
// mid-stream disconnect — the recovery case finalizePending never runs
// for, since no content_block_stop arrived.
func (r *RecoveryState) pendingAsBlock() (block.Block, bool) {
	switch r.pending {
	case pendingText:
		if r.pendingText.Len() == 0 {
			return block.Block{}, false
		}
		return block.NewTextBlock(r.pendingText.String(), nil), true
	case pendingThinking:
		if r.pendingThinking.text.Len() == 0 && r.pendingThinking.signature.Len() == 0 {
			return block.Block{}, false
		}
		return block.NewThinkingBlock(r.pendingThinking.text.String(), r.pendingThinking.signature.String()), true
	case pendingToolUse:
		raw := r.pendingToolUse.partialJSON.String()
		input := json.RawMessage(raw)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		return block.NewToolUseBlock(r.pendingToolUse.id, r.pendingToolUse.name, input), true
	default:
		return block.Block{}, false
	}
}

// AssistantTurn returns the completed blocks plus any still-pending
// partial content as a whole block, in the order they were produced.
func (r *RecoveryState) AssistantTurn() []block.Block {
	out := make([]block.Block, len(r.completedBlocks))
	copy(out, r.completedBlocks)
	if b, ok := r.pendingAsBlock(); ok {
		out = append(out, b)
	}
	return out
}

// BuildContinuationMessages implements buildContinuationMessages(original)
// from spec §4.6: original ++ assistantTurn, where assistantTurn is this
// recovery state's reconstruction of the interrupted assistant turn.
func (r *RecoveryState) BuildContinuationMessages(original []block.Message) []block.Message {
	turn := r.AssistantTurn()
	if len(turn) == 0 {
		out := make([]block.Message, len(original))
		copy(out, original)
		return out
	}
	out := make([]block.Message, 0, len(original)+1)
	out = append(out, original...)
	out = append(out, block.Message{Role: block.RoleAssistant, Content: turn})
	return out
}
