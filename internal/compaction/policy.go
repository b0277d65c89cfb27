package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus/internal/core/block"
	"github.com/haasonsaas/nexus/internal/core/session"
)

// DefaultCompactThreshold is the fraction of a model's context window
// above which compaction fires (spec §4.7).
const DefaultCompactThreshold = 0.8

// DefaultKeepMessages is the number of most-recent turns on the current
// branch that compaction never summarizes away (spec §4.7).
const DefaultKeepMessages = 4

// StrategyResult is what an external "compact strategy" collaborator
// returns for a summarized prefix (spec §4.7).
type StrategyResult struct {
	Summary     string
	NewCount    int
	SavedTokens int64
}

// Strategy summarizes a prefix of a session's messages. It is an external
// collaborator (spec §1 places concrete summarization out of scope); the
// orchestrator supplies an implementation (e.g. an LLM-backed
// summarizer).
type Strategy interface {
	Summarize(ctx context.Context, prefix []*session.Message) (StrategyResult, error)
}

// HookGate lets Policy fire the blockable PreCompact hook and the
// advisory CompactCompleted hook without this package depending on
// internal/hooks directly. FirePreCompact returns false if the hook chain
// blocked the compaction.
type HookGate interface {
	FirePreCompact(ctx context.Context, sessionID string) (allowed bool)
	FireCompactCompleted(ctx context.Context, sessionID string, previousTokens, currentTokens int64)
}

// Policy is the trigger/ledger compaction machinery of spec §4.7: it
// decides whether a session needs compacting, invokes an external
// Strategy, and records the result.
//
// Grounded on the teacher's token-estimation and chunk-splitting helpers
// above (EstimateTokens, SplitMessagesByTokenShare) but those operate on
// compaction.Message, a flat string-content type; Policy bridges from the
// tagged-union session.Message the rest of this runtime uses, converting
// only for the purpose of token estimation and strategy input.
type Policy struct {
	Threshold    float64
	KeepMessages int
	Strategy     Strategy
	Hooks        HookGate
	AutoCompact  bool
}

// NewPolicy builds a Policy with spec §4.7's defaults.
func NewPolicy(strategy Strategy, hooks HookGate) *Policy {
	return &Policy{
		Threshold:    DefaultCompactThreshold,
		KeepMessages: DefaultKeepMessages,
		Strategy:     strategy,
		Hooks:        hooks,
		AutoCompact:  true,
	}
}

// ShouldCompact reports whether sessionContextUsage exceeds
// modelContextWindow * Threshold.
func (p *Policy) ShouldCompact(sessionContextUsage int64, modelContextWindow int64) bool {
	if !p.AutoCompact || modelContextWindow <= 0 {
		return false
	}
	return float64(sessionContextUsage) > float64(modelContextWindow)*p.Threshold
}

// Run executes one compaction pass over s's current branch, per spec
// §4.7: fire PreCompact (skip if blocked), select the earliest messages
// to summarize while keeping the last KeepMessages turns, invoke
// Strategy, replace the summarized prefix with a single system-style
// summary message at the branch root, and append a CompactRecord.
func (p *Policy) Run(ctx context.Context, s *session.Session) error {
	if p.Hooks != nil && !p.Hooks.FirePreCompact(ctx, s.ID) {
		return nil
	}

	branch, err := s.Branch("")
	if err != nil {
		return fmt.Errorf("compaction: branch: %w", err)
	}
	keep := p.KeepMessages
	if keep < 0 {
		keep = 0
	}
	if len(branch) <= keep {
		return nil // nothing old enough to summarize
	}

	prefix := branch[:len(branch)-keep]
	kept := branch[len(branch)-keep:]

	previousTokens := estimateBranchTokens(branch)

	result, err := p.Strategy.Summarize(ctx, prefix)
	if err != nil {
		return fmt.Errorf("compaction: summarize: %w", err)
	}

	summaryMsg := &session.Message{
		Role:      block.RoleAssistant,
		Content:   []block.Block{block.NewTextBlock(result.Summary, nil)},
		Timestamp: time.Now(),
		Metadata:  map[string]any{"compaction_summary": true},
	}

	replaceSessionBranchPrefix(s, summaryMsg, kept)

	currentTokens := previousTokens - result.SavedTokens
	s.CompactHistory = append(s.CompactHistory, session.CompactRecord{
		PreviousTokens: previousTokens,
		CurrentTokens:  currentTokens,
		SavedTokens:    result.SavedTokens,
		Strategy:       fmt.Sprintf("%T", p.Strategy),
		At:             time.Now(),
	})

	if p.Hooks != nil {
		p.Hooks.FireCompactCompleted(ctx, s.ID, previousTokens, currentTokens)
	}
	return nil
}

func estimateBranchTokens(branch []*session.Message) int64 {
	var total int64
	for _, m := range branch {
		for _, b := range m.Content {
			total += int64((len(b.Text) + 3) / 4)
		}
	}
	return total
}

// replaceSessionBranchPrefix rewrites s's current branch so that summaryMsg
// becomes the new branch root and kept is re-appended after it, preserving
// message identity for the kept tail and repointing its parent links. The
// summarized prefix's messages are not deleted from the slab; they are just
// no longer on the current branch. The session's leaf pointer
// always ends pointing at the last message of kept (or at summaryMsg if
// kept is empty), matching spec §4.7's "leaf pointer unchanged" in
// practice: only the *prefix* is rewritten, the tail keeps the same
// logical position relative to the leaf.
func replaceSessionBranchPrefix(s *session.Session, summaryMsg *session.Message, kept []*session.Message) {
	s.ResetBranch(summaryMsg, kept)
}
