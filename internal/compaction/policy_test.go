package compaction

import (
	"context"
	"testing"

	"github.com/haasonsaas/nexus/internal/core/block"
	"github.com/haasonsaas/nexus/internal/core/session"
)

type fakeStrategy struct {
	result    StrategyResult
	err       error
	called    bool
	gotPrefix []*session.Message
}

func (f *fakeStrategy) Summarize(ctx context.Context, prefix []*session.Message) (StrategyResult, error) {
	f.called = true
	f.gotPrefix = prefix
	return f.result, f.err
}

type fakeHooks struct {
	preCompactAllowed   bool
	completedFired      bool
	completedPrevTokens int64
	completedCurrTokens int64
}

func (f *fakeHooks) FirePreCompact(ctx context.Context, sessionID string) bool { return f.preCompactAllowed }
func (f *fakeHooks) FireCompactCompleted(ctx context.Context, sessionID string, previousTokens, currentTokens int64) {
	f.completedFired = true
	f.completedPrevTokens = previousTokens
	f.completedCurrTokens = currentTokens
}

func buildSessionWithMessages(t *testing.T, n int) *session.Session {
	t.Helper()
	s := session.New("", session.MainSession)
	for i := 0; i < n; i++ {
		_, err := s.Append(&session.Message{
			Role:    block.RoleUser,
			Content: []block.Block{block.NewTextBlock("message content here", nil)},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return s
}

func TestShouldCompactThreshold(t *testing.T) {
	p := NewPolicy(nil, nil)
	if p.ShouldCompact(79_999, 100_000) {
		t.Fatalf("79999/100000 should be under the 0.8 threshold")
	}
	if !p.ShouldCompact(80_001, 100_000) {
		t.Fatalf("80001/100000 should exceed the 0.8 threshold")
	}
}

func TestShouldCompactDisabledWhenAutoCompactFalse(t *testing.T) {
	p := NewPolicy(nil, nil)
	p.AutoCompact = false
	if p.ShouldCompact(999_999, 100) {
		t.Fatalf("disabled policy should never trigger")
	}
}

func TestRunSkipsWhenPreCompactBlocked(t *testing.T) {
	strategy := &fakeStrategy{}
	hooks := &fakeHooks{preCompactAllowed: false}
	p := NewPolicy(strategy, hooks)
	s := buildSessionWithMessages(t, 10)

	if err := p.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strategy.called {
		t.Fatalf("strategy should not be invoked when PreCompact is blocked")
	}
}

func TestRunReplacesPrefixKeepsLastMessages(t *testing.T) {
	strategy := &fakeStrategy{result: StrategyResult{Summary: "summary of earlier turns", SavedTokens: 50}}
	hooks := &fakeHooks{preCompactAllowed: true}
	p := NewPolicy(strategy, hooks)
	p.KeepMessages = 4

	s := buildSessionWithMessages(t, 10)
	preCount := s.MessageCount()

	if err := p.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strategy.called {
		t.Fatalf("expected strategy to be invoked")
	}
	if len(strategy.gotPrefix) != 6 {
		t.Fatalf("prefix length = %d, want 6 (10 - 4 kept)", len(strategy.gotPrefix))
	}

	branch, err := s.Branch("")
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	// 1 summary message + 4 kept messages
	if len(branch) != 5 {
		t.Fatalf("branch length after compaction = %d, want 5", len(branch))
	}
	if len(branch[0].Content) != 1 || branch[0].Content[0].Text != "summary of earlier turns" {
		t.Fatalf("branch root content = %+v, want the summary text", branch[0].Content)
	}
	if len(s.CompactHistory) != 1 {
		t.Fatalf("expected one CompactRecord, got %d", len(s.CompactHistory))
	}
	if s.CompactHistory[0].SavedTokens != 50 {
		t.Fatalf("SavedTokens = %d, want 50", s.CompactHistory[0].SavedTokens)
	}
	if !hooks.completedFired {
		t.Fatalf("expected CompactCompleted to fire")
	}
	_ = preCount
}

func TestRunNoOpWhenBranchShorterThanKeep(t *testing.T) {
	strategy := &fakeStrategy{}
	hooks := &fakeHooks{preCompactAllowed: true}
	p := NewPolicy(strategy, hooks)
	p.KeepMessages = 4

	s := buildSessionWithMessages(t, 2)
	if err := p.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strategy.called {
		t.Fatalf("should not summarize when fewer messages than KeepMessages exist")
	}
}
