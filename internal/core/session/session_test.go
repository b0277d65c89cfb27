package session

import (
	"context"
	"testing"

	"github.com/haasonsaas/nexus/internal/core/block"
)

func textMessage(role block.Role, text string) *Message {
	return &Message{Role: role, Content: []block.Block{block.NewTextBlock(text, nil)}}
}

func TestSessionAppendAdvancesLeaf(t *testing.T) {
	s := New("", MainSession)

	m1, err := s.Append(textMessage(block.RoleUser, "hello"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if s.CurrentLeafID != m1.ID {
		t.Fatalf("leaf = %s, want %s", s.CurrentLeafID, m1.ID)
	}
	if m1.ParentID != "" {
		t.Fatalf("root message should have empty ParentID, got %q", m1.ParentID)
	}

	m2, err := s.Append(textMessage(block.RoleAssistant, "hi there"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if m2.ParentID != m1.ID {
		t.Fatalf("ParentID = %s, want %s", m2.ParentID, m1.ID)
	}
	if s.MessageCount() != 2 {
		t.Fatalf("MessageCount = %d, want 2", s.MessageCount())
	}
}

func TestSessionAppendToTerminalFails(t *testing.T) {
	s := New("", MainSession)
	s.State = StateCompleted
	if _, err := s.Append(textMessage(block.RoleUser, "too late")); err != ErrTerminalSession {
		t.Fatalf("err = %v, want ErrTerminalSession", err)
	}
}

func TestSessionBranchDropsSidechain(t *testing.T) {
	s := New("", MainSession)
	root, _ := s.Append(textMessage(block.RoleUser, "root"))

	side := textMessage(block.RoleAssistant, "side thought")
	side.Sidechain = true
	sideMsg, err := s.Append(side)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	leaf, err := s.Append(textMessage(block.RoleAssistant, "final"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	chain, err := s.Branch(leaf.ID)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2 (sidechain dropped)", len(chain))
	}
	if chain[0].ID != root.ID || chain[1].ID != leaf.ID {
		t.Fatalf("unexpected chain order: %+v", chain)
	}
	for _, m := range chain {
		if m.ID == sideMsg.ID {
			t.Fatalf("sidechain message %s leaked into branch", sideMsg.ID)
		}
	}
}

func TestSessionForkIsIndependent(t *testing.T) {
	s := New("", MainSession)
	m1, _ := s.Append(textMessage(block.RoleUser, "shared ancestor"))
	m2, _ := s.Append(textMessage(block.RoleAssistant, "shared reply"))

	forked, err := s.Fork("", "")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if forked.ID == s.ID {
		t.Fatalf("forked session reused parent id")
	}
	if forked.CurrentLeafID != m2.ID {
		t.Fatalf("forked leaf = %s, want %s", forked.CurrentLeafID, m2.ID)
	}

	// Diverge the fork; the original must be unaffected.
	m3, err := forked.Append(textMessage(block.RoleUser, "fork-only message"))
	if err != nil {
		t.Fatalf("append on fork: %v", err)
	}
	if _, ok := s.Get(m3.ID); ok {
		t.Fatalf("fork-only message leaked into original session")
	}
	if s.CurrentLeafID != m2.ID {
		t.Fatalf("original session leaf mutated: %s", s.CurrentLeafID)
	}
	if _, ok := forked.Get(m1.ID); !ok {
		t.Fatalf("forked session lost shared ancestor %s", m1.ID)
	}
}

func TestSessionSetLeafRejectsUnknownMessage(t *testing.T) {
	s := New("", MainSession)
	if err := s.SetLeaf("does-not-exist"); err == nil {
		t.Fatalf("expected error for unknown leaf")
	}
}

func TestSessionTotalUsageRecomputedOnBranchChange(t *testing.T) {
	s := New("", MainSession)
	m1, _ := s.Append(&Message{
		Role:    block.RoleUser,
		Content: []block.Block{block.NewTextBlock("a", nil)},
		Usage:   &Usage{InputTokens: 10, OutputTokens: 5},
	})
	_, _ = s.Append(&Message{
		Role:    block.RoleAssistant,
		Content: []block.Block{block.NewTextBlock("b", nil)},
		Usage:   &Usage{InputTokens: 1, OutputTokens: 20},
	})
	if s.TotalUsage.OutputTokens != 25 {
		t.Fatalf("TotalUsage.OutputTokens = %d, want 25", s.TotalUsage.OutputTokens)
	}

	if err := s.SetLeaf(m1.ID); err != nil {
		t.Fatalf("set leaf: %v", err)
	}
	if s.TotalUsage.OutputTokens != 5 {
		t.Fatalf("after SetLeaf, OutputTokens = %d, want 5", s.TotalUsage.OutputTokens)
	}
	if err := s.ValidateInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestSessionExpired(t *testing.T) {
	s := New("", MainSession)
	s.WithTTL(-1) // already expired
	if !s.Expired(s.CreatedAt) {
		t.Fatalf("expected session to be expired")
	}

	s2 := New("", MainSession).WithTTL(1_000_000_000_000) // far future
	if s2.Expired(s2.CreatedAt) {
		t.Fatalf("expected session not to be expired")
	}
}

func TestMemoryStoreForkPersistsBothSessions(t *testing.T) {
	store := NewMemoryStore()
	s := New("orig", MainSession)
	s.Append(textMessage(block.RoleUser, "hi"))
	if err := store.Save(context.Background(), s); err != nil {
		t.Fatalf("save: %v", err)
	}

	forked, err := store.Fork(context.Background(), "orig", "fork-1")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if forked.ID != "fork-1" {
		t.Fatalf("forked.ID = %s, want fork-1", forked.ID)
	}

	got, err := store.Get(context.Background(), "orig")
	if err != nil {
		t.Fatalf("get orig: %v", err)
	}
	if got.ID != "orig" {
		t.Fatalf("got.ID = %s, want orig", got.ID)
	}

	if _, err := store.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
