// Package session implements the branch-addressed message tree described in
// spec §3/§4.2: a DAG of messages keyed by id, with a current-leaf pointer
// whose backward walk to the root is "the current branch".
//
// Modeled after the teacher's flat-store-plus-pointer approach
// (internal/sessions/memory.go, internal/sessions/branch_memory.go) but
// generalized from a linear per-channel history to a true DAG so that
// forking a session is O(1): copy the message map, reset the leaf pointer.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/core/block"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateCreated         State = "created"
	StateActive          State = "active"
	StateWaitingForTools State = "waiting_for_tools"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Type distinguishes a top-level session from a subagent's.
type Type struct {
	Kind        string // "main" | "subagent"
	AgentType   string // set when Kind == "subagent"
	Description string // set when Kind == "subagent"
}

// MainSession is the Type value for top-level sessions.
var MainSession = Type{Kind: "main"}

// SubagentSession builds the Type value for a subagent session.
func SubagentSession(agentType, description string) Type {
	return Type{Kind: "subagent", AgentType: agentType, Description: description}
}

// Message is one node in the session's message tree.
type Message struct {
	ID        string
	ParentID  string // empty for the root of a branch
	Role      block.Role
	Content   []block.Block
	Sidechain bool
	Usage     *Usage
	Timestamp time.Time
	Metadata  map[string]any
}

// CompactRecord is one ledger entry for a completed compaction run (§4.7).
type CompactRecord struct {
	PreviousTokens int64
	CurrentTokens  int64
	SavedTokens    int64
	Strategy       string
	At             time.Time
}

// ErrTerminalSession is returned when appending to a session whose state is
// completed, failed, or cancelled.
var ErrTerminalSession = errors.New("session: cannot append to a terminal session")

// ErrUnknownMessage is returned by operations referencing a message id not
// present in the session.
var ErrUnknownMessage = errors.New("session: unknown message id")

// Session is the aggregate root described in spec §3. Per spec §5, a
// Session is mutated only by its owning orchestrator loop — it is not
// safe for concurrent use from multiple goroutines.
type Session struct {
	ID            string
	ParentID      string
	Type          Type
	TenantID      string
	Mode          string
	State         State
	PermissionRef string // opaque reference to the active PermissionPolicy

	messages      map[string]*Message
	CurrentLeafID string

	Summary        *Message
	TotalUsage     Usage
	TotalCostUsd   float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
	Todos          []string
	CurrentPlan    string
	CompactHistory []CompactRecord
}

// New creates a fresh, empty session in the Created state.
func New(id string, typ Type) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Session{
		ID:        id,
		Type:      typ,
		State:     StateCreated,
		messages:  make(map[string]*Message),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithTTL sets ExpiresAt = CreatedAt + ttl.
func (s *Session) WithTTL(ttl time.Duration) *Session {
	exp := s.CreatedAt.Add(ttl)
	s.ExpiresAt = &exp
	return s
}

// Expired reports whether now is past ExpiresAt. A session with no
// ExpiresAt never expires. Expiry is purely informational (spec §4.2): it
// does not delete messages or block reads.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Get returns the message with the given id.
func (s *Session) Get(id string) (*Message, bool) {
	m, ok := s.messages[id]
	return m, ok
}

// Append adds msg as a child of the current leaf and advances the leaf
// pointer to msg. msg.ParentID and msg.ID are set by this call; if msg.ID
// is empty a UUIDv4 is generated. Invariant (spec §3): only messages on
// the resulting current branch contribute to TotalUsage, so Append
// recomputes TotalUsage from the new branch walk rather than merely
// adding msg's usage — this matters after a Fork or SetLeaf changes which
// branch is current.
func (s *Session) Append(msg *Message) (*Message, error) {
	if s.State.Terminal() {
		return nil, ErrTerminalSession
	}
	if msg == nil {
		return nil, errors.New("session: nil message")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.ParentID = s.CurrentLeafID
	s.messages[msg.ID] = msg
	s.CurrentLeafID = msg.ID
	s.UpdatedAt = msg.Timestamp
	s.recomputeTotalUsage()
	return msg, nil
}

// SetLeaf moves the current-leaf pointer to id, which must already be a
// known message. This is how branch switches (including post-fork
// navigation) happen; TotalUsage is recomputed for the new branch.
func (s *Session) SetLeaf(id string) error {
	if id != "" {
		if _, ok := s.messages[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
		}
	}
	s.CurrentLeafID = id
	s.recomputeTotalUsage()
	return nil
}

// Branch walks from the given leaf (or the current leaf if leafID is
// empty) back to the root, returning messages in chronological
// (root-first) order with sidechain messages dropped, per
// toApiMessages()'s contract in spec §4.2.
func (s *Session) Branch(leafID string) ([]*Message, error) {
	if leafID == "" {
		leafID = s.CurrentLeafID
	}
	var chain []*Message
	seen := make(map[string]bool)
	cur := leafID
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("session: cycle detected at message %s", cur)
		}
		seen[cur] = true
		m, ok := s.messages[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, cur)
		}
		chain = append(chain, m)
		cur = m.ParentID
	}
	// reverse to root-first order
	out := make([]*Message, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Sidechain {
			continue
		}
		out = append(out, chain[i])
	}
	return out, nil
}

// ToAPIMessages materializes the current branch as ordered block.Message
// values suitable for sending to a model provider.
func (s *Session) ToAPIMessages() ([]block.Message, error) {
	chain, err := s.Branch("")
	if err != nil {
		return nil, err
	}
	out := make([]block.Message, 0, len(chain))
	for _, m := range chain {
		out = append(out, block.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Session) recomputeTotalUsage() {
	chain, err := s.Branch("")
	if err != nil {
		return
	}
	var total Usage
	for _, m := range chain {
		if m.Usage != nil {
			total.Add(*m.Usage)
		}
	}
	s.TotalUsage = total
}

// Fork copies every message into a new Session sharing no mutable state
// with s, resetting the leaf to the given id (or s.CurrentLeafID if
// empty). This is the O(1)-in-spirit fork the design notes (spec §9) call
// for: it copies the slab and repoints the leaf rather than walking or
// rewriting parent pointers.
func (s *Session) Fork(newID string, leafID string) (*Session, error) {
	if newID == "" {
		newID = uuid.NewString()
	}
	if leafID == "" {
		leafID = s.CurrentLeafID
	}
	if leafID != "" {
		if _, ok := s.messages[leafID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, leafID)
		}
	}
	forked := New(newID, s.Type)
	forked.ParentID = s.ID
	forked.TenantID = s.TenantID
	forked.Mode = s.Mode
	forked.PermissionRef = s.PermissionRef
	forked.Summary = s.Summary
	for id, m := range s.messages {
		cp := *m
		forked.messages[id] = &cp
	}
	forked.CompactHistory = append([]CompactRecord(nil), s.CompactHistory...)
	if err := forked.SetLeaf(leafID); err != nil {
		return nil, err
	}
	return forked, nil
}

// MessageCount returns the number of messages ever appended to the
// session, across all branches.
func (s *Session) MessageCount() int {
	return len(s.messages)
}

// ResetBranch replaces the current branch's prefix with a single summary
// message (used by compaction, spec §4.7): summary becomes the new branch
// root, kept is re-appended as its children in order, and the leaf pointer
// moves to the last element of kept (or to summary itself if kept is
// empty). Messages not on the current branch (other forks, sidechains
// reachable only from the old prefix) are left untouched in the slab.
func (s *Session) ResetBranch(summary *Message, kept []*Message) {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	summary.ParentID = ""
	s.messages[summary.ID] = summary

	parent := summary.ID
	for _, m := range kept {
		cp := *m
		cp.ParentID = parent
		s.messages[cp.ID] = &cp
		parent = cp.ID
	}
	s.CurrentLeafID = parent
	s.recomputeTotalUsage()
}

// ValidateInvariants checks the three invariants from spec §3: the current
// leaf (if set) exists, the chain to root is acyclic, and TotalUsage
// matches a fresh sum over the current branch. Intended for tests.
func (s *Session) ValidateInvariants() error {
	if s.CurrentLeafID != "" {
		if _, ok := s.messages[s.CurrentLeafID]; !ok {
			return fmt.Errorf("%w: leaf %s", ErrUnknownMessage, s.CurrentLeafID)
		}
	}
	chain, err := s.Branch("")
	if err != nil {
		return err
	}
	var total Usage
	for _, m := range chain {
		if m.Usage != nil {
			total.Add(*m.Usage)
		}
	}
	if total.InputTokens != s.TotalUsage.InputTokens ||
		total.OutputTokens != s.TotalUsage.OutputTokens ||
		total.CacheReadTokens != s.TotalUsage.CacheReadTokens ||
		total.CacheCreationTokens != s.TotalUsage.CacheCreationTokens {
		return fmt.Errorf("session: total usage mismatch: have %+v want %+v", s.TotalUsage, total)
	}
	return nil
}
