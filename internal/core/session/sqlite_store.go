package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions as the header+messages+compactHistory
// serialization described in spec §6, one row per session keyed by id.
// Grounded on the teacher's internal/sessions.CockroachStore (prepared
// statements over a SQL driver) but using the pure-Go modernc.org/sqlite
// driver and a single JSON payload column, since spec §6 prescribes no
// wire format beyond "header + messages[] + compactHistory[]" and a
// richer relational schema would be over-engineering for that contract.
type SQLiteStore struct {
	db *sql.DB

	stmtUpsert *sql.Stmt
	stmtGet    *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) a sessions table at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create table: %w", err)
	}

	stmtUpsert, err := db.Prepare(`INSERT INTO sessions (id, payload) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`)
	if err != nil {
		db.Close()
		return nil, err
	}
	stmtGet, err := db.Prepare(`SELECT payload FROM sessions WHERE id = ?`)
	if err != nil {
		stmtUpsert.Close()
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, stmtUpsert: stmtUpsert, stmtGet: stmtGet}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.stmtUpsert.Close()
	s.stmtGet.Close()
	return s.db.Close()
}

// snapshot is the on-disk serialization: header fields plus the full
// message slab (so a later Fork can reconstruct any branch).
type snapshot struct {
	ID             string             `json:"id"`
	ParentID       string             `json:"parent_id,omitempty"`
	Type           Type               `json:"type"`
	TenantID       string             `json:"tenant_id,omitempty"`
	Mode           string             `json:"mode,omitempty"`
	State          State              `json:"state"`
	Messages       map[string]Message `json:"messages"`
	CurrentLeafID  string             `json:"current_leaf_id,omitempty"`
	TotalUsage     Usage              `json:"total_usage"`
	TotalCostUsd   float64            `json:"total_cost_usd"`
	CompactHistory []CompactRecord    `json:"compact_history,omitempty"`
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.stmtGet.QueryRowContext(ctx, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("session: decode snapshot: %w", err)
	}
	out := New(snap.ID, snap.Type)
	out.ParentID = snap.ParentID
	out.TenantID = snap.TenantID
	out.Mode = snap.Mode
	out.State = snap.State
	out.TotalUsage = snap.TotalUsage
	out.TotalCostUsd = snap.TotalCostUsd
	out.CompactHistory = snap.CompactHistory
	for id, m := range snap.Messages {
		cp := m
		out.messages[id] = &cp
	}
	if err := out.SetLeaf(snap.CurrentLeafID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session: nil session")
	}
	msgs := make(map[string]Message, len(sess.messages))
	for id, m := range sess.messages {
		msgs[id] = *m
	}
	snap := snapshot{
		ID:             sess.ID,
		ParentID:       sess.ParentID,
		Type:           sess.Type,
		TenantID:       sess.TenantID,
		Mode:           sess.Mode,
		State:          sess.State,
		Messages:       msgs,
		CurrentLeafID:  sess.CurrentLeafID,
		TotalUsage:     sess.TotalUsage,
		TotalCostUsd:   sess.TotalCostUsd,
		CompactHistory: sess.CompactHistory,
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: encode snapshot: %w", err)
	}
	_, err = s.stmtUpsert.ExecContext(ctx, sess.ID, string(payload))
	return err
}

func (s *SQLiteStore) Fork(ctx context.Context, id string, newID string) (*Session, error) {
	base, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	forked, err := base.Fork(newID, "")
	if err != nil {
		return nil, err
	}
	if err := s.Save(ctx, forked); err != nil {
		return nil, err
	}
	return forked, nil
}
