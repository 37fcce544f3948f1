// Package audit records every pipeline decision so "why did the user get
// (or not get) this nudge" is always answerable after the fact.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/logging"
	"github.com/praxishealth/praxis/internal/storage"
)

// Sink is the single write interface every component audits through.
// Implementations must treat entries as append-only.
type Sink interface {
	Append(ctx context.Context, userID string, decision core.Decision, detail map[string]interface{}) error
}

// Record appends through the sink and logs any write failure with its
// decision context. A failed audit write never aborts the pipeline step
// that produced it, but it must not disappear without a trace.
func Record(ctx context.Context, sink Sink, userID string, decision core.Decision, detail map[string]interface{}) {
	if err := sink.Append(ctx, userID, decision, detail); err != nil {
		logging.WithFields(map[string]interface{}{
			"user":     userID,
			"decision": string(decision),
		}).Warn("audit append failed: %v", err)
	}
}

// Store is the sqlite-backed sink
type Store struct {
	db *storage.DB
}

// NewStore creates a sqlite audit sink
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Append writes one audit row
func (s *Store) Append(ctx context.Context, userID string, decision core.Decision, detail map[string]interface{}) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}

	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, decision, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), userID, string(decision), string(payload), time.Now().UTC())
	return err
}

// RecentByUser reads a user's latest audit entries, newest first
func (s *Store) RecentByUser(ctx context.Context, userID string, limit int) ([]core.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, user_id, decision, detail, created_at
		FROM audit_log
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		var detail string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Decision, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(detail), &e.Detail)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Memory is an in-process sink for tests
type Memory struct {
	mu      sync.Mutex
	Entries []core.AuditEntry
}

// Append records the entry in memory
func (m *Memory) Append(_ context.Context, userID string, decision core.Decision, detail map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Entries = append(m.Entries, core.AuditEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Decision:  decision,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// ByDecision returns recorded entries matching a decision
func (m *Memory) ByDecision(d core.Decision) []core.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.AuditEntry
	for _, e := range m.Entries {
		if e.Decision == d {
			out = append(out, e)
		}
	}
	return out
}
