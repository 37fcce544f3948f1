package storage

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/praxishealth/praxis/internal/core"
)

// MemoryStore persists learned per-user facts. Upstream learning creates
// rows; this core only reads, decays and prunes them.
type MemoryStore struct {
	db *DB
}

// NewMemoryStore creates a new memory store
func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// Insert stores a memory (upstream learning contract; tests use it directly)
func (s *MemoryStore) Insert(ctx context.Context, m *core.Memory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO memories (
		    id, user_id, type, content, confidence, module_id, protocol_id,
		    created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.UserID, m.Type, m.Content, m.Confidence, m.ModuleID, m.ProtocolID,
		m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// RelevantFilter narrows a ranked memory read
type RelevantFilter struct {
	ModuleID      core.ModuleID // empty matches all
	MinConfidence float64
}

// Relevant returns a user's memories ranked by confidence, strongest first.
// Module-scoped memories and module-agnostic ones both qualify when a
// module filter is set.
func (s *MemoryStore) Relevant(ctx context.Context, userID string, filter RelevantFilter, limit int) ([]core.Memory, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, user_id, type, content, confidence, module_id, protocol_id,
		       created_at, updated_at
		FROM memories
		WHERE user_id = ? AND confidence >= ?
	`
	args := []interface{}{userID, filter.MinConfidence}

	if filter.ModuleID != "" {
		query += " AND (module_id = ? OR module_id = '')"
		args = append(args, filter.ModuleID)
	}

	query += " ORDER BY confidence DESC, updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []core.Memory
	for rows.Next() {
		var m core.Memory
		if err := rows.Scan(
			&m.ID, &m.UserID, &m.Type, &m.Content, &m.Confidence, &m.ModuleID, &m.ProtocolID,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}

	return memories, rows.Err()
}

// ApplyDecay reduces every memory's confidence by exponential decay over
// the time elapsed since its last update, then stamps the row. Computed in
// Go because modernc.org/sqlite lacks pow(). Returns the number of rows
// decayed.
func (s *MemoryStore) ApplyDecay(ctx context.Context, now time.Time, halfLifeDays float64) (int, error) {
	if halfLifeDays <= 0 {
		halfLifeDays = 30
	}

	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT id, confidence, updated_at FROM memories")
	if err != nil {
		return 0, err
	}

	type decayRow struct {
		id         string
		confidence float64
	}

	var updates []decayRow
	for rows.Next() {
		var id string
		var confidence float64
		var updatedAt time.Time
		if err := rows.Scan(&id, &confidence, &updatedAt); err != nil {
			rows.Close()
			return 0, err
		}

		elapsedDays := now.Sub(updatedAt).Hours() / 24
		if elapsedDays <= 0 {
			continue
		}

		decayed := confidence * math.Pow(0.5, elapsedDays/halfLifeDays)
		updates = append(updates, decayRow{id: id, confidence: decayed})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	err = s.db.Transaction(func(tx *sql.Tx) error {
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx,
				"UPDATE memories SET confidence = ?, updated_at = ? WHERE id = ?",
				u.confidence, now, u.id,
			); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Prune enforces the per-user memory budget: drop rows below the confidence
// floor, then everything past the cap in confidence order. Returns the
// number of rows removed.
func (s *MemoryStore) Prune(ctx context.Context, userID string, cap int, floor float64) (int, error) {
	removed := 0

	res, err := s.db.conn.ExecContext(ctx,
		"DELETE FROM memories WHERE user_id = ? AND confidence < ?", userID, floor)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	removed += int(n)

	if cap > 0 {
		res, err = s.db.conn.ExecContext(ctx, `
			DELETE FROM memories
			WHERE user_id = ? AND id NOT IN (
			    SELECT id FROM memories WHERE user_id = ?
			    ORDER BY confidence DESC, updated_at DESC LIMIT ?
			)
		`, userID, userID, cap)
		if err != nil {
			return removed, err
		}
		n, _ = res.RowsAffected()
		removed += int(n)
	}

	return removed, nil
}

// UserIDs returns every user holding at least one memory
func (s *MemoryStore) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT DISTINCT user_id FROM memories ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns a user's memory count
func (s *MemoryStore) Count(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memories WHERE user_id = ?", userID).Scan(&count)
	return count, err
}
