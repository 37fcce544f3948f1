package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/praxishealth/praxis/internal/core"
)

// NudgeStore persists the per-user nudge timeline. The pipeline only
// appends; dismissal and completion arrive from the client side.
type NudgeStore struct {
	db *DB
}

// NewNudgeStore creates a new nudge store
func NewNudgeStore(db *DB) *NudgeStore {
	return &NudgeStore{db: db}
}

// Append writes a nudge to the timeline. When the record carries a
// DedupeKey an earlier write with the same key wins and Append reports
// inserted=false, which keeps re-runs idempotent.
func (s *NudgeStore) Append(ctx context.Context, n *core.NudgeRecord) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Status == "" {
		n.Status = core.NudgeStatusPending
	}

	res, err := s.db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO nudges (
		    id, user_id, protocol_id, module_id, kind, title, body, why,
		    status, confidence, dedupe_key, safety_flagged,
		    created_at, delivered_at, dismissed_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID, n.UserID, n.ProtocolID, n.ModuleID, n.Kind, n.Title, n.Body, n.Why,
		n.Status, n.Confidence, n.DedupeKey, n.SafetyFlagged,
		n.CreatedAt, n.DeliveredAt, n.DismissedAt, n.CompletedAt,
	)
	if err != nil {
		return false, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// DeliveryStats summarizes one user's timeline for a single day
type DeliveryStats struct {
	DeliveredToday  int
	DismissedToday  int
	LastDeliveredAt *time.Time
}

// DayStats computes today's delivery stats from the persisted timeline.
// Pending adaptive nudges count as deliveries: they are already committed
// to the user's day.
func (s *NudgeStore) DayStats(ctx context.Context, userID string, dayStart, dayEnd time.Time) (*DeliveryStats, error) {
	stats := &DeliveryStats{}

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM nudges
		WHERE user_id = ? AND kind = ? AND created_at >= ? AND created_at < ?
		  AND status != 'expired'
	`, userID, core.NudgeKindAdaptive, dayStart, dayEnd).Scan(&stats.DeliveredToday)
	if err != nil {
		return nil, err
	}

	// A bare column round-trips through the driver as a timestamp; an
	// aggregate like MAX(created_at) loses the declared type and comes
	// back as text, which NullTime refuses to scan.
	var last sql.NullTime
	err = s.db.conn.QueryRowContext(ctx, `
		SELECT created_at
		FROM nudges
		WHERE user_id = ? AND kind = ? AND created_at >= ? AND created_at < ?
		  AND status != 'expired'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, core.NudgeKindAdaptive, dayStart, dayEnd).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		stats.LastDeliveredAt = &t
	}

	err = s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM nudges
		WHERE user_id = ? AND dismissed_at >= ? AND dismissed_at < ?
	`, userID, dayStart, dayEnd).Scan(&stats.DismissedToday)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// RangeByUser reads a user's timeline within [from, to), oldest first
func (s *NudgeStore) RangeByUser(ctx context.Context, userID string, from, to time.Time) ([]core.NudgeRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_id, protocol_id, module_id, kind, title, body, why,
		       status, confidence, dedupe_key, safety_flagged,
		       created_at, delivered_at, dismissed_at, completed_at
		FROM nudges
		WHERE user_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at
	`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nudges []core.NudgeRecord
	for rows.Next() {
		var n core.NudgeRecord
		var deliveredAt, dismissedAt, completedAt sql.NullTime

		if err := rows.Scan(
			&n.ID, &n.UserID, &n.ProtocolID, &n.ModuleID, &n.Kind, &n.Title, &n.Body, &n.Why,
			&n.Status, &n.Confidence, &n.DedupeKey, &n.SafetyFlagged,
			&n.CreatedAt, &deliveredAt, &dismissedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		if deliveredAt.Valid {
			t := deliveredAt.Time
			n.DeliveredAt = &t
		}
		if dismissedAt.Valid {
			t := dismissedAt.Time
			n.DismissedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			n.CompletedAt = &t
		}

		nudges = append(nudges, n)
	}

	return nudges, rows.Err()
}

// Dismiss marks a nudge dismissed (client contract; used by tests to build
// dismissal-fatigue fixtures)
func (s *NudgeStore) Dismiss(ctx context.Context, nudgeID string, at time.Time) error {
	_, err := s.db.conn.ExecContext(ctx,
		"UPDATE nudges SET status = 'dismissed', dismissed_at = ? WHERE id = ?",
		at, nudgeID,
	)
	return err
}

// MarkExpired expires stale pending nudges. Returns rows touched.
func (s *NudgeStore) MarkExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		"UPDATE nudges SET status = 'expired' WHERE status = 'pending' AND created_at < ?",
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
