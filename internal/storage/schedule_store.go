package storage

import (
	"context"
	"database/sql"

	"github.com/praxishealth/praxis/internal/core"
)

// ScheduleBatchSize is the backing store's batch-write limit per flush.
const ScheduleBatchSize = 200

// ScheduleStore persists daily timetables. Writes are idempotent by the
// derived (user_id, protocol_id, date) key; status updates from the client
// are preserved across re-runs because the insert ignores existing rows.
type ScheduleStore struct {
	db *DB
}

// NewScheduleStore creates a new schedule store
func NewScheduleStore(db *DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// NewBatchWriter returns a chunked writer sized to the store's batch limit
func (s *ScheduleStore) NewBatchWriter() *BatchWriter[core.ScheduleEntry] {
	return NewBatchWriter(ScheduleBatchSize, s.UpsertEntries)
}

// UpsertEntries writes one chunk of timetable rows in a transaction
func (s *ScheduleStore) UpsertEntries(ctx context.Context, entries []core.ScheduleEntry) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO daily_schedule (
			    user_id, protocol_id, date, scheduled_time, slot, status, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx,
				e.UserID, e.ProtocolID, e.Date, e.ScheduledTime, e.Slot, e.Status, e.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// EntriesFor reads a user's timetable for one date, morning first
func (s *ScheduleStore) EntriesFor(ctx context.Context, userID, date string) ([]core.ScheduleEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT user_id, protocol_id, date, scheduled_time, slot, status, created_at
		FROM daily_schedule
		WHERE user_id = ? AND date = ?
		ORDER BY scheduled_time, protocol_id
	`, userID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []core.ScheduleEntry
	for rows.Next() {
		var e core.ScheduleEntry
		if err := rows.Scan(
			&e.UserID, &e.ProtocolID, &e.Date, &e.ScheduledTime, &e.Slot, &e.Status, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// CountForDate returns the total timetable rows for one date across users
func (s *ScheduleStore) CountForDate(ctx context.Context, date string) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM daily_schedule WHERE date = ?", date).Scan(&count)
	return count, err
}
