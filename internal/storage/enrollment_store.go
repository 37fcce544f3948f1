package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/praxishealth/praxis/internal/core"
)

// EnrollmentStore handles module enrollments and their streak fields
type EnrollmentStore struct {
	db *DB
}

// NewEnrollmentStore creates a new enrollment store
func NewEnrollmentStore(db *DB) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

// Create inserts an enrollment
func (s *EnrollmentStore) Create(ctx context.Context, e *core.ModuleEnrollment) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO enrollments (
		    id, user_id, module_id, enrolled_at, last_activity_at,
		    current_streak, longest_streak, freeze_available, freeze_used_at, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, e.ModuleID, e.EnrolledAt, e.LastActivityAt,
		e.CurrentStreak, e.LongestStreak, e.FreezeAvailable, e.FreezeUsedAt, e.Active,
	)
	return err
}

// ActiveByUser returns a user's active enrollments, oldest first. The first
// row is the user's primary module.
func (s *EnrollmentStore) ActiveByUser(ctx context.Context, userID string) ([]core.ModuleEnrollment, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_id, module_id, enrolled_at, last_activity_at,
		       current_streak, longest_streak, freeze_available, freeze_used_at, active
		FROM enrollments
		WHERE user_id = ? AND active = 1
		ORDER BY enrolled_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEnrollments(rows)
}

// WithActiveStreak returns every active enrollment carrying a nonzero
// streak, across all users. Input for streak maintenance.
func (s *EnrollmentStore) WithActiveStreak(ctx context.Context) ([]core.ModuleEnrollment, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_id, module_id, enrolled_at, last_activity_at,
		       current_streak, longest_streak, freeze_available, freeze_used_at, active
		FROM enrollments
		WHERE active = 1 AND current_streak > 0
		ORDER BY user_id, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEnrollments(rows)
}

// GetByID returns one enrollment
func (s *EnrollmentStore) GetByID(ctx context.Context, id string) (*core.ModuleEnrollment, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_id, module_id, enrolled_at, last_activity_at,
		       current_streak, longest_streak, freeze_available, freeze_used_at, active
		FROM enrollments WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list, err := scanEnrollments(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, core.ErrRecordNotFound
	}
	return &list[0], nil
}

// ResetStreak zeroes the current streak after an unprotected lapse
func (s *EnrollmentStore) ResetStreak(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx,
		"UPDATE enrollments SET current_streak = 0 WHERE id = ?", id)
	return err
}

// ConsumeFreeze marks the weekly freeze credit used. The conditional WHERE
// makes a concurrent double-consume lose cleanly: the second writer gets
// ErrStateConflict and treats it as a no-op.
func (s *EnrollmentStore) ConsumeFreeze(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE enrollments SET freeze_available = 0, freeze_used_at = ?
		WHERE id = ? AND freeze_available = 1
	`, usedAt, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: freeze already consumed for enrollment %s", core.ErrStateConflict, id)
	}
	return nil
}

// ResetAllFreezes restores every enrollment's weekly freeze credit.
// Returns the number of enrollments touched.
func (s *EnrollmentStore) ResetAllFreezes(ctx context.Context) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE enrollments SET freeze_available = 1, freeze_used_at = NULL
		WHERE active = 1 AND freeze_available = 0
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordActivity updates last activity and advances the streak. Used by the
// (external) activity APIs; kept here so tests can drive realistic state.
func (s *EnrollmentStore) RecordActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE enrollments SET
		    last_activity_at = ?,
		    current_streak = current_streak + 1,
		    longest_streak = MAX(longest_streak, current_streak + 1)
		WHERE id = ?
	`, at, id)
	return err
}

func scanEnrollments(rows *sql.Rows) ([]core.ModuleEnrollment, error) {
	var list []core.ModuleEnrollment
	for rows.Next() {
		var e core.ModuleEnrollment
		var freezeUsedAt sql.NullTime

		if err := rows.Scan(
			&e.ID, &e.UserID, &e.ModuleID, &e.EnrolledAt, &e.LastActivityAt,
			&e.CurrentStreak, &e.LongestStreak, &e.FreezeAvailable, &freezeUsedAt, &e.Active,
		); err != nil {
			return nil, err
		}
		if freezeUsedAt.Valid {
			t := freezeUsedAt.Time
			e.FreezeUsedAt = &t
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
