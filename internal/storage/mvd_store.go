package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/praxishealth/praxis/internal/core"
)

// MVDStore persists the one-per-user Minimum Viable Day state.
// Both transitions are conditional writes: a lost race surfaces as
// core.ErrStateConflict and the caller treats it as a no-op, so the
// at-most-one-active invariant holds without a table lock.
type MVDStore struct {
	db *DB
}

// NewMVDStore creates a new MVD store
func NewMVDStore(db *DB) *MVDStore {
	return &MVDStore{db: db}
}

// Get returns the user's MVD state. Users with no row yet are Normal.
func (s *MVDStore) Get(ctx context.Context, userID string) (*core.MVDState, error) {
	st := &core.MVDState{UserID: userID}
	var mvdType string
	var activatedAt sql.NullTime

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT user_id, active, mvd_type, activated_at, trigger, updated_at
		FROM mvd_states WHERE user_id = ?
	`, userID).Scan(&st.UserID, &st.Active, &mvdType, &activatedAt, &st.Trigger, &st.UpdatedAt)

	if err == sql.ErrNoRows {
		return &core.MVDState{UserID: userID, Active: false}, nil
	}
	if err != nil {
		return nil, err
	}

	st.Type = core.MVDType(mvdType)
	if activatedAt.Valid {
		t := activatedAt.Time
		st.ActivatedAt = &t
	}
	return st, nil
}

// Activate transitions the user into MVD. Re-entrant activation is a no-op:
// the UPDATE only matches an inactive row, so a second activation returns
// ErrStateConflict and leaves activated_at untouched.
func (s *MVDStore) Activate(ctx context.Context, userID string, mvdType core.MVDType, trigger string, at time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO mvd_states (user_id, active, mvd_type, trigger, updated_at)
		VALUES (?, 0, '', '', ?)
	`, userID, at)
	if err != nil {
		return err
	}

	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE mvd_states
		SET active = 1, mvd_type = ?, activated_at = ?, trigger = ?, updated_at = ?
		WHERE user_id = ? AND active = 0
	`, string(mvdType), at, trigger, at, userID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: mvd already active for user %s", core.ErrStateConflict, userID)
	}
	return nil
}

// Exit clears an active MVD state. Exiting while Normal returns
// ErrStateConflict; there was nothing to exit.
func (s *MVDStore) Exit(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE mvd_states
		SET active = 0, mvd_type = '', activated_at = NULL, trigger = '', updated_at = ?
		WHERE user_id = ? AND active = 1
	`, at, userID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no active mvd state for user %s", core.ErrStateConflict, userID)
	}
	return nil
}
