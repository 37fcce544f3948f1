package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/praxishealth/praxis/internal/core"
)

// UserStore handles user profiles and daily signal reads
type UserStore struct {
	db *DB
}

// NewUserStore creates a new user store
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// CreateProfile inserts or replaces a user profile
func (s *UserStore) CreateProfile(ctx context.Context, p *core.UserProfile) error {
	now := time.Now().UTC()

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO users (
		    id, name, timezone, goal, quiet_start_hour, quiet_end_hour,
		    max_nudges_per_day, min_nudge_spacing_mins, active,
		    created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Name, p.Timezone, p.Goal, p.QuietStartHour, p.QuietEndHour,
		p.MaxNudgesPerDay, int(p.MinNudgeSpacing.Minutes()), p.Active,
		now, now,
	)
	return err
}

// GetProfile returns a user profile by ID
func (s *UserStore) GetProfile(ctx context.Context, id string) (*core.UserProfile, error) {
	p := &core.UserProfile{}
	var spacingMins int

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT id, name, timezone, goal, quiet_start_hour, quiet_end_hour,
		       max_nudges_per_day, min_nudge_spacing_mins, active
		FROM users WHERE id = ?
	`, id).Scan(
		&p.ID, &p.Name, &p.Timezone, &p.Goal, &p.QuietStartHour, &p.QuietEndHour,
		&p.MaxNudgesPerDay, &spacingMins, &p.Active,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	p.MinNudgeSpacing = time.Duration(spacingMins) * time.Minute
	return p, nil
}

// ActiveUsers returns every active user profile, ordered by ID for
// deterministic batch traversal.
func (s *UserStore) ActiveUsers(ctx context.Context) ([]core.UserProfile, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, name, timezone, goal, quiet_start_hour, quiet_end_hour,
		       max_nudges_per_day, min_nudge_spacing_mins, active
		FROM users WHERE active = 1
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []core.UserProfile
	for rows.Next() {
		var p core.UserProfile
		var spacingMins int
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Timezone, &p.Goal, &p.QuietStartHour, &p.QuietEndHour,
			&p.MaxNudgesPerDay, &spacingMins, &p.Active,
		); err != nil {
			return nil, err
		}
		p.MinNudgeSpacing = time.Duration(spacingMins) * time.Minute
		users = append(users, p)
	}

	return users, rows.Err()
}

// UpsertSignals writes a user's daily signal row. Called by ingestion
// (external in production, directly in tests).
func (s *UserStore) UpsertSignals(ctx context.Context, sig *core.DailySignals) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_signals (
		    user_id, date, recovery_score, hrv_deviation, calendar_load,
		    travel_detected, self_reported_strain, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sig.UserID, sig.Date, sig.RecoveryScore, sig.HRVDeviation, sig.CalendarLoad,
		sig.TravelDetected, sig.SelfReportedStrain, time.Now().UTC(),
	)
	return err
}

// SignalsFor returns a user's signals for one date. Missing rows are not an
// error: the pipeline treats an absent row as a neutral day.
func (s *UserStore) SignalsFor(ctx context.Context, userID, date string) (*core.DailySignals, error) {
	sig := &core.DailySignals{}

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT user_id, date, recovery_score, hrv_deviation, calendar_load,
		       travel_detected, self_reported_strain, updated_at
		FROM daily_signals WHERE user_id = ? AND date = ?
	`, userID, date).Scan(
		&sig.UserID, &sig.Date, &sig.RecoveryScore, &sig.HRVDeviation, &sig.CalendarLoad,
		&sig.TravelDetected, &sig.SelfReportedStrain, &sig.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	return sig, nil
}
