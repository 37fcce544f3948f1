package storage

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "users and daily signals",
		SQL: `
CREATE TABLE users (
    id                     TEXT PRIMARY KEY,
    name                   TEXT NOT NULL,
    timezone               TEXT NOT NULL DEFAULT 'UTC',
    goal                   TEXT NOT NULL DEFAULT '',
    quiet_start_hour       INTEGER NOT NULL DEFAULT 22,
    quiet_end_hour         INTEGER NOT NULL DEFAULT 7,
    max_nudges_per_day     INTEGER NOT NULL DEFAULT 3,
    min_nudge_spacing_mins INTEGER NOT NULL DEFAULT 180,
    active                 INTEGER NOT NULL DEFAULT 1,
    created_at             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE daily_signals (
    user_id              TEXT NOT NULL,
    date                 TEXT NOT NULL,
    recovery_score       REAL NOT NULL DEFAULT 0,
    hrv_deviation        REAL NOT NULL DEFAULT 0,
    calendar_load        REAL NOT NULL DEFAULT 0,
    travel_detected      INTEGER NOT NULL DEFAULT 0,
    self_reported_strain REAL NOT NULL DEFAULT 0,
    updated_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, date)
);
`,
	},
	{
		Version:     2,
		Description: "protocols and module mapping",
		SQL: `
CREATE TABLE protocols (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    category         TEXT NOT NULL,
    duration_minutes INTEGER NOT NULL DEFAULT 10,
    morning_anchor   INTEGER NOT NULL DEFAULT 0,
    high_exertion    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE module_protocols (
    module_id   TEXT NOT NULL,
    protocol_id TEXT NOT NULL,
    PRIMARY KEY (module_id, protocol_id)
);
`,
	},
	{
		Version:     3,
		Description: "enrollments with streak state",
		SQL: `
CREATE TABLE enrollments (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    module_id        TEXT NOT NULL,
    enrolled_at      TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL,
    current_streak   INTEGER NOT NULL DEFAULT 0,
    longest_streak   INTEGER NOT NULL DEFAULT 0,
    freeze_available INTEGER NOT NULL DEFAULT 1,
    freeze_used_at   TIMESTAMP,
    active           INTEGER NOT NULL DEFAULT 1,
    UNIQUE (user_id, module_id)
);

CREATE INDEX idx_enrollments_user ON enrollments(user_id);
CREATE INDEX idx_enrollments_streak ON enrollments(current_streak) WHERE current_streak > 0;
`,
	},
	{
		Version:     4,
		Description: "mvd state, one row per user",
		SQL: `
CREATE TABLE mvd_states (
    user_id      TEXT PRIMARY KEY,
    active       INTEGER NOT NULL DEFAULT 0,
    mvd_type     TEXT NOT NULL DEFAULT '',
    activated_at TIMESTAMP,
    trigger      TEXT NOT NULL DEFAULT '',
    updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
	},
	{
		Version:     5,
		Description: "memories with decaying confidence",
		SQL: `
CREATE TABLE memories (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    type        TEXT NOT NULL,
    content     TEXT NOT NULL,
    confidence  REAL NOT NULL DEFAULT 0.5,
    module_id   TEXT NOT NULL DEFAULT '',
    protocol_id TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX idx_memories_user_conf ON memories(user_id, confidence DESC);
`,
	},
	{
		Version:     6,
		Description: "nudge timeline, append-only from the pipeline side",
		SQL: `
CREATE TABLE nudges (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    protocol_id    TEXT NOT NULL DEFAULT '',
    module_id      TEXT NOT NULL DEFAULT '',
    kind           TEXT NOT NULL,
    title          TEXT NOT NULL,
    body           TEXT NOT NULL,
    why            TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    confidence     REAL NOT NULL DEFAULT 0,
    dedupe_key     TEXT NOT NULL DEFAULT '',
    safety_flagged INTEGER NOT NULL DEFAULT 0,
    created_at     TIMESTAMP NOT NULL,
    delivered_at   TIMESTAMP,
    dismissed_at   TIMESTAMP,
    completed_at   TIMESTAMP
);

CREATE INDEX idx_nudges_user_created ON nudges(user_id, created_at);
CREATE UNIQUE INDEX idx_nudges_dedupe ON nudges(dedupe_key) WHERE dedupe_key != '';
`,
	},
	{
		Version:     7,
		Description: "daily schedule, keyed by (user, protocol, date)",
		SQL: `
CREATE TABLE daily_schedule (
    user_id        TEXT NOT NULL,
    protocol_id    TEXT NOT NULL,
    date           TEXT NOT NULL,
    scheduled_time TEXT NOT NULL,
    slot           TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'planned',
    created_at     TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, protocol_id, date)
);
`,
	},
	{
		Version:     8,
		Description: "append-only audit log",
		SQL: `
CREATE TABLE audit_log (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    decision   TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX idx_audit_user_created ON audit_log(user_id, created_at);
CREATE INDEX idx_audit_decision ON audit_log(decision);
`,
	},
}

// Migrate runs all pending migrations
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	err = db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		if err := db.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	return nil
}

func (db *DB) applyMigration(m migration) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.SQL); err != nil {
			return err
		}

		_, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		)
		return err
	})
}
