package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/praxishealth/praxis/internal/core"
)

// ProtocolStore handles protocol reference data
type ProtocolStore struct {
	db *DB
}

// NewProtocolStore creates a new protocol store
func NewProtocolStore(db *DB) *ProtocolStore {
	return &ProtocolStore{db: db}
}

// Upsert writes a protocol row. Reference data is loaded at setup time.
func (s *ProtocolStore) Upsert(ctx context.Context, p *core.Protocol) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO protocols (
		    id, name, category, duration_minutes, morning_anchor, high_exertion
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Name, p.Category.String(), p.DurationMinutes, p.MorningAnchor, p.HighExertion,
	)
	return err
}

// MapModule associates a protocol with a coaching module
func (s *ProtocolStore) MapModule(ctx context.Context, moduleID core.ModuleID, protocolID core.ProtocolID) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO module_protocols (module_id, protocol_id) VALUES (?, ?)
	`, moduleID, protocolID)
	return err
}

// GetByID returns a protocol by ID
func (s *ProtocolStore) GetByID(ctx context.Context, id core.ProtocolID) (*core.Protocol, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, name, category, duration_minutes, morning_anchor, high_exertion
		FROM protocols WHERE id = ?
	`, id)

	p, err := scanProtocol(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	return p, err
}

// ListByModule returns the protocols mapped to a module
func (s *ProtocolStore) ListByModule(ctx context.Context, moduleID core.ModuleID) ([]core.Protocol, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT p.id, p.name, p.category, p.duration_minutes, p.morning_anchor, p.high_exertion
		FROM protocols p
		JOIN module_protocols mp ON mp.protocol_id = p.id
		WHERE mp.module_id = ?
		ORDER BY p.id
	`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var protocols []core.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		protocols = append(protocols, *p)
	}

	return protocols, rows.Err()
}

// GetByIDs loads protocols in bulk, preserving input order and skipping
// unknown IDs.
func (s *ProtocolStore) GetByIDs(ctx context.Context, ids []core.ProtocolID) ([]core.Protocol, error) {
	protocols := make([]core.Protocol, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetByID(ctx, id)
		if err == core.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		protocols = append(protocols, *p)
	}
	return protocols, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProtocol(row rowScanner) (*core.Protocol, error) {
	p := &core.Protocol{}
	var category string

	err := row.Scan(&p.ID, &p.Name, &category, &p.DurationMinutes, &p.MorningAnchor, &p.HighExertion)
	if err != nil {
		return nil, err
	}

	c, ok := core.ParseCategory(category)
	if !ok {
		return nil, fmt.Errorf("%w: protocol %s has unknown category %q", core.ErrDataIntegrity, p.ID, category)
	}
	p.Category = c

	return p, nil
}
