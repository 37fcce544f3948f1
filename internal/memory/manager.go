// Package memory implements the learned-context layer the pipeline reads.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/logging"
	"github.com/praxishealth/praxis/internal/storage"
)

// Manager handles memory retrieval and nightly maintenance
type Manager struct {
	store *storage.MemoryStore

	halfLifeDays    float64
	capPerUser      int
	confidenceFloor float64
}

// Config tunes maintenance
type Config struct {
	HalfLifeDays    float64 // confidence half-life without reinforcement
	CapPerUser      int     // hard per-user memory budget
	ConfidenceFloor float64 // rows below this are pruned
}

// NewManager creates a memory manager
func NewManager(store *storage.MemoryStore, cfg Config) *Manager {
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = 30
	}
	if cfg.CapPerUser <= 0 {
		cfg.CapPerUser = 150
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.2
	}

	return &Manager{
		store:           store,
		halfLifeDays:    cfg.HalfLifeDays,
		capPerUser:      cfg.CapPerUser,
		confidenceFloor: cfg.ConfidenceFloor,
	}
}

// Filter narrows a retrieval
type Filter struct {
	ModuleID      core.ModuleID
	MinConfidence float64
}

// GetRelevantMemories returns a user's strongest memories for the given
// filter, ranked by confidence.
func (m *Manager) GetRelevantMemories(ctx context.Context, userID string, filter Filter, limit int) ([]core.Memory, error) {
	memories, err := m.store.Relevant(ctx, userID, storage.RelevantFilter{
		ModuleID:      filter.ModuleID,
		MinConfidence: filter.MinConfidence,
	}, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRetrievalFailed, err)
	}
	return memories, nil
}

// ApplyMemoryDecay decays every memory's confidence for time elapsed since
// its last update. Returns the number of rows decayed.
func (m *Manager) ApplyMemoryDecay(ctx context.Context, now time.Time) (int, error) {
	return m.store.ApplyDecay(ctx, now, m.halfLifeDays)
}

// PruneMemories enforces one user's cap and confidence floor
func (m *Manager) PruneMemories(ctx context.Context, userID string) (int, error) {
	return m.store.Prune(ctx, userID, m.capPerUser, m.confidenceFloor)
}

// RunMaintenance is the nightly pair: global decay, then per-user prune.
// It runs at the start of the cycle so every retrieval in the same run
// sees decayed and pruned state.
func (m *Manager) RunMaintenance(ctx context.Context, now time.Time) error {
	decayed, err := m.ApplyMemoryDecay(ctx, now)
	if err != nil {
		return fmt.Errorf("memory decay failed: %w", err)
	}

	userIDs, err := m.store.UserIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing memory users failed: %w", err)
	}

	pruned := 0
	for _, userID := range userIDs {
		n, err := m.PruneMemories(ctx, userID)
		if err != nil {
			// Prune is budget enforcement, not correctness; one user's
			// failure must not block the rest of the cycle.
			logging.WithField("user", userID).Warn("memory prune failed: %v", err)
			continue
		}
		pruned += n
	}

	logging.WithFields(map[string]interface{}{
		"decayed": decayed,
		"pruned":  pruned,
	}).Info("memory maintenance complete")

	return nil
}
