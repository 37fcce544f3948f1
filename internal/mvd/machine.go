// Package mvd implements the Minimum Viable Day state machine: the
// per-user degraded mode that narrows protocol and nudge scope when a
// user shows overload signals.
package mvd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/praxishealth/praxis/internal/audit"
	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/storage"
)

// Detector decides whether today's signals warrant entering MVD, and which
// flavor. Pluggable: threshold tuning is product-owned and changes without
// touching the machine.
type Detector interface {
	Detect(signals core.DailySignals) (core.MVDType, string, bool)
}

// ThresholdDetector is the default detector
type ThresholdDetector struct {
	FullRecovery     float64 // below: full MVD
	SemiRecovery     float64 // below, with heavy calendar: semi_active
	SemiCalendarLoad float64 // meeting-hours that count as heavy
	SemiStrainMin    float64 // self-reported strain that alone triggers semi
}

// Detect applies the thresholds in precedence order: travel beats recovery
// flavors because it changes what is physically available, not how much
// capacity the user has.
func (d ThresholdDetector) Detect(sig core.DailySignals) (core.MVDType, string, bool) {
	if sig.TravelDetected {
		return core.MVDTravel, "travel detected", true
	}
	if sig.RecoveryScore > 0 && sig.RecoveryScore < d.FullRecovery {
		return core.MVDFull, fmt.Sprintf("recovery %.0f below %.0f", sig.RecoveryScore, d.FullRecovery), true
	}
	if sig.RecoveryScore > 0 && sig.RecoveryScore < d.SemiRecovery && sig.CalendarLoad >= d.SemiCalendarLoad {
		return core.MVDSemiActive, fmt.Sprintf("recovery %.0f with %.1fh of meetings", sig.RecoveryScore, sig.CalendarLoad), true
	}
	if sig.SelfReportedStrain >= d.SemiStrainMin && d.SemiStrainMin > 0 {
		return core.MVDSemiActive, fmt.Sprintf("self-reported strain %.0f", sig.SelfReportedStrain), true
	}
	return "", "", false
}

// Machine drives per-user MVD transitions
type Machine struct {
	store    *storage.MVDStore
	sink     audit.Sink
	detector Detector

	exitRecovery float64
}

// Config for the machine
type Config struct {
	ExitRecovery float64 // recovery at or above this exits an active state
	Detector     Detector
}

// NewMachine creates an MVD machine
func NewMachine(store *storage.MVDStore, sink audit.Sink, cfg Config) *Machine {
	if cfg.ExitRecovery <= 0 {
		cfg.ExitRecovery = 67
	}
	if cfg.Detector == nil {
		cfg.Detector = ThresholdDetector{
			FullRecovery:     30,
			SemiRecovery:     45,
			SemiCalendarLoad: 8,
			SemiStrainMin:    8,
		}
	}

	return &Machine{
		store:        store,
		sink:         sink,
		detector:     cfg.Detector,
		exitRecovery: cfg.ExitRecovery,
	}
}

// Evaluate runs one cycle for one user: exit check first, then activation
// only if not active. Returns the resulting state.
//
// Idempotency: a repeat activation while already active never reaches the
// store (the active check short-circuits), and a lost conditional write is
// swallowed as a no-op, so neither path doubles the audit event or moves
// activated_at.
func (m *Machine) Evaluate(ctx context.Context, userID string, signals core.DailySignals, now time.Time) (*core.MVDState, error) {
	state, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if state.Active {
		if signals.RecoveryScore >= m.exitRecovery {
			if err := m.store.Exit(ctx, userID, now); err != nil {
				if errors.Is(err, core.ErrStateConflict) {
					return m.store.Get(ctx, userID)
				}
				return nil, err
			}

			audit.Record(ctx, m.sink, userID, core.DecisionMVDExited, map[string]interface{}{
				"previous_type": string(state.Type),
				"recovery":      signals.RecoveryScore,
				"active_since":  state.ActivatedAt,
			})
			return m.store.Get(ctx, userID)
		}

		// Still in MVD; nothing to do
		return state, nil
	}

	mvdType, trigger, activate := m.detector.Detect(signals)
	if !activate {
		return state, nil
	}

	if err := m.store.Activate(ctx, userID, mvdType, trigger, now); err != nil {
		if errors.Is(err, core.ErrStateConflict) {
			// Another run won the race; their audit event stands
			return m.store.Get(ctx, userID)
		}
		return nil, err
	}

	audit.Record(ctx, m.sink, userID, core.DecisionMVDActivated, map[string]interface{}{
		"mvd_type": string(mvdType),
		"trigger":  trigger,
		"recovery": signals.RecoveryScore,
	})

	return m.store.Get(ctx, userID)
}
