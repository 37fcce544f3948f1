// Package streaks maintains enrollment streaks: preserving them with
// freeze credits, resetting them after lapses, and replenishing the
// weekly freeze allowance.
package streaks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/praxishealth/praxis/internal/audit"
	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/logging"
	"github.com/praxishealth/praxis/internal/storage"
)

// Maintainer is the nightly streak job plus the weekly freeze reset
type Maintainer struct {
	enrollments *storage.EnrollmentStore
	nudges      *storage.NudgeStore
	sink        audit.Sink
}

// NewMaintainer creates the streak maintenance job
func NewMaintainer(enrollments *storage.EnrollmentStore, nudges *storage.NudgeStore, sink audit.Sink) *Maintainer {
	return &Maintainer{enrollments: enrollments, nudges: nudges, sink: sink}
}

// Run walks every enrollment with a live streak and settles yesterday's
// outcome. A one-day gap is current behavior and needs nothing; a longer
// gap consumes the freeze credit if one is available, otherwise the streak
// resets. Re-running for the same date is a no-op: the generated nudges
// dedupe on (enrollment, date) and freeze consumption is guarded in the
// store.
func (m *Maintainer) Run(ctx context.Context, runAt time.Time) error {
	log := logging.WithField("job", "streak_maintenance")

	enrollments, err := m.enrollments.WithActiveStreak(ctx)
	if err != nil {
		return fmt.Errorf("listing streaked enrollments: %w", err)
	}

	var preserved, reset int
	for _, e := range enrollments {
		outcome, err := m.settle(ctx, e, runAt)
		if err != nil {
			logging.WithFields(map[string]interface{}{
				"job":        "streak_maintenance",
				"enrollment": e.ID,
			}).Warn("enrollment skipped: %v", err)
			continue
		}
		switch outcome {
		case outcomePreserved:
			preserved++
		case outcomeReset:
			reset++
		}
	}

	log.Info("run complete: %d checked, %d preserved, %d reset", len(enrollments), preserved, reset)
	return nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomePreserved
	outcomeReset
)

func (m *Maintainer) settle(ctx context.Context, e core.ModuleEnrollment, runAt time.Time) (outcome, error) {
	gap := daysBetween(e.LastActivityAt, runAt)
	if gap <= 1 {
		return outcomeNone, nil
	}

	// A freeze consumed since the last activity means this lapse is already
	// settled; without this check a rerun would burn through to a reset.
	if !e.FreezeAvailable && e.FreezeUsedAt != nil && e.FreezeUsedAt.After(e.LastActivityAt) {
		return outcomeNone, nil
	}

	if e.FreezeAvailable {
		err := m.enrollments.ConsumeFreeze(ctx, e.ID, runAt)
		if errors.Is(err, core.ErrStateConflict) {
			// Another run already consumed it for this lapse
			return outcomeNone, nil
		}
		if err != nil {
			return outcomeNone, fmt.Errorf("consuming freeze: %w", err)
		}
		return outcomePreserved, m.recordPreserved(ctx, e, runAt)
	}

	if err := m.enrollments.ResetStreak(ctx, e.ID); err != nil {
		return outcomeNone, fmt.Errorf("resetting streak: %w", err)
	}
	return outcomeReset, m.recordReset(ctx, e, runAt)
}

func (m *Maintainer) recordPreserved(ctx context.Context, e core.ModuleEnrollment, runAt time.Time) error {
	record := &core.NudgeRecord{
		UserID:     e.UserID,
		ModuleID:   e.ModuleID,
		Kind:       core.NudgeKindStreakPreserved,
		Title:      "Streak preserved",
		Body:       fmt.Sprintf("You missed a day, but your freeze kept your %d-day streak alive. It resets next week.", e.CurrentStreak),
		Why:        "streak freeze consumed after a missed day",
		Status:     core.NudgeStatusPending,
		DedupeKey:  dedupeKey(e.ID, "streak_preserved", runAt),
		CreatedAt:  runAt.UTC(),
		Confidence: 1,
	}
	if _, err := m.nudges.Append(ctx, record); err != nil {
		return fmt.Errorf("persisting streak nudge: %w", err)
	}

	audit.Record(ctx, m.sink, e.UserID, core.DecisionStreakPreserved, map[string]interface{}{
		"enrollment_id": e.ID,
		"module_id":     string(e.ModuleID),
		"streak":        e.CurrentStreak,
	})
	return nil
}

func (m *Maintainer) recordReset(ctx context.Context, e core.ModuleEnrollment, runAt time.Time) error {
	record := &core.NudgeRecord{
		UserID:     e.UserID,
		ModuleID:   e.ModuleID,
		Kind:       core.NudgeKindLapseRecovery,
		Title:      "Fresh start",
		Body:       "Your streak reset, and that is fine. The smallest version of your practice today starts the next one.",
		Why:        "streak reset after a lapse with no freeze available",
		Status:     core.NudgeStatusPending,
		DedupeKey:  dedupeKey(e.ID, "streak_reset", runAt),
		CreatedAt:  runAt.UTC(),
		Confidence: 1,
	}
	if _, err := m.nudges.Append(ctx, record); err != nil {
		return fmt.Errorf("persisting lapse nudge: %w", err)
	}

	audit.Record(ctx, m.sink, e.UserID, core.DecisionStreakReset, map[string]interface{}{
		"enrollment_id": e.ID,
		"module_id":     string(e.ModuleID),
		"lost_streak":   e.CurrentStreak,
	})
	return nil
}

// ResetFreezes replenishes every enrollment's weekly freeze credit
func (m *Maintainer) ResetFreezes(ctx context.Context) error {
	n, err := m.enrollments.ResetAllFreezes(ctx)
	if err != nil {
		return fmt.Errorf("resetting freezes: %w", err)
	}
	logging.WithField("job", "freeze_reset").Info("replenished %d freeze credits", n)
	return nil
}

// dedupeKey makes a rerun of the same date write nothing new
func dedupeKey(enrollmentID, kind string, runAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s", enrollmentID, kind, runAt.Format("2006-01-02"))
}

// daysBetween counts whole calendar days from a to b in UTC
func daysBetween(a, b time.Time) int {
	au := a.UTC()
	bu := b.UTC()
	aDay := time.Date(au.Year(), au.Month(), au.Day(), 0, 0, 0, 0, time.UTC)
	bDay := time.Date(bu.Year(), bu.Month(), bu.Day(), 0, 0, 0, 0, time.UTC)
	return int(bDay.Sub(aDay) / (24 * time.Hour))
}
