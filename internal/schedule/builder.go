// Package schedule builds each user's next-day protocol timetable.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/praxishealth/praxis/internal/config"
	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/logging"
	"github.com/praxishealth/praxis/internal/storage"
)

// Default anchor times per slot. Morning-anchored protocols land earlier
// than the rest of the morning block.
var slotTimes = map[core.TimeSlot]string{
	core.SlotMorning: "07:00",
	core.SlotMidday:  "12:30",
	core.SlotEvening: "21:00",
}

const morningAnchorTime = "06:30"

// Builder assembles tomorrow's timetable for every active user. Re-running
// for the same date is a no-op: rows key on (user, protocol, date) and the
// write ignores existing entries.
type Builder struct {
	users       *storage.UserStore
	enrollments *storage.EnrollmentStore
	protocols   *storage.ProtocolStore
	mvd         *storage.MVDStore
	schedules   *storage.ScheduleStore
	cfg         config.PipelineConfig
}

// NewBuilder creates the nightly schedule job
func NewBuilder(
	users *storage.UserStore,
	enrollments *storage.EnrollmentStore,
	protocols *storage.ProtocolStore,
	mvd *storage.MVDStore,
	schedules *storage.ScheduleStore,
	cfg config.PipelineConfig,
) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	return &Builder{
		users:       users,
		enrollments: enrollments,
		protocols:   protocols,
		mvd:         mvd,
		schedules:   schedules,
		cfg:         cfg,
	}
}

// Run builds the timetable for the day after runAt. Per-user failures are
// logged and skipped; the batch never aborts on one user.
func (b *Builder) Run(ctx context.Context, runAt time.Time) error {
	date := runAt.AddDate(0, 0, 1).Format("2006-01-02")
	log := logging.WithField("job", "daily_schedules")
	log.Info("building timetables for %s", date)

	users, err := b.users.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing active users: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for _, user := range users {
		user := user
		g.Go(func() error {
			if err := b.BuildForUser(gctx, user.ID, date, runAt); err != nil {
				logging.WithFields(map[string]interface{}{
					"job":  "daily_schedules",
					"user": user.ID,
				}).Warn("user skipped: %v", err)
			}
			return nil
		})
	}

	g.Wait()
	log.Info("run complete (%d users)", len(users))
	return nil
}

// BuildForUser writes one user's timetable for the given date
func (b *Builder) BuildForUser(ctx context.Context, userID, date string, runAt time.Time) error {
	enrollments, err := b.enrollments.ActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return nil
	}

	protocols, err := b.collectProtocols(ctx, enrollments)
	if err != nil {
		return err
	}

	state, err := b.mvd.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading reduced-scope state: %w", err)
	}

	writer := b.schedules.NewBatchWriter()
	for _, p := range protocols {
		if state.Active && !state.Type.Approves(p.Category) {
			continue
		}

		scheduledTime := slotTimes[p.Category.Slot()]
		if p.MorningAnchor {
			scheduledTime = morningAnchorTime
		}

		entry := core.ScheduleEntry{
			UserID:        userID,
			ProtocolID:    p.ID,
			Date:          date,
			ScheduledTime: scheduledTime,
			Slot:          p.Category.Slot(),
			Status:        core.ScheduleStatusPlanned,
			CreatedAt:     runAt.UTC(),
		}
		if err := writer.Add(ctx, entry); err != nil {
			return fmt.Errorf("writing timetable: %w", err)
		}
	}

	return writer.Flush(ctx)
}

// collectProtocols unions the protocols of every active enrollment,
// de-duplicated by ID, in a stable time order.
func (b *Builder) collectProtocols(ctx context.Context, enrollments []core.ModuleEnrollment) ([]core.Protocol, error) {
	seen := make(map[core.ProtocolID]bool)
	var out []core.Protocol

	for _, e := range enrollments {
		protocols, err := b.protocols.ListByModule(ctx, e.ModuleID)
		if err != nil {
			return nil, fmt.Errorf("listing protocols for %s: %w", e.ModuleID, err)
		}
		for _, p := range protocols {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := slotTimes[out[i].Category.Slot()], slotTimes[out[j].Category.Slot()]
		if out[i].MorningAnchor {
			ti = morningAnchorTime
		}
		if out[j].MorningAnchor {
			tj = morningAnchorTime
		}
		if ti != tj {
			return ti < tj
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}
