package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/praxishealth/praxis/internal/core"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func TestUserStoreRoundtrip(t *testing.T) {
	db := testDB(t)
	store := NewUserStore(db)
	ctx := context.Background()

	profile := core.UserProfile{
		ID:              "u1",
		Name:            "Ada",
		Timezone:        "Europe/Berlin",
		Goal:            "sleep better",
		QuietStartHour:  22,
		QuietEndHour:    7,
		MaxNudgesPerDay: 3,
		MinNudgeSpacing: 3 * time.Hour,
		Active:          true,
	}
	if err := store.CreateProfile(ctx, &profile); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	got, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.Name != "Ada" || got.Timezone != "Europe/Berlin" {
		t.Errorf("unexpected profile: %+v", got)
	}
	if got.MinNudgeSpacing != 3*time.Hour {
		t.Errorf("spacing = %v, want 3h", got.MinNudgeSpacing)
	}

	active, err := store.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active users = %d, want 1", len(active))
	}
}

func TestUserStoreSignals(t *testing.T) {
	db := testDB(t)
	store := NewUserStore(db)
	ctx := context.Background()

	sig := core.DailySignals{
		UserID:        "u1",
		Date:          "2026-03-10",
		RecoveryScore: 42,
		HRVDeviation:  -12,
		CalendarLoad:  9,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := store.UpsertSignals(ctx, &sig); err != nil {
		t.Fatalf("upsert signals: %v", err)
	}

	// Second write for the same day replaces, not duplicates
	sig.RecoveryScore = 48
	if err := store.UpsertSignals(ctx, &sig); err != nil {
		t.Fatalf("re-upsert signals: %v", err)
	}

	got, err := store.SignalsFor(ctx, "u1", "2026-03-10")
	if err != nil {
		t.Fatalf("signals for: %v", err)
	}
	if got.RecoveryScore != 48 {
		t.Errorf("recovery = %v, want 48", got.RecoveryScore)
	}

	if _, err := store.SignalsFor(ctx, "u1", "2026-03-11"); !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("missing day error = %v, want ErrRecordNotFound", err)
	}
}

func TestProtocolStoreModuleMapping(t *testing.T) {
	db := testDB(t)
	store := NewProtocolStore(db)
	ctx := context.Background()

	p1 := core.Protocol{ID: "p1", Name: "Morning light", Category: core.CategoryFoundation, DurationMinutes: 10, MorningAnchor: true}
	p2 := core.Protocol{ID: "p2", Name: "Zone 2 ride", Category: core.CategoryMovement, DurationMinutes: 45, HighExertion: true}

	for _, p := range []core.Protocol{p1, p2} {
		if err := store.Upsert(ctx, &p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := store.MapModule(ctx, "sleep", "p1"); err != nil {
		t.Fatalf("map module: %v", err)
	}
	// Re-mapping is a no-op
	if err := store.MapModule(ctx, "sleep", "p1"); err != nil {
		t.Fatalf("re-map module: %v", err)
	}

	got, err := store.ListByModule(ctx, "sleep")
	if err != nil {
		t.Fatalf("list by module: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("module protocols = %+v, want [p1]", got)
	}
	if !got[0].MorningAnchor {
		t.Error("morning anchor flag lost")
	}

	byIDs, err := store.GetByIDs(ctx, []core.ProtocolID{"p2", "missing", "p1"})
	if err != nil {
		t.Fatalf("get by ids: %v", err)
	}
	if len(byIDs) != 2 || byIDs[0].ID != "p2" || byIDs[1].ID != "p1" {
		t.Errorf("get by ids order = %+v", byIDs)
	}
}

func TestEnrollmentFreezeConsumedOnce(t *testing.T) {
	db := testDB(t)
	store := NewEnrollmentStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	e := core.ModuleEnrollment{
		ID:              "e1",
		UserID:          "u1",
		ModuleID:        "sleep",
		EnrolledAt:      now,
		LastActivityAt:  now,
		CurrentStreak:   5,
		LongestStreak:   5,
		FreezeAvailable: true,
		Active:          true,
	}
	if err := store.Create(ctx, &e); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.ConsumeFreeze(ctx, "e1", now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := store.ConsumeFreeze(ctx, "e1", now); !errors.Is(err, core.ErrStateConflict) {
		t.Errorf("second consume error = %v, want ErrStateConflict", err)
	}

	got, err := store.GetByID(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FreezeAvailable {
		t.Error("freeze still available after consume")
	}
	if got.FreezeUsedAt == nil {
		t.Error("freeze used timestamp not recorded")
	}

	n, err := store.ResetAllFreezes(ctx)
	if err != nil {
		t.Fatalf("reset freezes: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d freezes, want 1", n)
	}
}

func TestEnrollmentResetStreak(t *testing.T) {
	db := testDB(t)
	store := NewEnrollmentStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	e := core.ModuleEnrollment{
		ID: "e1", UserID: "u1", ModuleID: "sleep",
		EnrolledAt: now, LastActivityAt: now,
		CurrentStreak: 9, LongestStreak: 9, Active: true,
	}
	if err := store.Create(ctx, &e); err != nil {
		t.Fatalf("create: %v", err)
	}

	streaked, err := store.WithActiveStreak(ctx)
	if err != nil {
		t.Fatalf("with active streak: %v", err)
	}
	if len(streaked) != 1 {
		t.Fatalf("streaked = %d, want 1", len(streaked))
	}

	if err := store.ResetStreak(ctx, "e1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := store.GetByID(ctx, "e1")
	if got.CurrentStreak != 0 {
		t.Errorf("streak = %d, want 0", got.CurrentStreak)
	}
	if got.LongestStreak != 9 {
		t.Errorf("longest = %d, want 9 preserved", got.LongestStreak)
	}
}

func TestMVDStoreLifecycle(t *testing.T) {
	db := testDB(t)
	store := NewMVDStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// Unknown users read as normal operation
	state, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Active {
		t.Fatal("fresh user should not be in a degraded state")
	}

	if err := store.Activate(ctx, "u1", core.MVDFull, "recovery 22", now); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := store.Activate(ctx, "u1", core.MVDTravel, "travel", now); !errors.Is(err, core.ErrStateConflict) {
		t.Errorf("double activate error = %v, want ErrStateConflict", err)
	}

	state, _ = store.Get(ctx, "u1")
	if !state.Active || state.Type != core.MVDFull {
		t.Errorf("state = %+v, want active full", state)
	}

	if err := store.Exit(ctx, "u1", now); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := store.Exit(ctx, "u1", now); !errors.Is(err, core.ErrStateConflict) {
		t.Errorf("double exit error = %v, want ErrStateConflict", err)
	}
}

func TestNudgeStoreDedupe(t *testing.T) {
	db := testDB(t)
	store := NewNudgeStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	n := core.NudgeRecord{
		UserID:    "u1",
		ModuleID:  "sleep",
		Kind:      core.NudgeKindStreakPreserved,
		Title:     "Streak preserved",
		Body:      "Your freeze kept the streak alive.",
		Status:    core.NudgeStatusPending,
		DedupeKey: "e1:streak_preserved:2026-03-10",
		CreatedAt: now,
	}
	inserted, err := store.Append(ctx, &n)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !inserted {
		t.Fatal("first append should insert")
	}

	dup := n
	inserted, err = store.Append(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if inserted {
		t.Error("duplicate dedupe key should be ignored")
	}

	// Records without a dedupe key never collide
	a := core.NudgeRecord{UserID: "u1", Kind: core.NudgeKindAdaptive, Status: core.NudgeStatusPending, CreatedAt: now}
	b := core.NudgeRecord{UserID: "u1", Kind: core.NudgeKindAdaptive, Status: core.NudgeStatusPending, CreatedAt: now}
	for _, r := range []*core.NudgeRecord{&a, &b} {
		inserted, err = store.Append(ctx, r)
		if err != nil || !inserted {
			t.Fatalf("keyless append inserted=%v err=%v", inserted, err)
		}
	}
}

func TestNudgeStoreDayStats(t *testing.T) {
	db := testDB(t)
	store := NewNudgeStore(db)
	ctx := context.Background()

	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	first := core.NudgeRecord{UserID: "u1", Kind: core.NudgeKindAdaptive, Status: core.NudgeStatusPending, CreatedAt: dayStart.Add(8 * time.Hour)}
	if _, err := store.Append(ctx, &first); err != nil {
		t.Fatalf("append: %v", err)
	}
	second := core.NudgeRecord{UserID: "u1", Kind: core.NudgeKindAdaptive, Status: core.NudgeStatusPending, CreatedAt: dayStart.Add(12 * time.Hour)}
	if _, err := store.Append(ctx, &second); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Dismiss(ctx, second.ID, dayStart.Add(13*time.Hour)); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	// Yesterday's nudge must not count
	old := core.NudgeRecord{UserID: "u1", Kind: core.NudgeKindAdaptive, Status: core.NudgeStatusPending, CreatedAt: dayStart.Add(-10 * time.Hour)}
	if _, err := store.Append(ctx, &old); err != nil {
		t.Fatalf("append: %v", err)
	}

	stats, err := store.DayStats(ctx, "u1", dayStart, dayEnd)
	if err != nil {
		t.Fatalf("day stats: %v", err)
	}
	if stats.DeliveredToday != 2 {
		t.Errorf("delivered = %d, want 2", stats.DeliveredToday)
	}
	if stats.DismissedToday != 1 {
		t.Errorf("dismissed = %d, want 1", stats.DismissedToday)
	}
	if stats.LastDeliveredAt == nil || !stats.LastDeliveredAt.Equal(dayStart.Add(12*time.Hour)) {
		t.Errorf("last delivered = %v", stats.LastDeliveredAt)
	}

	// A quiet day reports no last delivery rather than an error
	empty, err := store.DayStats(ctx, "u2", dayStart, dayEnd)
	if err != nil {
		t.Fatalf("day stats for quiet day: %v", err)
	}
	if empty.DeliveredToday != 0 || empty.LastDeliveredAt != nil {
		t.Errorf("quiet day stats = %+v", empty)
	}
}

func TestScheduleStoreIdempotentWrites(t *testing.T) {
	db := testDB(t)
	store := NewScheduleStore(db)
	ctx := context.Background()

	entries := []core.ScheduleEntry{
		{UserID: "u1", ProtocolID: "p1", Date: "2026-03-10", ScheduledTime: "07:00", Slot: core.SlotMorning, Status: core.ScheduleStatusPlanned, CreatedAt: time.Now().UTC()},
		{UserID: "u1", ProtocolID: "p2", Date: "2026-03-10", ScheduledTime: "21:00", Slot: core.SlotEvening, Status: core.ScheduleStatusPlanned, CreatedAt: time.Now().UTC()},
	}
	if err := store.UpsertEntries(ctx, entries); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertEntries(ctx, entries); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	count, err := store.CountForDate(ctx, "2026-03-10")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 after rerun", count)
	}

	got, err := store.EntriesFor(ctx, "u1", "2026-03-10")
	if err != nil {
		t.Fatalf("entries for: %v", err)
	}
	if len(got) != 2 || got[0].ScheduledTime != "07:00" {
		t.Errorf("entries = %+v", got)
	}
}

func TestMemoryStoreDecayAndPrune(t *testing.T) {
	db := testDB(t)
	store := NewMemoryStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := core.Memory{
		ID: "m1", UserID: "u1", Type: core.MemoryTypePreference,
		Content: "prefers evening sessions", Confidence: 0.8,
		CreatedAt: now.AddDate(0, 0, -30), UpdatedAt: now.AddDate(0, 0, -30),
	}
	fresh := core.Memory{
		ID: "m2", UserID: "u1", Type: core.MemoryTypePattern,
		Content: "skips workouts on travel days", Confidence: 0.9,
		CreatedAt: now, UpdatedAt: now,
	}
	weak := core.Memory{
		ID: "m3", UserID: "u1", Type: core.MemoryTypeContext,
		Content: "mentioned a deadline once", Confidence: 0.21,
		CreatedAt: now.AddDate(0, 0, -60), UpdatedAt: now.AddDate(0, 0, -60),
	}
	for _, m := range []core.Memory{stale, fresh, weak} {
		if err := store.Insert(ctx, &m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if _, err := store.ApplyDecay(ctx, now, 30); err != nil {
		t.Fatalf("decay: %v", err)
	}

	memories, err := store.Relevant(ctx, "u1", RelevantFilter{}, 10)
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	byID := map[string]float64{}
	for _, m := range memories {
		byID[m.ID] = m.Confidence
	}

	// One half-life elapsed: 0.8 -> ~0.4
	if got := byID["m1"]; got < 0.35 || got > 0.45 {
		t.Errorf("m1 confidence = %v, want ~0.4", got)
	}
	// Fresh memory is untouched
	if got := byID["m2"]; got < 0.89 {
		t.Errorf("m2 confidence = %v, want ~0.9", got)
	}

	removed, err := store.Prune(ctx, "u1", 150, 0.2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	// m3 decayed below the floor over two half-lives
	if removed != 1 {
		t.Errorf("pruned = %d, want 1", removed)
	}

	count, _ := store.Count(ctx, "u1")
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestMemoryStorePruneCap(t *testing.T) {
	db := testDB(t)
	store := NewMemoryStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		m := core.Memory{
			ID:         string(rune('a' + i)),
			UserID:     "u1",
			Type:       core.MemoryTypePattern,
			Content:    "pattern",
			Confidence: 0.5 + float64(i)*0.05,
			CreatedAt:  now, UpdatedAt: now,
		}
		if err := store.Insert(ctx, &m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	removed, err := store.Prune(ctx, "u1", 3, 0.2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("pruned = %d, want 2", removed)
	}

	memories, _ := store.Relevant(ctx, "u1", RelevantFilter{}, 10)
	if len(memories) != 3 {
		t.Fatalf("kept = %d, want 3", len(memories))
	}
	// Highest-confidence rows survive
	if memories[0].Confidence < memories[1].Confidence {
		t.Error("relevant order should be confidence descending")
	}
}
