package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/storage"
)

// RandomID returns a fresh UUID string
func RandomID() string {
	return uuid.New().String()
}

// UserFixture returns an active user with permissive nudge settings
func UserFixture() core.UserProfile {
	return core.UserProfile{
		ID:              RandomID(),
		Name:            "Test User",
		Timezone:        "UTC",
		Goal:            "sleep better and recover well",
		QuietStartHour:  22,
		QuietEndHour:    7,
		MaxNudgesPerDay: 3,
		MinNudgeSpacing: 3 * time.Hour,
		Active:          true,
	}
}

// ProtocolFixture returns a low-intensity recovery protocol
func ProtocolFixture() core.Protocol {
	return core.Protocol{
		ID:              core.ProtocolID(RandomID()),
		Name:            "Evening wind-down breathing",
		Category:        core.CategoryRecovery,
		DurationMinutes: 10,
	}
}

// EnrollmentFixture returns an active enrollment in the given module
func EnrollmentFixture(userID string, moduleID core.ModuleID) core.ModuleEnrollment {
	now := time.Now().UTC()
	return core.ModuleEnrollment{
		ID:              RandomID(),
		UserID:          userID,
		ModuleID:        moduleID,
		EnrolledAt:      now.AddDate(0, 0, -30),
		LastActivityAt:  now,
		CurrentStreak:   5,
		LongestStreak:   12,
		FreezeAvailable: true,
		Active:          true,
	}
}

// SignalsFixture returns a neutral wearable day for the given date
func SignalsFixture(userID, date string) core.DailySignals {
	return core.DailySignals{
		UserID:        userID,
		Date:          date,
		RecoveryScore: 70,
		HRVDeviation:  0,
		CalendarLoad:  4,
		UpdatedAt:     time.Now().UTC(),
	}
}

// SeedUser writes a user and their day's signals
func SeedUser(t *testing.T, users *storage.UserStore, user core.UserProfile, signals *core.DailySignals) {
	t.Helper()

	ctx := TestContext(t)
	if err := users.CreateProfile(ctx, &user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if signals != nil {
		if err := users.UpsertSignals(ctx, signals); err != nil {
			t.Fatalf("seed signals: %v", err)
		}
	}
}
