// Package core defines the fundamental types for Praxis.
// These types are shared by every job in the decision pipeline.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// PROTOCOL - Immutable reference data describing one coachable practice
// -----------------------------------------------------------------------------

// ProtocolID is a type-safe identifier for protocols
type ProtocolID string

// Category classifies a protocol. It is a closed set: every category has an
// entry in the slot and MVD lookup tables below, so there is no unhandled
// string case at dispatch time.
type Category int

const (
	CategoryFoundation Category = iota
	CategoryMovement
	CategoryRecovery
	CategorySleep
	CategoryNutrition
	CategoryFocus
)

var categoryNames = map[Category]string{
	CategoryFoundation: "foundation",
	CategoryMovement:   "movement",
	CategoryRecovery:   "recovery",
	CategorySleep:      "sleep",
	CategoryNutrition:  "nutrition",
	CategoryFocus:      "focus",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCategory maps a stored category name back to its enum value.
func ParseCategory(s string) (Category, bool) {
	for c, name := range categoryNames {
		if name == s {
			return c, true
		}
	}
	return 0, false
}

// TimeSlot is the coarse time-of-day bucket a protocol is scheduled into.
type TimeSlot string

const (
	SlotMorning TimeSlot = "morning"
	SlotMidday  TimeSlot = "midday"
	SlotEvening TimeSlot = "evening"
)

// slotByCategory is the single source of truth for time bucketing.
var slotByCategory = map[Category]TimeSlot{
	CategoryFoundation: SlotMorning,
	CategoryMovement:   SlotMidday,
	CategoryRecovery:   SlotMidday,
	CategorySleep:      SlotEvening,
	CategoryNutrition:  SlotMidday,
	CategoryFocus:      SlotMidday,
}

// Slot returns the time-of-day bucket for a category.
func (c Category) Slot() TimeSlot {
	if slot, ok := slotByCategory[c]; ok {
		return slot
	}
	return SlotMidday
}

// Protocol is an immutable coaching practice (breathwork, zone-2 session,
// wind-down routine, ...). Loaded from reference data, never mutated here.
type Protocol struct {
	ID              ProtocolID `json:"id"`
	Name            string     `json:"name"`
	Category        Category   `json:"category"`
	DurationMinutes int        `json:"duration_minutes"`

	// MorningAnchor protocols open the user's day and are exempt from
	// several suppression rules.
	MorningAnchor bool `json:"morning_anchor"`

	// HighExertion protocols are incompatible with depleted recovery.
	HighExertion bool `json:"high_exertion"`
}

// -----------------------------------------------------------------------------
// ENROLLMENT - A user's membership in a coaching module
// -----------------------------------------------------------------------------

// ModuleID is a type-safe identifier for coaching modules
type ModuleID string

// ModuleEnrollment ties a user to a module and carries streak state.
// Streak fields are mutated only by streak maintenance and the (external)
// activity APIs.
type ModuleEnrollment struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ModuleID       ModuleID  `json:"module_id"`
	EnrolledAt     time.Time `json:"enrolled_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	CurrentStreak int `json:"current_streak"`
	LongestStreak int `json:"longest_streak"`

	// FreezeAvailable is the weekly one-shot credit that preserves a streak
	// across a single missed day. Reset by the weekly freeze job.
	FreezeAvailable bool       `json:"streak_freeze_available"`
	FreezeUsedAt    *time.Time `json:"streak_freeze_used_at,omitempty"`

	Active bool `json:"active"`
}

// -----------------------------------------------------------------------------
// USER PROFILE & SIGNALS
// -----------------------------------------------------------------------------

// UserProfile holds the per-user preferences the pipeline consults.
type UserProfile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Goal     string `json:"goal"`

	QuietStartHour  int           `json:"quiet_start_hour"` // e.g. 22
	QuietEndHour    int           `json:"quiet_end_hour"`   // e.g. 7
	MaxNudgesPerDay int           `json:"max_nudges_per_day"`
	MinNudgeSpacing time.Duration `json:"min_nudge_spacing"`

	Active bool `json:"active"`
}

// DailySignals is the per-user, per-day row written by the (external)
// wearable and calendar ingestion. This core only reads it.
type DailySignals struct {
	UserID             string    `json:"user_id"`
	Date               string    `json:"date"`           // YYYY-MM-DD in the user's timezone
	RecoveryScore      float64   `json:"recovery_score"` // 0-100
	HRVDeviation       float64   `json:"hrv_deviation"`  // signed % from baseline
	CalendarLoad       float64   `json:"calendar_load"`  // meeting-hours today
	TravelDetected     bool      `json:"travel_detected"`
	SelfReportedStrain float64   `json:"self_reported_strain"` // 0-10, 0 if absent
	UpdatedAt          time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// MEMORY - Learned per-user facts with decaying confidence
// -----------------------------------------------------------------------------

// MemoryType classifies what a memory records
type MemoryType string

const (
	MemoryTypePreference       MemoryType = "preference"
	MemoryTypePattern          MemoryType = "pattern"
	MemoryTypeProtocolRejected MemoryType = "protocol_rejected"
	MemoryTypeProtocolLiked    MemoryType = "protocol_liked"
	MemoryTypeContext          MemoryType = "context"
)

// Memory is a unit of learned context about a user. Created by upstream
// learning; decayed and pruned nightly by this core's maintenance job.
type Memory struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Type       MemoryType `json:"type"`
	Content    string     `json:"content"`
	Confidence float64    `json:"confidence"` // 0-1, decays over time
	ModuleID   ModuleID   `json:"module_id,omitempty"`

	// ProtocolID is set when the memory is about a specific protocol
	// (e.g. a recorded rejection).
	ProtocolID ProtocolID `json:"protocol_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// MVD - Minimum Viable Day degraded-mode state
// -----------------------------------------------------------------------------

// MVDType is the flavor of degraded mode
type MVDType string

const (
	MVDFull       MVDType = "full"
	MVDSemiActive MVDType = "semi_active"
	MVDTravel     MVDType = "travel"
)

// MVDState is the one-per-user degraded-mode record.
// Invariant: at most one active state per user; activation while active is
// a no-op; exit requires prior activation.
type MVDState struct {
	UserID      string     `json:"user_id"`
	Active      bool       `json:"mvd_active"`
	Type        MVDType    `json:"mvd_type,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	Trigger     string     `json:"trigger,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// approvedByMVDType gates which categories remain in scope per mode.
var approvedByMVDType = map[MVDType][]Category{
	MVDFull:       {CategoryFoundation, CategoryRecovery, CategorySleep},
	MVDSemiActive: {CategoryFoundation, CategoryRecovery, CategorySleep, CategoryNutrition},
	MVDTravel:     {CategoryFoundation, CategorySleep, CategoryFocus},
}

// Approves reports whether a category stays in scope under an MVD type.
func (t MVDType) Approves(c Category) bool {
	for _, approved := range approvedByMVDType[t] {
		if approved == c {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// SCHEDULE - The nightly protocol timetable
// -----------------------------------------------------------------------------

// ScheduleStatus tracks a timetable entry through the day
type ScheduleStatus string

const (
	ScheduleStatusPlanned   ScheduleStatus = "planned"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusSkipped   ScheduleStatus = "skipped"
)

// ScheduleEntry is one row of a user's daily timetable. Keyed by
// (user_id, protocol_id, date) so re-running the builder for the same date
// never duplicates entries.
type ScheduleEntry struct {
	UserID        string         `json:"user_id"`
	ProtocolID    ProtocolID     `json:"protocol_id"`
	Date          string         `json:"date"`           // YYYY-MM-DD
	ScheduledTime string         `json:"scheduled_time"` // HH:MM
	Slot          TimeSlot       `json:"slot"`
	Status        ScheduleStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// -----------------------------------------------------------------------------
// NUDGE - The persisted coaching message timeline
// -----------------------------------------------------------------------------

// NudgeKind distinguishes the pipelines that emit nudges
type NudgeKind string

const (
	NudgeKindAdaptive        NudgeKind = "adaptive"
	NudgeKindStreakPreserved NudgeKind = "streak_preserved"
	NudgeKindLapseRecovery   NudgeKind = "lapse_recovery"
)

// NudgeStatus tracks a nudge through delivery
type NudgeStatus string

const (
	NudgeStatusPending   NudgeStatus = "pending"
	NudgeStatusDelivered NudgeStatus = "delivered"
	NudgeStatusDismissed NudgeStatus = "dismissed"
	NudgeStatusCompleted NudgeStatus = "completed"
	NudgeStatusExpired   NudgeStatus = "expired"
)

// NudgeRecord is a delivered-or-pending nudge on the user's timeline.
// Mutated later by client dismissal/completion (external); never deleted
// by this core.
type NudgeRecord struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	ProtocolID ProtocolID  `json:"protocol_id,omitempty"`
	ModuleID   ModuleID    `json:"module_id,omitempty"`
	Kind       NudgeKind   `json:"kind"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	Why        string      `json:"why,omitempty"`
	Status     NudgeStatus `json:"status"`

	// Confidence snapshot from scoring time, zero for streak nudges.
	Confidence float64 `json:"confidence,omitempty"`

	// DedupeKey makes writes idempotent: streak nudges derive it from the
	// enrollment and run date so a re-run never doubles them.
	DedupeKey string `json:"dedupe_key,omitempty"`

	SafetyFlagged bool `json:"safety_flagged,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// -----------------------------------------------------------------------------
// AUDIT - Append-only decision trail
// -----------------------------------------------------------------------------

// Decision names the auditable pipeline outcomes
type Decision string

const (
	DecisionNudgeGenerated     Decision = "nudge_generated"
	DecisionNudgeSuppressed    Decision = "nudge_suppressed"
	DecisionNudgeSafetyFlagged Decision = "nudge_safety_flagged"
	DecisionMVDActivated       Decision = "mvd_activated"
	DecisionMVDExited          Decision = "mvd_exited"
	DecisionStreakPreserved    Decision = "streak_preserved"
	DecisionStreakReset        Decision = "streak_reset"
	DecisionUserSkipped        Decision = "user_skipped"
)

// AuditEntry records one pipeline decision with enough context to
// reconstruct why it was made. Append-only.
type AuditEntry struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Decision  Decision               `json:"decision"`
	Detail    map[string]interface{} `json:"detail"`
	CreatedAt time.Time              `json:"created_at"`
}
