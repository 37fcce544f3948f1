package suppression

import (
	"testing"
	"time"

	"github.com/praxishealth/praxis/internal/core"
)

// deliverable is a context no rule matches
func deliverable() Context {
	return Context{
		Now:                  time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		QuietStartHour:       22,
		QuietEndHour:         7,
		DailyCap:             3,
		MinSpacing:           3 * time.Hour,
		RecoveryScore:        70,
		Protocol:             core.Protocol{ID: "p1", Category: core.CategoryRecovery},
		Confidence:           0.8,
		LowRecoveryThreshold: 34,
		DismissalFatigueMax:  2,
		ConfidenceFloor:      0.4,
	}
}

func TestEvaluateDeliversWhenNothingMatches(t *testing.T) {
	result := Evaluate(deliverable())
	if !result.ShouldDeliver {
		t.Fatalf("expected delivery, suppressed by %s: %s", result.SuppressedBy, result.Reason)
	}
	if result.SuppressedBy != "" || result.Reason != "" {
		t.Errorf("delivery verdict should carry no rule, got %+v", result)
	}
}

func TestEvaluateEveryOutcomeIsTotal(t *testing.T) {
	// Every verdict either delivers or names the rule that stopped it
	contexts := []Context{
		deliverable(),
		{}, // zero context
		func() Context { c := deliverable(); c.Now = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC); return c }(),
		func() Context { c := deliverable(); c.Confidence = 0; return c }(),
	}

	for i, ctx := range contexts {
		result := Evaluate(ctx)
		if !result.ShouldDeliver && result.SuppressedBy == "" {
			t.Errorf("context %d: suppressed without a rule", i)
		}
		if !result.ShouldDeliver && result.Reason == "" {
			t.Errorf("context %d: suppressed without a reason", i)
		}
	}
}

func TestRuleOrderIsStable(t *testing.T) {
	want := []RuleID{
		RuleQuietHours, RuleDailyCap, RuleMinSpacing, RuleDismissalFatigue,
		RuleLowRecovery, RuleMVDGate, RuleConfidenceFloor,
	}

	got := Rules()
	if len(got) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rule %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	// Within quiet hours AND over the daily cap: quiet hours is reported
	ctx := deliverable()
	ctx.Now = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	ctx.DeliveredToday = 5

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleQuietHours {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleQuietHours)
	}
}

func TestQuietHoursSpanMidnight(t *testing.T) {
	cases := []struct {
		hour     int
		suppress bool
	}{
		{23, true},
		{2, true},
		{6, true},
		{7, false},
		{12, false},
		{21, false},
		{22, true},
	}

	for _, tc := range cases {
		ctx := deliverable()
		ctx.Now = time.Date(2026, 3, 10, tc.hour, 0, 0, 0, time.UTC)

		result := Evaluate(ctx)
		suppressed := !result.ShouldDeliver && result.SuppressedBy == RuleQuietHours
		if suppressed != tc.suppress {
			t.Errorf("hour %d: quiet-hours suppression = %v, want %v", tc.hour, suppressed, tc.suppress)
		}
	}
}

func TestDailyCap(t *testing.T) {
	ctx := deliverable()
	ctx.DeliveredToday = 3

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleDailyCap {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleDailyCap)
	}

	ctx.DeliveredToday = 2
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("under the cap should deliver")
	}
}

func TestMinSpacing(t *testing.T) {
	ctx := deliverable()
	last := ctx.Now.Add(-time.Hour)
	ctx.LastDeliveredAt = &last

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleMinSpacing {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleMinSpacing)
	}

	last = ctx.Now.Add(-4 * time.Hour)
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("enough spacing should deliver")
	}
}

func TestDismissalFatigue(t *testing.T) {
	ctx := deliverable()
	ctx.DismissedToday = 2

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleDismissalFatigue {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleDismissalFatigue)
	}

	// Critical nudges ignore fatigue
	ctx.Critical = true
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("critical nudge should bypass dismissal fatigue")
	}
}

func TestLowRecoveryGuard(t *testing.T) {
	ctx := deliverable()
	ctx.RecoveryScore = 30

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleLowRecovery {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleLowRecovery)
	}

	// MVD-approved candidates survive a depleted day
	ctx.MVDActive = true
	ctx.MVDType = core.MVDFull
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("MVD-approved recovery work should deliver during low recovery")
	}
}

func TestLowRecoveryRunsBeforeMVDGate(t *testing.T) {
	// Low recovery plus an MVD-excluded category: the guard reports first
	ctx := deliverable()
	ctx.RecoveryScore = 30
	ctx.MVDActive = true
	ctx.MVDType = core.MVDFull
	ctx.Protocol.Category = core.CategoryMovement

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleLowRecovery {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleLowRecovery)
	}
}

func TestMVDGate(t *testing.T) {
	ctx := deliverable()
	ctx.MVDActive = true
	ctx.MVDType = core.MVDTravel
	ctx.Protocol.Category = core.CategoryMovement

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleMVDGate {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleMVDGate)
	}

	ctx.Protocol.Category = core.CategoryFocus // travel keeps focus work
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("travel-approved category should deliver")
	}
}

func TestConfidenceFloor(t *testing.T) {
	ctx := deliverable()
	ctx.Confidence = 0.39

	result := Evaluate(ctx)
	if result.SuppressedBy != RuleConfidenceFloor {
		t.Errorf("suppressed by %s, want %s", result.SuppressedBy, RuleConfidenceFloor)
	}

	ctx.Confidence = 0.4
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("confidence at the floor should deliver")
	}
}

func TestMorningAnchorExemptions(t *testing.T) {
	ctx := deliverable()
	ctx.Protocol.MorningAnchor = true
	ctx.Protocol.Category = core.CategoryFoundation

	// Quiet hours
	ctx.Now = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("morning anchor should bypass quiet hours")
	}

	// Daily cap
	ctx = deliverable()
	ctx.Protocol.MorningAnchor = true
	ctx.DeliveredToday = 3
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("morning anchor should bypass the daily cap")
	}

	// Low recovery
	ctx = deliverable()
	ctx.Protocol.MorningAnchor = true
	ctx.RecoveryScore = 10
	if !Evaluate(ctx).ShouldDeliver {
		t.Error("morning anchor should bypass the low-recovery guard")
	}
}
