// Package suppression decides whether an otherwise-ready nudge is withheld.
// The evaluator is a fixed, ordered, short-circuiting rule chain: the first
// matching rule wins and is the one reported, which keeps audits and tests
// deterministic.
package suppression

import (
	"fmt"
	"time"

	"github.com/praxishealth/praxis/internal/core"
)

// RuleID names a suppression rule in results and audit entries
type RuleID string

const (
	RuleQuietHours       RuleID = "quiet_hours"
	RuleDailyCap         RuleID = "daily_cap"
	RuleMinSpacing       RuleID = "min_spacing"
	RuleDismissalFatigue RuleID = "dismissal_fatigue"
	RuleLowRecovery      RuleID = "low_recovery_guard"
	RuleMVDGate          RuleID = "mvd_gate"
	RuleConfidenceFloor  RuleID = "confidence_floor"
)

// Context carries every input the chain may consult. Pure value, no
// hidden state: two identical contexts always produce identical results.
type Context struct {
	Now time.Time

	// User preferences
	QuietStartHour int
	QuietEndHour   int
	DailyCap       int
	MinSpacing     time.Duration

	// Today's timeline stats
	DeliveredToday  int
	DismissedToday  int
	LastDeliveredAt *time.Time

	// Signals and state
	RecoveryScore float64
	MVDActive     bool
	MVDType       core.MVDType

	// Candidate
	Protocol   core.Protocol
	Confidence float64

	// Critical nudges bypass dismissal fatigue (e.g. safety-relevant copy)
	Critical bool

	// Thresholds
	LowRecoveryThreshold float64
	DismissalFatigueMax  int
	ConfidenceFloor      float64
}

// Result is the chain's verdict
type Result struct {
	ShouldDeliver bool   `json:"should_deliver"`
	SuppressedBy  RuleID `json:"suppressed_by,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type rule struct {
	id    RuleID
	match func(Context) (bool, string)
}

// chain order is product intent, not an implementation accident. The
// low-recovery guard precedes the MVD gate: recovery is the harder
// physiological constraint, and a candidate that clears MVD membership
// must still not land on a depleted user.
var chain = []rule{
	{RuleQuietHours, matchQuietHours},
	{RuleDailyCap, matchDailyCap},
	{RuleMinSpacing, matchMinSpacing},
	{RuleDismissalFatigue, matchDismissalFatigue},
	{RuleLowRecovery, matchLowRecovery},
	{RuleMVDGate, matchMVDGate},
	{RuleConfidenceFloor, matchConfidenceFloor},
}

// Evaluate runs the chain. Deliver only when no rule matches.
func Evaluate(ctx Context) Result {
	for _, r := range chain {
		if matched, reason := r.match(ctx); matched {
			return Result{ShouldDeliver: false, SuppressedBy: r.id, Reason: reason}
		}
	}
	return Result{ShouldDeliver: true}
}

// Rules returns the chain's rule IDs in evaluation order
func Rules() []RuleID {
	ids := make([]RuleID, len(chain))
	for i, r := range chain {
		ids[i] = r.id
	}
	return ids
}

func matchQuietHours(ctx Context) (bool, string) {
	if ctx.Protocol.MorningAnchor {
		return false, ""
	}
	if !inQuietHours(ctx.Now.Hour(), ctx.QuietStartHour, ctx.QuietEndHour) {
		return false, ""
	}
	return true, fmt.Sprintf("within quiet hours (%02d:00-%02d:00)", ctx.QuietStartHour, ctx.QuietEndHour)
}

func matchDailyCap(ctx Context) (bool, string) {
	if ctx.Protocol.MorningAnchor {
		return false, ""
	}
	if ctx.DailyCap > 0 && ctx.DeliveredToday >= ctx.DailyCap {
		return true, fmt.Sprintf("daily delivery cap reached (%d/%d)", ctx.DeliveredToday, ctx.DailyCap)
	}
	return false, ""
}

func matchMinSpacing(ctx Context) (bool, string) {
	if ctx.LastDeliveredAt == nil || ctx.MinSpacing <= 0 {
		return false, ""
	}
	elapsed := ctx.Now.Sub(*ctx.LastDeliveredAt)
	if elapsed < ctx.MinSpacing {
		return true, fmt.Sprintf("only %s since last nudge, minimum spacing %s", elapsed.Round(time.Minute), ctx.MinSpacing)
	}
	return false, ""
}

func matchDismissalFatigue(ctx Context) (bool, string) {
	if ctx.Critical {
		return false, ""
	}
	if ctx.DismissalFatigueMax > 0 && ctx.DismissedToday >= ctx.DismissalFatigueMax {
		return true, fmt.Sprintf("%d dismissals today", ctx.DismissedToday)
	}
	return false, ""
}

func matchLowRecovery(ctx Context) (bool, string) {
	if ctx.RecoveryScore >= ctx.LowRecoveryThreshold {
		return false, ""
	}
	if ctx.Protocol.MorningAnchor {
		return false, ""
	}
	if ctx.MVDActive && ctx.MVDType.Approves(ctx.Protocol.Category) {
		return false, ""
	}
	return true, fmt.Sprintf("recovery %.0f below threshold %.0f", ctx.RecoveryScore, ctx.LowRecoveryThreshold)
}

func matchMVDGate(ctx Context) (bool, string) {
	if !ctx.MVDActive {
		return false, ""
	}
	if ctx.MVDType.Approves(ctx.Protocol.Category) {
		return false, ""
	}
	return true, fmt.Sprintf("%s not approved for active %s mode", ctx.Protocol.Category, ctx.MVDType)
}

func matchConfidenceFloor(ctx Context) (bool, string) {
	if ctx.Confidence < ctx.ConfidenceFloor {
		return true, fmt.Sprintf("confidence %.2f below floor %.2f", ctx.Confidence, ctx.ConfidenceFloor)
	}
	return false, ""
}

// inQuietHours handles windows that span midnight (e.g. 22:00 to 07:00)
func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}
