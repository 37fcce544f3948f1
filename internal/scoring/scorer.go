// Package scoring estimates how well a candidate protocol fits a user's
// current context. Pure: no I/O, no clock, never fails.
package scoring

import (
	"fmt"
	"strings"

	"github.com/praxishealth/praxis/internal/core"
)

// Factor names reported in every score breakdown
const (
	FactorModuleAlignment = "module_alignment"
	FactorNovelty         = "novelty"
	FactorRecovery        = "recovery_compatibility"
	FactorMemorySupport   = "memory_support"
	FactorTimeOfDay       = "time_of_day"
)

// factor weights, summing to 1
var weights = map[string]float64{
	FactorModuleAlignment: 0.30,
	FactorNovelty:         0.15,
	FactorRecovery:        0.25,
	FactorMemorySupport:   0.20,
	FactorTimeOfDay:       0.10,
}

// Context is everything the scorer may consider for one candidate
type Context struct {
	Goal     string
	ModuleID core.ModuleID
	Slot     core.TimeSlot // time-of-day bucket being scored for

	RecoveryScore float64 // 0-100
	HRVDeviation  float64 // signed % from baseline

	Protocol core.Protocol

	// InModule reports whether the candidate is mapped to the user's
	// primary module.
	InModule bool

	// RecentProtocolIDs are protocols suggested in the recent timeline;
	// repeats are penalized.
	RecentProtocolIDs []core.ProtocolID

	// Siblings are the other candidates under consideration this pass.
	Siblings []core.Protocol

	Memories []core.Memory
}

// ConfidenceScore is the bounded scoring result
type ConfidenceScore struct {
	Overall        float64            `json:"overall"` // always in [0,1]
	Factors        map[string]float64 `json:"factors"`
	ShouldSuppress bool               `json:"should_suppress"`
	Reasoning      string             `json:"reasoning"`
}

// hardSuppressRecovery is the recovery score below which a high-exertion
// candidate is contraindicated outright, independent of its numeric score.
const hardSuppressRecovery = 25

// memoryRejectionFloor is the memory confidence at which a recorded
// rejection becomes a hard exclusion rather than a soft penalty.
const memoryRejectionFloor = 0.6

// Score maps a context to a bounded confidence plus a hard suppress flag.
// Downstream selection must treat ShouldSuppress as an exclusion filter,
// never as a tie-break.
func Score(ctx Context) ConfidenceScore {
	factors := map[string]float64{
		FactorModuleAlignment: moduleAlignment(ctx),
		FactorNovelty:         novelty(ctx),
		FactorRecovery:        recoveryCompatibility(ctx),
		FactorMemorySupport:   memorySupport(ctx),
		FactorTimeOfDay:       timeOfDay(ctx),
	}

	overall := 0.0
	for name, value := range factors {
		overall += weights[name] * value
	}
	overall = clamp01(overall)

	suppress, reason := hardSuppress(ctx)

	return ConfidenceScore{
		Overall:        overall,
		Factors:        factors,
		ShouldSuppress: suppress,
		Reasoning:      buildReasoning(ctx, factors, suppress, reason),
	}
}

func moduleAlignment(ctx Context) float64 {
	score := 0.5
	if ctx.InModule {
		score = 0.85
	}

	// A goal that literally names the protocol's category is a strong signal
	if ctx.Goal != "" && strings.Contains(strings.ToLower(ctx.Goal), ctx.Protocol.Category.String()) {
		score += 0.15
	}

	return clamp01(score)
}

func novelty(ctx Context) float64 {
	for _, recent := range ctx.RecentProtocolIDs {
		if recent == ctx.Protocol.ID {
			return 0.25
		}
	}

	// Mild penalty when a sibling candidate shares the category: variety
	// across categories reads as fresher coaching.
	for _, sib := range ctx.Siblings {
		if sib.ID != ctx.Protocol.ID && sib.Category == ctx.Protocol.Category {
			return 0.8
		}
	}

	return 1.0
}

func recoveryCompatibility(ctx Context) float64 {
	if !ctx.Protocol.HighExertion {
		// Recovery-friendly work scores higher the more depleted the user is
		if ctx.RecoveryScore < 40 && ctx.Protocol.Category == core.CategoryRecovery {
			return 1.0
		}
		return 0.85
	}

	switch {
	case ctx.RecoveryScore >= 67:
		return 1.0
	case ctx.RecoveryScore >= 50:
		return 0.7
	case ctx.RecoveryScore >= hardSuppressRecovery:
		return 0.3
	default:
		return 0.0
	}
}

func memorySupport(ctx Context) float64 {
	score := 0.6 // neutral with no memory evidence

	for _, m := range ctx.Memories {
		if m.ProtocolID != ctx.Protocol.ID {
			continue
		}
		switch m.Type {
		case core.MemoryTypeProtocolLiked:
			score += 0.3 * m.Confidence
		case core.MemoryTypeProtocolRejected:
			score -= 0.5 * m.Confidence
		}
	}

	return clamp01(score)
}

func timeOfDay(ctx Context) float64 {
	if ctx.Slot == "" || ctx.Protocol.Category.Slot() == ctx.Slot {
		return 1.0
	}
	return 0.6
}

// hardSuppress reports incompatibilities that exclude the candidate
// regardless of its numeric score.
func hardSuppress(ctx Context) (bool, string) {
	if ctx.Protocol.HighExertion && ctx.RecoveryScore < hardSuppressRecovery {
		return true, fmt.Sprintf("high-exertion protocol contraindicated at recovery %.0f", ctx.RecoveryScore)
	}

	for _, m := range ctx.Memories {
		if m.Type == core.MemoryTypeProtocolRejected &&
			m.ProtocolID == ctx.Protocol.ID &&
			m.Confidence >= memoryRejectionFloor {
			return true, fmt.Sprintf("user previously rejected %s (memory confidence %.2f)", ctx.Protocol.Name, m.Confidence)
		}
	}

	return false, ""
}

func buildReasoning(ctx Context, factors map[string]float64, suppress bool, suppressReason string) string {
	if suppress {
		return suppressReason
	}

	var parts []string
	if factors[FactorModuleAlignment] >= 0.8 {
		parts = append(parts, "aligned with primary module")
	}
	if factors[FactorNovelty] < 0.5 {
		parts = append(parts, "recently suggested")
	}
	if factors[FactorRecovery] <= 0.3 {
		parts = append(parts, "poor fit for current recovery")
	}
	if factors[FactorMemorySupport] > 0.7 {
		parts = append(parts, "supported by learned preferences")
	} else if factors[FactorMemorySupport] < 0.4 {
		parts = append(parts, "weakened by learned preferences")
	}

	if len(parts) == 0 {
		return fmt.Sprintf("neutral fit for %s", ctx.Protocol.Name)
	}
	return strings.Join(parts, "; ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
