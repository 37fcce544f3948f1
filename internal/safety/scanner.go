// Package safety scans generated nudge text before it reaches a user.
package safety

import (
	"context"
	"strings"
)

// Severity grades a violation
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Result of a scan
type Result struct {
	Safe            bool     `json:"safe"`
	Reason          string   `json:"reason,omitempty"`
	FlaggedKeywords []string `json:"flagged_keywords,omitempty"`
	Severity        Severity `json:"severity,omitempty"`
}

// ScanContext tells the scanner what kind of message it is looking at
type ScanContext struct {
	UserID   string
	Kind     string // nudge kind
	ModuleID string
}

// Scanner is the compliance scan contract. Production wires the external
// scanning service; tests use KeywordScanner or a stub.
type Scanner interface {
	Scan(ctx context.Context, text string, sc ScanContext) (*Result, error)
}

// FallbackProvider supplies the pre-approved substitute text used when a
// scan flags generated output.
type FallbackProvider interface {
	Fallback(sc ScanContext) string
}

// KeywordScanner flags coaching copy that crosses into territory a nudge
// must never touch: diagnosis, medication, injury dismissal. It is the
// local baseline; the external scanning service layers on top of it.
type KeywordScanner struct {
	blocked map[string]Severity
}

// NewKeywordScanner builds the scanner with the default blocklist
func NewKeywordScanner() *KeywordScanner {
	return &KeywordScanner{
		blocked: map[string]Severity{
			"diagnose":          SeverityHigh,
			"diagnosis":         SeverityHigh,
			"prescription":      SeverityHigh,
			"medication":        SeverityHigh,
			"cure":              SeverityHigh,
			"guaranteed":        SeverityMedium,
			"push through pain": SeverityHigh,
			"ignore the pain":   SeverityHigh,
			"no rest needed":    SeverityMedium,
			"skip sleep":        SeverityMedium,
		},
	}
}

// Scan checks the text against the blocklist. Never returns an error; the
// keyword pass has no external dependency to fail.
func (s *KeywordScanner) Scan(_ context.Context, text string, _ ScanContext) (*Result, error) {
	lower := strings.ToLower(text)

	var flagged []string
	worst := SeverityLow
	for keyword, sev := range s.blocked {
		if strings.Contains(lower, keyword) {
			flagged = append(flagged, keyword)
			if sev == SeverityHigh || (sev == SeverityMedium && worst == SeverityLow) {
				worst = sev
			}
		}
	}

	if len(flagged) == 0 {
		return &Result{Safe: true}, nil
	}

	return &Result{
		Safe:            false,
		Reason:          "blocked phrase in generated text",
		FlaggedKeywords: flagged,
		Severity:        worst,
	}, nil
}

// StaticFallbacks serves pre-approved copy per nudge kind
type StaticFallbacks struct{}

// Fallback returns the substitute text for a flagged nudge
func (StaticFallbacks) Fallback(sc ScanContext) string {
	switch sc.Kind {
	case "streak_preserved":
		return "Your streak is safe. Pick things back up today at whatever pace feels right."
	case "lapse_recovery":
		return "Every practice has restarts built in. Today is a good day for a small first step."
	default:
		return "A small step on your protocol today keeps the momentum you have been building."
	}
}
