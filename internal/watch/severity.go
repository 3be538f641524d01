package watch

import "strings"

// Severity is the normalized severity vocabulary shared by all sources.
// The empty value means the publisher did not state one.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps publisher vocabulary onto the normalized scale.
// Matching is case-insensitive; "moderate" is Mozilla's word for medium.
// Unknown input returns the empty Severity.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "sec-low":
		return SeverityLow
	case "medium", "moderate", "sec-moderate":
		return SeverityMedium
	case "high", "sec-high":
		return SeverityHigh
	case "critical", "sec-critical":
		return SeverityCritical
	default:
		return ""
	}
}

// Rank orders severities for threshold filtering. Unrated ranks below low,
// so any floor filters out findings the publisher did not rate.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s meets the floor min. An empty floor accepts
// everything.
func (s Severity) AtLeast(min Severity) bool {
	if min == "" {
		return true
	}
	return s.Rank() >= min.Rank()
}
