package watch

import (
	"errors"
	"strings"

	"pewwatch/pkg/tgui"
)

// ErrInvalidFinding is returned when a finding misses its required fields.
var ErrInvalidFinding = errors.New("invalid finding")

// Finding is one normalized announcement-worthy item produced by a source.
//
// ID and Description are required; everything else is optional and rendered
// only when present. Findings are values and never mutated after parse.
type Finding struct {
	// Reward is the raw bounty amount as published (digits only, no
	// currency symbol), e.g. "2000". Empty when none was awarded.
	Reward string

	// Severity is the normalized rating; empty when the publisher does not
	// rate (e.g. Apple advisories).
	Severity Severity

	// ID is the vulnerability identifier: a CVE, a bug number, or the item
	// title for feed-style sources.
	ID string

	Description string

	// ReportLink points at the public report or tracker entry.
	ReportLink string

	// CommitLink points at the fixing change (or a commit search).
	CommitLink string
}

// Validate enforces the finding invariant (ID and Description non-empty).
func (f Finding) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.Join(ErrInvalidFinding, errors.New("empty id"))
	}
	if strings.TrimSpace(f.Description) == "" {
		return errors.Join(ErrInvalidFinding, errors.New("empty description"))
	}
	return nil
}

// RenderHTML formats the finding for Telegram HTML parse mode:
//
//	[$2000] (high) CVE-2026-1234: Use after free in Foo. -- Report. -- Commit(s).
//
// Report and Commit(s) become links when the finding carries URLs.
// Rendering an invalid finding fails; callers skip and count it.
func (f Finding) RenderHTML() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}

	var head strings.Builder
	if r := strings.TrimSpace(f.Reward); r != "" {
		head.WriteString("[$" + r + "] ")
	}
	if f.Severity != "" {
		head.WriteString("(" + string(f.Severity) + ") ")
	}
	head.WriteString(strings.TrimSpace(f.ID))
	head.WriteString(": ")
	head.WriteString(strings.TrimSuffix(strings.TrimSpace(f.Description), "."))
	head.WriteString(".")

	parts := []tgui.H{tgui.Esc(head.String())}
	if u := strings.TrimSpace(f.ReportLink); u != "" {
		parts = append(parts, tgui.Link("Report", u)+".")
	}
	if u := strings.TrimSpace(f.CommitLink); u != "" {
		parts = append(parts, tgui.Link("Commit(s)", u)+".")
	}
	return tgui.JoinH(" -- ", parts...).String(), nil
}
