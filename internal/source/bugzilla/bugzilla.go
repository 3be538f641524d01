// Package bugzilla tracks freshly de-embargoed security bugs through the
// Bugzilla REST API. A disclosure here means a fixed bug whose security
// group flag was lifted after the marker, which is the moment the report
// becomes publicly readable.
package bugzilla

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

// DefaultBaseURL is the Mozilla Bugzilla instance.
const DefaultBaseURL = "https://bugzilla.mozilla.org"

// securityGroups are the embargo groups a Mozilla security bug can sit in
// while hidden. Leaving any of them is the disclosure signal.
var securityGroups = []string{
	"core-security",
	"core-security-release",
	"crypto-core-security",
	"dom-core-security",
	"firefox-core-security",
	"gfx-core-security",
	"javascript-core-security",
	"mail-core-security",
	"media-core-security",
	"mobile-core-security",
	"network-core-security",
}

// severityKeywords in ascending order; the first one present wins.
var severityKeywords = []string{"sec-low", "sec-moderate", "sec-high", "sec-critical"}

// Source queries one Bugzilla instance. kind is the registry key the
// owning plugin runs it under (e.g. "disclosures:firefox").
type Source struct {
	Client *source.Client

	// BaseURL overrides the Bugzilla instance (tests).
	BaseURL string

	kind string
}

func New(c *source.Client, kind string) *Source {
	return &Source{Client: c, kind: kind}
}

func (s *Source) Kind() string { return s.kind }

func (s *Source) base() string {
	if strings.TrimSpace(s.BaseURL) != "" {
		return strings.TrimRight(s.BaseURL, "/")
	}
	return DefaultBaseURL
}

// FindSince returns fixed security bugs whose embargo lifted after since.
func (s *Source) FindSince(ctx context.Context, since time.Time) ([]watch.Finding, error) {
	var out struct {
		Bugs []struct {
			ID       int64    `json:"id"`
			Summary  string   `json:"summary"`
			Keywords []string `json:"keywords"`
		} `json:"bugs"`
	}
	u := s.base() + "/rest/bug?" + queryParams(since).Encode()
	if err := s.Client.GetJSON(ctx, s.kind, "find", u, &out); err != nil {
		return nil, err
	}

	findings := make([]watch.Finding, 0, len(out.Bugs))
	for _, bug := range out.Bugs {
		id := strconv.FormatInt(bug.ID, 10)
		findings = append(findings, watch.Finding{
			Severity:    severityFromKeywords(bug.Keywords),
			ID:          id,
			Description: bug.Summary,
			ReportLink:  s.base() + "/show_bug.cgi?id=" + id,
		})
	}
	return findings, nil
}

// queryParams builds the custom-search query: the bug sits in no security
// group anymore, its group membership changed after the marker, and it
// used to sit in one of the known embargo groups. Keywords and resolution
// narrow it to fixed sec-rated bugs.
func queryParams(since time.Time) url.Values {
	v := url.Values{}
	v.Set("include_fields", "id,summary,keywords")
	v.Set("keywords", strings.Join([]string{"sec-critical", "sec-high", "sec-moderate", "sec-low"}, " "))
	v.Set("keywords_type", "anywords")
	v.Set("resolution", "FIXED")

	v.Set("f1", "OP")
	v.Set("j1", "AND_G")
	v.Set("f2", "bug_group")
	v.Set("o2", "substring")
	v.Set("v2", "core-security")
	v.Set("n2", "1")
	v.Set("f3", "bug_group")
	v.Set("o3", "changedafter")
	v.Set("v3", since.UTC().Format("2006-01-02T15:04:05"))
	v.Set("f4", "CP")

	v.Set("f5", "OP")
	v.Set("j5", "OR")
	n := 6
	for _, group := range securityGroups {
		idx := strconv.Itoa(n)
		v.Set("f"+idx, "bug_group")
		v.Set("o"+idx, "changedfrom")
		v.Set("v"+idx, group)
		n++
	}
	v.Set("f"+strconv.Itoa(n), "CP")
	return v
}

func severityFromKeywords(keywords []string) watch.Severity {
	for _, kw := range severityKeywords {
		for _, have := range keywords {
			if have == kw {
				return watch.ParseSeverity(kw)
			}
		}
	}
	return ""
}
