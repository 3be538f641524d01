// Package chrome tracks the Chrome releases blog for stable-channel
// security fixes.
package chrome

import (
	"context"
	"regexp"
	"strings"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

// Kind is the registry key of this source.
const Kind = "advisories:chrome"

const defaultListURL = "https://chromereleases.googleblog.com/search/label/Stable%20updates"

// securityFixRE matches one fixed security bug in a stable-update post,
// e.g. "[$2000][409342999] High CVE-2026-1234: Use after free in ANGLE".
// The reward bracket is absent for internally found bugs and for rewards
// still marked TBD.
var securityFixRE = regexp.MustCompile(`(\[\$(\d+)\])?\[(\d+)\] (Low|Medium|High|Critical) (CVE-\d+-\d+): ([^.]+)`)

// Source scrapes the release blog. It carries wiring only; progress lives
// in the binding checkpoint.
type Source struct {
	Client *source.Client

	// ListURL overrides the public blog listing (tests).
	ListURL string
}

func New(c *source.Client) *Source { return &Source{Client: c} }

func (s *Source) Kind() string { return Kind }

func (s *Source) listURL() string {
	if strings.TrimSpace(s.ListURL) != "" {
		return s.ListURL
	}
	return defaultListURL
}

// EnumerateDocuments lists stable-update posts, newest first.
func (s *Source) EnumerateDocuments(ctx context.Context) ([]watch.DocRef, error) {
	body, err := s.Client.Get(ctx, Kind, "enumerate", s.listURL())
	if err != nil {
		return nil, err
	}
	doc, err := source.ParseHTML(Kind, "enumerate", body)
	if err != nil {
		return nil, err
	}

	var refs []watch.DocRef
	for _, post := range source.FindAll(doc, source.ByTagClass("div", "post")) {
		a := source.FindFirst(post, source.ByTag("a"))
		if a == nil {
			continue
		}
		if href := strings.TrimSpace(source.Attr(a, "href")); href != "" {
			refs = append(refs, watch.DocRef(href))
		}
	}
	if len(refs) == 0 {
		return nil, &watch.DriftError{SourceKind: Kind, Op: "enumerate", Detail: "no posts in blog listing"}
	}
	return refs, nil
}

// ParseDocument extracts the fixed-bug lines of one post. Posts without
// security content legitimately yield nothing.
func (s *Source) ParseDocument(ctx context.Context, ref watch.DocRef) ([]watch.Finding, error) {
	body, err := s.Client.Get(ctx, Kind, "parse", string(ref))
	if err != nil {
		return nil, err
	}
	doc, err := source.ParseHTML(Kind, "parse", body)
	if err != nil {
		return nil, err
	}

	var findings []watch.Finding
	for _, m := range securityFixRE.FindAllStringSubmatch(source.Text(doc), -1) {
		bugID := m[3]
		findings = append(findings, watch.Finding{
			Reward:      m[2],
			Severity:    watch.ParseSeverity(m[4]),
			ID:          m[5],
			Description: m[6],
			ReportLink:  "https://issues.chromium.org/issues/" + bugID,
			CommitLink:  "https://chromium-review.googlesource.com/q/message:" + bugID,
		})
	}
	return findings, nil
}
