// Package firefox tracks Mozilla Foundation security advisories for
// Firefox.
package firefox

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

// Kind is the registry key of this source.
const Kind = "advisories:firefox"

const (
	defaultBaseURL = "https://www.mozilla.org"
	listPath       = "/en-US/security/known-vulnerabilities/firefox/"
)

// Source scrapes the known-vulnerabilities index and the per-advisory
// pages (MFSA documents).
type Source struct {
	Client *source.Client

	// BaseURL overrides mozilla.org (tests). Advisory refs are absolute
	// URLs built on it.
	BaseURL string
}

func New(c *source.Client) *Source { return &Source{Client: c} }

func (s *Source) Kind() string { return Kind }

func (s *Source) base() string {
	if strings.TrimSpace(s.BaseURL) != "" {
		return strings.TrimRight(s.BaseURL, "/")
	}
	return defaultBaseURL
}

// EnumerateDocuments lists advisories from the known-vulnerabilities page,
// newest first. Each advisory is the first link of one list block inside
// the page's article.
func (s *Source) EnumerateDocuments(ctx context.Context) ([]watch.DocRef, error) {
	body, err := s.Client.Get(ctx, Kind, "enumerate", s.base()+listPath)
	if err != nil {
		return nil, err
	}
	doc, err := source.ParseHTML(Kind, "enumerate", body)
	if err != nil {
		return nil, err
	}

	article := source.FindFirst(doc, source.ByTag("article"))
	if article == nil {
		return nil, &watch.DriftError{SourceKind: Kind, Op: "enumerate", Detail: "known-vulnerabilities article missing"}
	}

	var refs []watch.DocRef
	for _, ul := range source.FindAll(article, source.ByTag("ul")) {
		a := source.FindFirst(ul, source.ByTag("a"))
		if a == nil {
			continue
		}
		if href := strings.TrimSpace(source.Attr(a, "href")); href != "" {
			refs = append(refs, watch.DocRef(s.base()+href))
		}
	}
	if len(refs) == 0 {
		return nil, &watch.DriftError{SourceKind: Kind, Op: "enumerate", Detail: "no advisory links in article"}
	}
	return refs, nil
}

// ParseDocument walks the CVE sections of one advisory. An advisory page
// always carries at least one; none at all means the layout moved.
func (s *Source) ParseDocument(ctx context.Context, ref watch.DocRef) ([]watch.Finding, error) {
	body, err := s.Client.Get(ctx, Kind, "parse", string(ref))
	if err != nil {
		return nil, err
	}
	doc, err := source.ParseHTML(Kind, "parse", body)
	if err != nil {
		return nil, err
	}

	sections := source.FindAll(doc, source.ByTagClass("section", "cve"))
	if len(sections) == 0 {
		return nil, &watch.DriftError{SourceKind: Kind, Op: "parse", Detail: "no cve sections in advisory"}
	}

	findings := make([]watch.Finding, 0, len(sections))
	for _, sec := range sections {
		f, err := parseSection(sec)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// parseSection reads one section.cve block: a heading whose id is the CVE
// and whose text carries the description after the colon, a span.level
// severity, and a reference list whose first link is the Bugzilla entry.
func parseSection(sec *html.Node) (watch.Finding, error) {
	heading := source.FindFirst(sec, func(n *html.Node) bool { return source.Attr(n, "id") != "" })
	if heading == nil {
		return watch.Finding{}, &watch.DriftError{SourceKind: Kind, Op: "parse", Detail: "cve section without id heading"}
	}
	id := source.Attr(heading, "id")

	_, desc, ok := strings.Cut(source.Text(heading), ":")
	if !ok {
		return watch.Finding{}, &watch.DriftError{SourceKind: Kind, Op: "parse", Detail: "heading without description for " + id}
	}

	var severity watch.Severity
	if level := source.FindFirst(sec, source.ByTagClass("span", "level")); level != nil {
		severity = watch.ParseSeverity(source.Text(level))
	}

	var report string
	if ul := source.FindFirst(sec, source.ByTag("ul")); ul != nil {
		if a := source.FindFirst(ul, source.ByTag("a")); a != nil {
			report = strings.TrimSpace(source.Attr(a, "href"))
		}
	}
	if report == "" {
		return watch.Finding{}, &watch.DriftError{SourceKind: Kind, Op: "parse", Detail: "no report link for " + id}
	}

	return watch.Finding{
		Severity:    severity,
		ID:          id,
		Description: strings.TrimSpace(desc),
		ReportLink:  report,
		CommitLink:  commitSearchLink(report),
	}, nil
}

// commitSearchLink turns the Bugzilla report link into a gecko-dev commit
// search over the referenced bug ids. Single bugs link as ?id=N, grouped
// ones as ?bug_id=N,M.
func commitSearchLink(report string) string {
	u, err := url.Parse(report)
	if err != nil {
		return ""
	}
	q := u.Query()
	ids := q.Get("id")
	if ids == "" {
		ids = q.Get("bug_id")
	}
	if ids == "" {
		return ""
	}

	terms := make([]string, 0, 4)
	for _, bugID := range strings.Split(ids, ",") {
		terms = append(terms, `"Bug: `+strings.TrimSpace(bugID)+`"`)
	}
	search := strings.Join(terms, " OR ")
	return "https://github.com/search?q=repo%3Amozilla%2Fgecko-dev+" + url.QueryEscape(search) + "&type=commits"
}
