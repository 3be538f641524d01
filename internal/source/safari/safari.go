// Package safari tracks Apple security releases for Safari.
package safari

import (
	"context"
	"net/url"
	"strings"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

// Kind is the registry key of this source.
const Kind = "advisories:safari"

const (
	defaultBaseURL = "https://support.apple.com"
	listPath       = "/en-us/100100"
)

// Source scrapes the Apple security-releases index and the per-release
// advisory pages.
type Source struct {
	Client *source.Client

	// BaseURL overrides support.apple.com (tests).
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

// EnumerateDocuments reads the security-releases table and keeps the rows
// whose product cell names a Safari release, newest first. Rows without a
// link are releases whose advisory has no details page yet.
func (s *Source) EnumerateDocuments(ctx context.Context) ([]watch.DocRef, error) {
	body, err := s.Client.Get(ctx, Kind, "enumerate", s.base()+listPath)
	if err != nil {
		return nil, err
	}
	doc, err := source.ParseHTML(Kind, "enumerate", body)
	if err != nil {
		return nil, err
	}

	table := source.FindFirst(doc, source.ByTag("table"))
	if table == nil {
		return nil, &watch.DriftError{SourceKind: Kind, Op: "enumerate", Detail: "releases table missing"}
	}

	var refs []watch.DocRef
	for _, tr := range source.FindAll(table, source.ByTag("tr")) {
		cells := source.FindAll(tr, source.ByTag("td"))
		if len(cells) != 3 || !strings.HasPrefix(strings.TrimSpace(source.Text(cells[0])), "Safari") {
			continue
		}
		a := source.FindFirst(cells[0], source.ByTag("a"))
		if a == nil {
			continue
		}
		if href := strings.TrimSpace(source.Attr(a, "href")); href != "" {
			refs = append(refs, watch.DocRef(s.base()+href))
		}
	}
	if len(refs) == 0 {
		return nil, &watch.DriftError{SourceKind: Kind, Op: "enumerate", Detail: "no safari rows in releases table"}
	}
	return refs, nil
}

// ParseDocument walks the per-component h3 sections of one advisory. Each
// section is followed by "Available for", "Impact:" and "Description:"
// paragraphs, an optional WebKit Bugzilla div, then the CVE line. The
// first section whose tail is not a CVE line ends the walk; that is the
// trailing acknowledgements block. Apple publishes no severity.
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
	for _, h := range source.FindAll(doc, source.ByTag("h3")) {
		avail := source.NextElement(h)
		if avail == nil {
			continue
		}
		impact := source.NextElement(avail)
		if impact == nil {
			continue
		}
		impactText := strings.TrimSpace(source.Text(impact))
		if !strings.Contains(impactText, "Impact") {
			// Not a bug section (page furniture around the entries).
			continue
		}
		desc := strings.TrimSpace(strings.TrimPrefix(impactText, "Impact:"))

		descPara := source.NextElement(impact)
		if descPara == nil {
			break
		}
		entry := source.NextElement(descPara)
		if entry == nil {
			break
		}

		var report, commit string
		if entry.Data == "div" {
			if _, bug, ok := strings.Cut(source.Text(entry), ":"); ok {
				report = "https://bugs.webkit.org/show_bug.cgi?id=" + strings.TrimSpace(bug)
				commit = "https://github.com/search?q=repo:WebKit/WebKit+%22" + url.QueryEscape(report) + "%22&type=commits"
			}
			entry = source.NextSiblingElement(entry)
			if entry == nil {
				break
			}
		}

		cve, _, _ := strings.Cut(strings.TrimSpace(source.Text(entry)), ":")
		cve = strings.TrimSpace(cve)
		if !strings.HasPrefix(cve, "CVE") {
			break
		}

		findings = append(findings, watch.Finding{
			ID:          cve,
			Description: desc,
			ReportLink:  report,
			CommitLink:  commit,
		})
	}
	return findings, nil
}
