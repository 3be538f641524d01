// Package arxiv watches one arXiv category for new papers through the
// arXiv Atom API.
package arxiv

import (
	"context"
	"errors"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

// KindPrefix namespaces category sources; the full kind is
// KindPrefix + category (e.g. "arxiv:cs.CR").
const KindPrefix = "arxiv:"

const (
	defaultBaseURL = "https://export.arxiv.org"

	// maxResults bounds one API page. New submissions per category and
	// day sit far below this.
	maxResults = "50"
)

var versionSuffixRE = regexp.MustCompile(`v\d+$`)

// Source polls one category, newest submissions first.
type Source struct {
	parser   *gofeed.Parser
	category string

	// BaseURL overrides export.arxiv.org (tests).
	BaseURL string
}

func New(c *source.Client, category string) *Source {
	p := gofeed.NewParser()
	p.Client = c.HTTP()
	p.UserAgent = c.UserAgent()
	return &Source{parser: p, category: category}
}

func (s *Source) Kind() string     { return KindPrefix + s.category }
func (s *Source) Category() string { return s.category }

func (s *Source) queryURL() string {
	base := defaultBaseURL
	if strings.TrimSpace(s.BaseURL) != "" {
		base = strings.TrimRight(s.BaseURL, "/")
	}
	q := url.Values{}
	q.Set("search_query", "cat:"+s.category)
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	q.Set("max_results", maxResults)
	return base + "/api/query?" + q.Encode()
}

// FindSince returns papers submitted after since. The finding ID is the
// short arXiv identifier, the description carries title and authors, and
// the report link points at the abstract page.
func (s *Source) FindSince(ctx context.Context, since time.Time) ([]watch.Finding, error) {
	feed, err := s.parser.ParseURLWithContext(s.queryURL(), ctx)
	if err != nil {
		return nil, classify(s.Kind(), err)
	}

	var findings []watch.Finding
	for _, item := range feed.Items {
		ts := item.PublishedParsed
		if ts == nil || !ts.After(since) {
			continue
		}
		findings = append(findings, watch.Finding{
			ID:          shortID(item),
			Description: describe(item),
			ReportLink:  item.Link,
		})
	}
	return findings, nil
}

// shortID extracts "2408.01234" from the abs URL, dropping the version
// suffix so revisions of one paper share an identifier.
func shortID(item *gofeed.Item) string {
	raw := item.GUID
	if raw == "" {
		raw = item.Link
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	return versionSuffixRE.ReplaceAllString(path.Base(u.Path), "")
}

// describe folds the whitespace-mangled Atom title and the author list
// into one line.
func describe(item *gofeed.Item) string {
	title := strings.Join(strings.Fields(item.Title), " ")
	switch len(item.Authors) {
	case 0:
		return title
	case 1:
		return title + " (" + item.Authors[0].Name + ")"
	default:
		return title + " (" + item.Authors[0].Name + " et al.)"
	}
}

func classify(kind string, err error) error {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return &watch.FetchError{SourceKind: kind, Op: "find", Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &watch.FetchError{SourceKind: kind, Op: "find", Err: err}
	}
	return &watch.DriftError{SourceKind: kind, Op: "find", Detail: "api feed does not parse: " + err.Error()}
}
