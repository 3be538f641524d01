// Package feeds turns one RSS/Atom feed into a time-diff source. Every
// attached feed gets its own source instance; the feed URL travels in the
// binding meta so instances can be rebuilt after a restart.
package feeds

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

// KindPrefix namespaces feed sources; the full kind is KindPrefix + name.
const KindPrefix = "feeds:"

// Source polls one named feed.
type Source struct {
	parser *gofeed.Parser
	kind   string
	name   string
	url    string
}

func New(c *source.Client, name, feedURL string) *Source {
	p := gofeed.NewParser()
	p.Client = c.HTTP()
	p.UserAgent = c.UserAgent()
	return &Source{
		parser: p,
		kind:   KindPrefix + name,
		name:   name,
		url:    feedURL,
	}
}

func (s *Source) Kind() string { return s.kind }
func (s *Source) Name() string { return s.name }
func (s *Source) URL() string  { return s.url }

// FindSince returns entries published after since in feed order, rendered
// as "name: title" findings linking the entry. Entries without a usable
// timestamp are skipped; plenty of feeds omit one on old items.
func (s *Source) FindSince(ctx context.Context, since time.Time) ([]watch.Finding, error) {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, classify(s.kind, err)
	}

	var findings []watch.Finding
	for _, item := range feed.Items {
		ts := item.PublishedParsed
		if ts == nil {
			ts = item.UpdatedParsed
		}
		if ts == nil || !ts.After(since) {
			continue
		}
		findings = append(findings, watch.Finding{
			ID:          s.name,
			Description: item.Title,
			ReportLink:  item.Link,
		})
	}
	return findings, nil
}

// classify splits gofeed failures into transport trouble and broken feed
// documents.
func classify(kind string, err error) error {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return &watch.FetchError{SourceKind: kind, Op: "find", Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &watch.FetchError{SourceKind: kind, Op: "find", Err: err}
	}
	return &watch.DriftError{SourceKind: kind, Op: "find", Detail: "feed does not parse: " + err.Error()}
}
