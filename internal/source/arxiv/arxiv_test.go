package arxiv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

const atomBody = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>ArXiv Query: search_query=cat:cs.CR</title>
  <entry>
    <id>http://arxiv.org/abs/2608.01234v1</id>
    <title>Breaking Hypervisors:
  A Longitudinal Study</title>
    <published>2026-08-20T17:59:59Z</published>
    <updated>2026-08-20T17:59:59Z</updated>
    <author><name>Alice Example</name></author>
    <author><name>Bob Sample</name></author>
    <link href="http://arxiv.org/abs/2608.01234v1" rel="alternate" type="text/html"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2607.00001v2</id>
    <title>An Older Result</title>
    <published>2026-07-01T00:00:00Z</published>
    <updated>2026-07-02T00:00:00Z</updated>
    <author><name>Carol Solo</name></author>
    <link href="http://arxiv.org/abs/2607.00001v2" rel="alternate" type="text/html"/>
  </entry>
</feed>`

func TestFindSinceNewPapers(t *testing.T) {
	t.Parallel()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		fmt.Fprint(w, atomBody)
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""), "cs.CR")
	s.BaseURL = srv.URL
	if s.Kind() != "arxiv:cs.CR" {
		t.Fatalf("Kind = %s", s.Kind())
	}

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	findings, err := s.FindSince(context.Background(), since)
	if err != nil {
		t.Fatalf("FindSince error: %v", err)
	}
	if gotQuery != "cat:cs.CR" {
		t.Fatalf("search_query = %q", gotQuery)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}

	paper := findings[0]
	if paper.ID != "2608.01234" {
		t.Fatalf("paper ID = %s, want the short identifier", paper.ID)
	}
	want := "Breaking Hypervisors: A Longitudinal Study (Alice Example et al.)"
	if paper.Description != want {
		t.Fatalf("description = %q, want %q", paper.Description, want)
	}
	if paper.ReportLink != "http://arxiv.org/abs/2608.01234v1" {
		t.Fatalf("report link = %s", paper.ReportLink)
	}
}

func TestShortIDStripsVersion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{"http://arxiv.org/abs/2608.01234v1", "2608.01234"},
		{"http://arxiv.org/abs/2607.00001v12", "2607.00001"},
		{"http://arxiv.org/abs/cs/0112017v3", "0112017"},
	}
	for _, tt := range tests {
		if got := shortID(&gofeed.Item{GUID: tt.raw}); got != tt.want {
			t.Fatalf("shortID(%s) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestFindSinceBrokenResponseIsDrift(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>maintenance page</body></html>")
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""), "cs.CR")
	s.BaseURL = srv.URL
	_, err := s.FindSince(context.Background(), time.Time{})
	if !watch.IsDrift(err) {
		t.Fatalf("want drift error, got %v", err)
	}
}

func TestFindSinceHTTPErrorIsFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over capacity", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""), "cs.CR")
	s.BaseURL = srv.URL
	_, err := s.FindSince(context.Background(), time.Time{})
	if err == nil || watch.IsDrift(err) {
		t.Fatalf("want fetch error, got %v", err)
	}
	var fetchErr *watch.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error is not a fetch error: %v", err)
	}
}
