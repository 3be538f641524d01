package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Kernel Exploitation Notes</title>
<link>https://blog.test/</link>
<item>
  <title>Exploiting a double free in nftables</title>
  <link>https://blog.test/nftables-double-free</link>
  <pubDate>Thu, 20 Aug 2026 10:00:00 +0000</pubDate>
</item>
<item>
  <title>io_uring internals, part 3</title>
  <link>https://blog.test/io-uring-3</link>
  <pubDate>Mon, 10 Aug 2026 09:00:00 +0000</pubDate>
</item>
<item>
  <title>Old post from last year</title>
  <link>https://blog.test/old</link>
  <pubDate>Wed, 01 Jan 2025 00:00:00 +0000</pubDate>
</item>
</channel></rss>`

func TestFindSinceFiltersByPublishDate(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssBody)
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""), "kernelblog", srv.URL)
	if s.Kind() != "feeds:kernelblog" {
		t.Fatalf("Kind = %s", s.Kind())
	}

	since := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	findings, err := s.FindSince(context.Background(), since)
	if err != nil {
		t.Fatalf("FindSince error: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("got %d findings, want 2", len(findings))
	}

	first := findings[0]
	if first.ID != "kernelblog" {
		t.Fatalf("finding ID = %s, want the feed name", first.ID)
	}
	if first.Description != "Exploiting a double free in nftables" {
		t.Fatalf("description = %q", first.Description)
	}
	if first.ReportLink != "https://blog.test/nftables-double-free" {
		t.Fatalf("report link = %s", first.ReportLink)
	}
	if findings[1].Description != "io_uring internals, part 3" {
		t.Fatalf("feed order not preserved: %v", findings)
	}
}

func TestFindSinceBrokenFeedIsDrift(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>not a feed</body></html>")
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""), "broken", srv.URL)
	_, err := s.FindSince(context.Background(), time.Time{})
	if !watch.IsDrift(err) {
		t.Fatalf("error = %v, want drift", err)
	}
}

func TestFindSinceHTTPErrorIsFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""), "dead", srv.URL)
	_, err := s.FindSince(context.Background(), time.Time{})
	var fe *watch.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want fetch error", err)
	}
	if watch.IsDrift(err) {
		t.Fatalf("http error classified as drift: %v", err)
	}
}
