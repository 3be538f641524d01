package safari

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

const listPage = `<html><body>
<table>
<tr><th>Name and information link</th><th>Available for</th><th>Release date</th></tr>
<tr><td><a href="/en-us/125110">Safari 19.1</a></td><td>macOS Sonoma and macOS Ventura</td><td>11 Mar 2026</td></tr>
<tr><td>Safari 19.0.1</td><td>macOS Sonoma and macOS Ventura</td><td>01 Feb 2026</td></tr>
<tr><td><a href="/en-us/124000">macOS Sequoia 16.3</a></td><td>Mac</td><td>10 Mar 2026</td></tr>
<tr><td><a href="/en-us/123900">Safari 18.6</a></td><td>macOS Sonoma</td><td>20 Jan 2026</td></tr>
</table>
</body></html>`

const advisoryPage = `<html><body>
<h2>About the security content of Safari 19.1</h2>
<p>This document describes the security content of Safari 19.1.</p>
<h3>Safari Downloads</h3>
<p>Available for: macOS Sonoma</p>
<p>Impact: A malicious website may exfiltrate data cross-origin</p>
<p>Description: The issue was addressed with improved UI handling.</p>
<p>CVE-2026-24180: an anonymous researcher</p>
<h3>WebKit</h3>
<p>Available for: macOS Sonoma</p>
<p>Impact: Processing maliciously crafted web content may lead to memory corruption</p>
<p>Description: A memory corruption issue was addressed with improved state management.</p>
<div>WebKit Bugzilla: 289123</div>
<p>CVE-2026-24201: Apple</p>
<h3>Additional recognition</h3>
<p>We would like to acknowledge an anonymous researcher for their assistance.</p>
</body></html>`

const truncatedPage = `<html><body>
<h3>Safari Downloads</h3>
<p>Available for: macOS Sonoma</p>
<p>Impact: A website may track users</p>
<p>Description: Entry updated March 2026.</p>
<p>Entry added March 11, 2026</p>
<h3>WebKit</h3>
<p>Available for: macOS Sonoma</p>
<p>Impact: Unexpected content may render</p>
<p>Description: Addressed with checks.</p>
<p>CVE-2026-24999: Apple</p>
</body></html>`

func testServer(t *testing.T) (*httptest.Server, *Source) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/en-us/100100", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listPage)
	})
	mux.HandleFunc("/en-us/125110", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, advisoryPage)
	})
	mux.HandleFunc("/en-us/123900", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, truncatedPage)
	})

	s := New(source.NewClient(0, ""))
	s.BaseURL = srv.URL
	return srv, s
}

func TestEnumerateKeepsOnlyLinkedSafariRows(t *testing.T) {
	t.Parallel()
	srv, s := testServer(t)

	refs, err := s.EnumerateDocuments(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDocuments error: %v", err)
	}
	want := []watch.DocRef{
		watch.DocRef(srv.URL + "/en-us/125110"),
		watch.DocRef(srv.URL + "/en-us/123900"),
	}
	if len(refs) != len(want) {
		t.Fatalf("refs = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("refs[%d] = %s, want %s", i, refs[i], want[i])
		}
	}
}

func TestParseDocumentWalksSections(t *testing.T) {
	t.Parallel()
	srv, s := testServer(t)

	findings, err := s.ParseDocument(context.Background(), watch.DocRef(srv.URL+"/en-us/125110"))
	if err != nil {
		t.Fatalf("ParseDocument error: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("got %d findings, want 2", len(findings))
	}

	plain := findings[0]
	if plain.ID != "CVE-2026-24180" || plain.Severity != "" {
		t.Fatalf("plain finding = %+v", plain)
	}
	if plain.Description != "A malicious website may exfiltrate data cross-origin" {
		t.Fatalf("description = %q", plain.Description)
	}
	if plain.ReportLink != "" || plain.CommitLink != "" {
		t.Fatalf("plain finding carries links: %+v", plain)
	}

	webkit := findings[1]
	if webkit.ID != "CVE-2026-24201" {
		t.Fatalf("webkit finding = %+v", webkit)
	}
	if webkit.ReportLink != "https://bugs.webkit.org/show_bug.cgi?id=289123" {
		t.Fatalf("webkit report link = %s", webkit.ReportLink)
	}
	wantCommit := "https://github.com/search?q=repo:WebKit/WebKit+%22https%3A%2F%2Fbugs.webkit.org%2Fshow_bug.cgi%3Fid%3D289123%22&type=commits"
	if webkit.CommitLink != wantCommit {
		t.Fatalf("webkit commit link = %s, want %s", webkit.CommitLink, wantCommit)
	}
}

func TestParseDocumentStopsAtFirstNonCVETail(t *testing.T) {
	t.Parallel()
	srv, s := testServer(t)

	// The first section's tail is not a CVE line, which ends the walk;
	// the valid section after it is deliberately not reached.
	findings, err := s.ParseDocument(context.Background(), watch.DocRef(srv.URL+"/en-us/123900"))
	if err != nil {
		t.Fatalf("ParseDocument error: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("got %d findings after a malformed tail, want 0", len(findings))
	}
}

func TestEnumerateWithoutTableIsDrift(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>redesigned</p></body></html>")
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""))
	s.BaseURL = srv.URL

	_, err := s.EnumerateDocuments(context.Background())
	if !watch.IsDrift(err) {
		t.Fatalf("error = %v, want drift", err)
	}
}
