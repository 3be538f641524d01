package chrome

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

const listPage = `<html><body>
<div class="post"><h2 class="title"><a href="%s/2026/03/stable-channel-update-for-desktop.html">Stable Channel Update for Desktop</a></h2></div>
<div class="post"><h2 class="title"><a href="%s/2026/02/stable-channel-update-for-desktop.html">Stable Channel Update for Desktop</a></h2></div>
</body></html>`

const marchPost = `<html><body><div class="post-body">
<p>The Stable channel has been updated to 134.0.6998.88.</p>
<p><span>[$7000][40094123] High CVE-2026-1914: Out of bounds read in V8. Reported externally</span></p>
<p><span>[$2000][40092222] Medium CVE-2026-1915: Use after free in DevTools. Reported externally</span></p>
<p><span>[TBD][40091111] Low CVE-2026-1916: Inappropriate implementation in Downloads. Reported externally</span></p>
</div></body></html>`

const quietPost = `<html><body><div class="post-body">
<p>This update includes no security fixes.</p>
</div></body></html>`

func testServer(t *testing.T) (*httptest.Server, *Source) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, listPage, srv.URL, srv.URL)
	})
	mux.HandleFunc("/2026/03/stable-channel-update-for-desktop.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, marchPost)
	})
	mux.HandleFunc("/2026/02/stable-channel-update-for-desktop.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, quietPost)
	})

	s := New(source.NewClient(0, ""))
	s.ListURL = srv.URL + "/list"
	return srv, s
}

func TestEnumerateDocuments(t *testing.T) {
	t.Parallel()
	srv, s := testServer(t)

	refs, err := s.EnumerateDocuments(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDocuments error: %v", err)
	}
	want := []watch.DocRef{
		watch.DocRef(srv.URL + "/2026/03/stable-channel-update-for-desktop.html"),
		watch.DocRef(srv.URL + "/2026/02/stable-channel-update-for-desktop.html"),
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

func TestParseDocumentExtractsFixLines(t *testing.T) {
	t.Parallel()
	srv, s := testServer(t)

	findings, err := s.ParseDocument(context.Background(), watch.DocRef(srv.URL+"/2026/03/stable-channel-update-for-desktop.html"))
	if err != nil {
		t.Fatalf("ParseDocument error: %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("got %d findings, want 3", len(findings))
	}

	first := findings[0]
	if first.Reward != "7000" || first.Severity != watch.SeverityHigh || first.ID != "CVE-2026-1914" {
		t.Fatalf("first finding = %+v", first)
	}
	if first.Description != "Out of bounds read in V8" {
		t.Fatalf("description = %q", first.Description)
	}
	if first.ReportLink != "https://issues.chromium.org/issues/40094123" {
		t.Fatalf("report link = %s", first.ReportLink)
	}
	if first.CommitLink != "https://chromium-review.googlesource.com/q/message:40094123" {
		t.Fatalf("commit link = %s", first.CommitLink)
	}

	// A TBD reward does not match the bounty bracket.
	if tbd := findings[2]; tbd.Reward != "" || tbd.ID != "CVE-2026-1916" {
		t.Fatalf("tbd finding = %+v", tbd)
	}
}

func TestParseDocumentNoFixesIsEmpty(t *testing.T) {
	t.Parallel()
	srv, s := testServer(t)

	findings, err := s.ParseDocument(context.Background(), watch.DocRef(srv.URL+"/2026/02/stable-channel-update-for-desktop.html"))
	if err != nil {
		t.Fatalf("ParseDocument error: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("got %d findings from a post without fixes, want 0", len(findings))
	}
}

func TestEnumerateEmptyListingIsDrift(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>nothing here</p></body></html>")
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""))
	s.ListURL = srv.URL

	_, err := s.EnumerateDocuments(context.Background())
	if !watch.IsDrift(err) {
		t.Fatalf("error = %v, want drift", err)
	}
}

func TestEnumerateServerErrorIsFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""))
	s.ListURL = srv.URL

	_, err := s.EnumerateDocuments(context.Background())
	var fe *watch.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want fetch error", err)
	}
	if watch.IsDrift(err) {
		t.Fatalf("server error classified as drift: %v", err)
	}
}
