package firefox

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

const listPage = `<html><body><article>
<h2>August 19, 2026</h2>
<ul><li><a href="/en-US/security/advisories/mfsa2026-35/">Security Vulnerabilities fixed in Firefox 142</a></li></ul>
<ul><li><a href="/en-US/security/advisories/mfsa2026-34/">Security Vulnerabilities fixed in Firefox ESR 128.14</a></li></ul>
</article></body></html>`

const advisoryPage = `<html><body><main>
<section class="cve">
  <h4 id="CVE-2026-9301">CVE-2026-9301: Use-after-free in DOM workers</h4>
  <dl class="summary"><dt>Impact</dt><dd><span class="level high">high</span></dd></dl>
  <h5>Description</h5><p>A use-after-free could occur.</p>
  <h5>References</h5>
  <ul><li><a href="https://bugzilla.mozilla.org/show_bug.cgi?id=1901234">Bug 1901234</a></li></ul>
</section>
<section class="cve">
  <h4 id="CVE-2026-9302">CVE-2026-9302: Memory safety bugs fixed in Firefox 142</h4>
  <dl class="summary"><dt>Impact</dt><dd><span class="level moderate">moderate</span></dd></dl>
  <h5>References</h5>
  <ul><li><a href="https://bugzilla.mozilla.org/buglist.cgi?bug_id=1902001,1902002">Memory safety bugs</a></li></ul>
</section>
</main></body></html>`

func testServer(t *testing.T) (*httptest.Server, *Source) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/en-US/security/known-vulnerabilities/firefox/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listPage)
	})
	mux.HandleFunc("/en-US/security/advisories/mfsa2026-35/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, advisoryPage)
	})

	s := New(source.NewClient(0, ""))
	s.BaseURL = srv.URL
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
		watch.DocRef(srv.URL + "/en-US/security/advisories/mfsa2026-35/"),
		watch.DocRef(srv.URL + "/en-US/security/advisories/mfsa2026-34/"),
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

func TestParseDocumentReadsCVESections(t *testing.T) {
	t.Parallel()
	srv, s := testServer(t)

	findings, err := s.ParseDocument(context.Background(), watch.DocRef(srv.URL+"/en-US/security/advisories/mfsa2026-35/"))
	if err != nil {
		t.Fatalf("ParseDocument error: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("got %d findings, want 2", len(findings))
	}

	first := findings[0]
	if first.ID != "CVE-2026-9301" || first.Severity != watch.SeverityHigh {
		t.Fatalf("first finding = %+v", first)
	}
	if first.Description != "Use-after-free in DOM workers" {
		t.Fatalf("description = %q", first.Description)
	}
	if first.ReportLink != "https://bugzilla.mozilla.org/show_bug.cgi?id=1901234" {
		t.Fatalf("report link = %s", first.ReportLink)
	}
	wantCommit := "https://github.com/search?q=repo%3Amozilla%2Fgecko-dev+%22Bug%3A+1901234%22&type=commits"
	if first.CommitLink != wantCommit {
		t.Fatalf("commit link = %s, want %s", first.CommitLink, wantCommit)
	}

	// The roll-up entry groups several bugs; moderate normalizes to medium.
	second := findings[1]
	if second.Severity != watch.SeverityMedium {
		t.Fatalf("second severity = %q, want medium", second.Severity)
	}
	wantCommit = "https://github.com/search?q=repo%3Amozilla%2Fgecko-dev+%22Bug%3A+1902001%22+OR+%22Bug%3A+1902002%22&type=commits"
	if second.CommitLink != wantCommit {
		t.Fatalf("grouped commit link = %s, want %s", second.CommitLink, wantCommit)
	}
}

func TestParseDocumentWithoutSectionsIsDrift(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><main><p>moved</p></main></body></html>")
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""))
	s.BaseURL = srv.URL

	_, err := s.ParseDocument(context.Background(), watch.DocRef(srv.URL+"/advisory/"))
	if !watch.IsDrift(err) {
		t.Fatalf("error = %v, want drift", err)
	}
}

func TestEnumerateWithoutArticleIsDrift(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><div>relaunched</div></body></html>")
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""))
	s.BaseURL = srv.URL

	_, err := s.EnumerateDocuments(context.Background())
	if !watch.IsDrift(err) {
		t.Fatalf("error = %v, want drift", err)
	}
}
