package bugzilla

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"pewwatch/internal/source"
	"pewwatch/internal/watch"
)

const bugsResponse = `{"bugs":[
{"id":1901111,"summary":"Crash in layout engine","keywords":["csectype-uaf","sec-high"]},
{"id":1901112,"summary":"OOB write in image decoder","keywords":["sec-moderate"]},
{"id":1901113,"summary":"Unrated hardening fix","keywords":["leave-open"]}
]}`

func newTestSource(t *testing.T, handler http.HandlerFunc) (*Source, *url.Values) {
	t.Helper()
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	s := New(source.NewClient(0, ""), "disclosures:firefox")
	s.BaseURL = srv.URL
	return s, &got
}

func TestFindSinceQueryAndFindings(t *testing.T) {
	t.Parallel()
	s, got := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bugsResponse)
	})

	since := time.Date(2026, 8, 1, 6, 30, 0, 0, time.UTC)
	findings, err := s.FindSince(context.Background(), since)
	if err != nil {
		t.Fatalf("FindSince error: %v", err)
	}

	q := *got
	if q.Get("resolution") != "FIXED" || q.Get("keywords_type") != "anywords" {
		t.Fatalf("query narrowing missing: %v", q)
	}
	if q.Get("o3") != "changedafter" || q.Get("v3") != "2026-08-01T06:30:00" {
		t.Fatalf("marker clause = %s %s", q.Get("o3"), q.Get("v3"))
	}
	if q.Get("n2") != "1" || q.Get("v2") != "core-security" {
		t.Fatalf("still-hidden exclusion missing: %v", q)
	}
	if q.Get("f6") != "bug_group" || q.Get("o6") != "changedfrom" {
		t.Fatalf("group clauses missing: %v", q)
	}
	if q.Get("include_fields") != "id,summary,keywords" {
		t.Fatalf("include_fields = %s", q.Get("include_fields"))
	}

	if len(findings) != 3 {
		t.Fatalf("got %d findings, want 3", len(findings))
	}
	first := findings[0]
	if first.ID != "1901111" || first.Severity != watch.SeverityHigh {
		t.Fatalf("first finding = %+v", first)
	}
	if first.Description != "Crash in layout engine" {
		t.Fatalf("description = %q", first.Description)
	}
	if first.ReportLink != s.BaseURL+"/show_bug.cgi?id=1901111" {
		t.Fatalf("report link = %s", first.ReportLink)
	}
	if findings[1].Severity != watch.SeverityMedium {
		t.Fatalf("sec-moderate mapped to %q, want medium", findings[1].Severity)
	}
	if findings[2].Severity != "" {
		t.Fatalf("keywordless bug got severity %q", findings[2].Severity)
	}
}

func TestFindSinceMalformedJSONIsDrift(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance page</html>")
	})

	_, err := s.FindSince(context.Background(), time.Now())
	if !watch.IsDrift(err) {
		t.Fatalf("error = %v, want drift", err)
	}
}

func TestFindSinceServerErrorIsFetch(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})

	_, err := s.FindSince(context.Background(), time.Now())
	var fe *watch.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want fetch error", err)
	}
}
