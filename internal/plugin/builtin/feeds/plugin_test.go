package feeds

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	core "pewwatch/internal/plugin"
)

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	p := New()
	if err := p.Init(context.Background(), core.PluginDeps{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p
}

func TestOnConfigChangeDefaults(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	if err := p.OnConfigChange(context.Background(), nil); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}

	c := p.cfgSnapshot()
	if !c.Scheduler.Active() {
		t.Fatal("scheduler should default to enabled")
	}
	if c.Scheduler.Schedule != "6h" {
		t.Fatalf("Schedule = %q, want %q", c.Scheduler.Schedule, "6h")
	}
	if c.Scheduler.TaskName != "poll" {
		t.Fatalf("TaskName = %q, want %q", c.Scheduler.TaskName, "poll")
	}
	if c.taskTimeout != 10*time.Minute {
		t.Fatalf("taskTimeout = %v, want %v", c.taskTimeout, 10*time.Minute)
	}
	if c.opTimeout != 5*time.Minute {
		t.Fatalf("opTimeout = %v, want %v", c.opTimeout, 5*time.Minute)
	}
}

func TestOnConfigChangeSchedulerDisabled(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"scheduler":{"enabled":false}}`)
	if err := p.OnConfigChange(context.Background(), raw); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if p.cfgSnapshot().Scheduler.Active() {
		t.Fatal("explicitly disabled scheduler should stay disabled")
	}
}

func TestOnConfigChangeRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"scheduler":{"enabled":true,"schedule":"nonsense"}}`)
	if err := p.OnConfigChange(context.Background(), raw); err == nil {
		t.Fatal("expected error for bad schedule")
	}
}

func TestValidFeedName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		ok   bool
	}{
		{"nyt", true},
		{"hn-front", true},
		{"sec_news9", true},
		{"a", true},
		{strings.Repeat("x", 32), true},
		{"", false},
		{"NYT", false},
		{"-lead", false},
		{"has space", false},
		{"dots.bad", false},
		{strings.Repeat("x", 33), false},
	}
	for _, tc := range cases {
		if got := validFeedName(tc.name); got != tc.ok {
			t.Errorf("validFeedName(%q) = %v, want %v", tc.name, got, tc.ok)
		}
	}
}

func TestValidFeedURL(t *testing.T) {
	t.Parallel()
	good := []string{
		"https://example.com/feed.xml",
		"http://blog.example.org/atom",
	}
	for _, u := range good {
		if err := validFeedURL(u); err != nil {
			t.Errorf("validFeedURL(%q) = %v, want nil", u, err)
		}
	}
	bad := []string{
		"ftp://example.com/feed.xml",
		"example.com/feed.xml",
		"http://",
	}
	for _, u := range bad {
		if err := validFeedURL(u); err == nil {
			t.Errorf("validFeedURL(%q) = nil, want error", u)
		}
	}
}

func TestFeedLine(t *testing.T) {
	t.Parallel()

	pending := core.WatchBindingView{SourceKind: "feeds:nyt", Meta: "https://example.com/rss", Pending: true}
	if got := feedLine(pending); !strings.Contains(got, "pending") {
		t.Fatalf("pending line = %q, want pending marker", got)
	}

	fresh := core.WatchBindingView{SourceKind: "feeds:nyt", Meta: "https://example.com/rss"}
	if got := feedLine(fresh); !strings.Contains(got, "baselining") {
		t.Fatalf("fresh line = %q, want baselining marker", got)
	}

	live := core.WatchBindingView{
		SourceKind:     "feeds:nyt",
		Meta:           "https://example.com/rss",
		Baselined:      true,
		DeliveredTotal: 12,
	}
	got := feedLine(live)
	if !strings.Contains(got, "nyt") || !strings.Contains(got, "sent 12") {
		t.Fatalf("live line = %q, want name and delivery count", got)
	}

	failing := live
	failing.LastErr = "fetch: 503"
	if got := feedLine(failing); !strings.Contains(got, "fetch: 503") {
		t.Fatalf("failing line = %q, want last error", got)
	}
}
