package arxiv

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
	if c.Scheduler.Schedule != "24h" {
		t.Fatalf("Schedule = %q, want %q", c.Scheduler.Schedule, "24h")
	}
	if c.Scheduler.TaskName != "poll" {
		t.Fatalf("TaskName = %q, want %q", c.Scheduler.TaskName, "poll")
	}
	if c.taskTimeout != 10*time.Minute {
		t.Fatalf("taskTimeout = %v, want %v", c.taskTimeout, 10*time.Minute)
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

	raw := json.RawMessage(`{"scheduler":{"enabled":true,"schedule":"soonish"}}`)
	if err := p.OnConfigChange(context.Background(), raw); err == nil {
		t.Fatal("expected error for bad schedule")
	}
}

func TestValidCategory(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cat string
		ok  bool
	}{
		{"cs.CR", true},
		{"math.NT", true},
		{"stat.ML", true},
		{"quant-ph", true},
		{"hep-th", true},
		{"cond-mat.mes-hall", true},
		{"astro-ph.CO", true},
		{"", false},
		{"CS.CR", false},
		{".CR", false},
		{"cs.", false},
		{"cs CR", false},
		{"cs.CR; drop", false},
	}
	for _, tc := range cases {
		if got := validCategory(tc.cat); got != tc.ok {
			t.Errorf("validCategory(%q) = %v, want %v", tc.cat, got, tc.ok)
		}
	}
}

func TestSubscriptionLine(t *testing.T) {
	t.Parallel()

	pending := core.WatchBindingView{SourceKind: "arxiv:cs.CR", ChatID: -100, Pending: true}
	if got := subscriptionLine(pending); !strings.Contains(got, "pending") {
		t.Fatalf("pending line = %q, want pending marker", got)
	}

	live := core.WatchBindingView{
		SourceKind:     "arxiv:cs.CR",
		ChatID:         -100,
		ThreadID:       7,
		Baselined:      true,
		DeliveredTotal: 3,
	}
	got := subscriptionLine(live)
	if !strings.Contains(got, "cs.CR") || !strings.Contains(got, "-100/7") || !strings.Contains(got, "sent 3") {
		t.Fatalf("live line = %q, want category, destination and delivery count", got)
	}
}
