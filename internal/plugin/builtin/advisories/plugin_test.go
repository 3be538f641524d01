package advisories

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	core "pewwatch/internal/plugin"
	"pewwatch/internal/watch"
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
	want := []string{"chrome", "firefox", "safari"}
	if len(c.Vendors) != len(want) {
		t.Fatalf("Vendors = %v, want %v", c.Vendors, want)
	}
	for i := range want {
		if c.Vendors[i] != want[i] {
			t.Errorf("Vendors[%d] = %q, want %q", i, c.Vendors[i], want[i])
		}
	}
	if !c.Scheduler.Active() {
		t.Errorf("Scheduler.Active() = false, want true by default")
	}
	if c.Scheduler.Schedule != "12h" {
		t.Errorf("Schedule = %q, want %q", c.Scheduler.Schedule, "12h")
	}
	if c.Scheduler.TaskName != "poll" {
		t.Errorf("TaskName = %q, want %q", c.Scheduler.TaskName, "poll")
	}
	if c.taskTimeout != 15*time.Minute {
		t.Errorf("taskTimeout = %v, want %v", c.taskTimeout, 15*time.Minute)
	}
}

func TestOnConfigChangeVendorSubset(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"vendors":["Firefox","CHROME","chrome"]}`)
	if err := p.OnConfigChange(context.Background(), raw); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}

	c := p.cfgSnapshot()
	want := []string{"chrome", "firefox"}
	if len(c.Vendors) != len(want) {
		t.Fatalf("Vendors = %v, want %v", c.Vendors, want)
	}
	for i := range want {
		if c.Vendors[i] != want[i] {
			t.Errorf("Vendors[%d] = %q, want %q", i, c.Vendors[i], want[i])
		}
	}
}

func TestOnConfigChangeRejectsUnknownVendor(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"vendors":["opera"]}`)
	err := p.OnConfigChange(context.Background(), raw)
	if err == nil {
		t.Fatal("OnConfigChange accepted unknown vendor")
	}
	if !strings.Contains(err.Error(), "unknown vendor") {
		t.Errorf("error = %v, want mention of unknown vendor", err)
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
		t.Error("Scheduler.Active() = true after explicit disable")
	}
}

func TestOnConfigChangeRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"scheduler":{"enabled":true,"schedule":"nonsense"}}`)
	if err := p.OnConfigChange(context.Background(), raw); err == nil {
		t.Fatal("OnConfigChange accepted invalid schedule")
	}
}

func TestOnConfigChangeRejectsBadTimeout(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"timeouts":{"task":"10x"}}`)
	if err := p.OnConfigChange(context.Background(), raw); err == nil {
		t.Fatal("OnConfigChange accepted invalid timeouts.task")
	}
}

func TestVendorFromArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{[]string{"chrome"}, "chrome", false},
		{[]string{"Safari"}, "safari", false},
		{[]string{" firefox "}, "firefox", false},
		{[]string{"edge"}, "", true},
		{nil, "", true},
	}
	for _, tt := range tests {
		got, err := vendorFromArgs(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("vendorFromArgs(%v) err = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("vendorFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestFormatGroupResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		res  core.WatchGroupResult
		want string
	}{
		{"empty", core.WatchGroupResult{}, "no bindings to run"},
		{"quiet", core.WatchGroupResult{Passes: 2}, "pass done: 2 binding(s), 0 delivered"},
		{"delivered", core.WatchGroupResult{Passes: 3, Delivered: 7, Baselined: 1}, "pass done: 3 binding(s), 7 delivered, 1 baselined"},
		{"failures", core.WatchGroupResult{Passes: 2, Failures: 1}, "pass done: 2 binding(s), 0 delivered, 1 failed"},
	}
	for _, tt := range tests {
		if got := formatGroupResult(tt.res); got != tt.want {
			t.Errorf("%s: formatGroupResult = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBindingLineStates(t *testing.T) {
	t.Parallel()

	pend := bindingLine(watch.BindingView{SourceKind: "advisories:chrome", ChatID: -100, Pending: true})
	if !strings.Contains(pend, "pending") {
		t.Errorf("pending line = %q, want mention of pending", pend)
	}

	fresh := bindingLine(watch.BindingView{SourceKind: "advisories:safari", ChatID: -100})
	if !strings.Contains(fresh, "baselining") {
		t.Errorf("fresh line = %q, want mention of baselining", fresh)
	}

	live := bindingLine(watch.BindingView{
		SourceKind:     "advisories:firefox",
		ChatID:         -100,
		ThreadID:       7,
		Baselined:      true,
		DeliveredTotal: 12,
	})
	if !strings.Contains(live, "sent 12") {
		t.Errorf("live line = %q, want sent count", live)
	}
	if !strings.Contains(live, "-100/7") {
		t.Errorf("live line = %q, want chat/thread destination", live)
	}
}

func TestBindingKeyRoundTrip(t *testing.T) {
	t.Parallel()

	v := watch.BindingView{SourceKind: "advisories:chrome", ChatID: -1001234, ThreadID: 45}
	key := bindingKey(v)
	vendor, target, err := parseBindingKey(key)
	if err != nil {
		t.Fatalf("parseBindingKey(%q): %v", key, err)
	}
	if vendor != "chrome" {
		t.Errorf("vendor = %q, want chrome", vendor)
	}
	if target.ChatID != -1001234 || target.ThreadID != 45 {
		t.Errorf("target = %+v, want {-1001234 45}", target)
	}

	for _, bad := range []string{"", "chrome", "chrome|x|1", "chrome|1|y", "|1|2"} {
		if _, _, err := parseBindingKey(bad); err == nil {
			t.Errorf("parseBindingKey(%q): want error", bad)
		}
	}
}
