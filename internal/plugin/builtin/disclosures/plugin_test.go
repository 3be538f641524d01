package disclosures

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

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
	if c.minSev != "" {
		t.Errorf("minSev = %q, want empty (no floor)", c.minSev)
	}
	if !c.Scheduler.Active() {
		t.Error("Scheduler.Active() = false, want true by default")
	}
	if c.Scheduler.Schedule != "12h" {
		t.Errorf("Schedule = %q, want %q", c.Scheduler.Schedule, "12h")
	}
}

func TestOnConfigChangeMinSeverity(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"min_severity":"High"}`)
	if err := p.OnConfigChange(context.Background(), raw); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if got := p.cfgSnapshot().minSev; got != watch.SeverityHigh {
		t.Errorf("minSev = %q, want %q", got, watch.SeverityHigh)
	}
}

func TestOnConfigChangeRejectsUnknownSeverity(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t)

	raw := json.RawMessage(`{"min_severity":"catastrophic"}`)
	err := p.OnConfigChange(context.Background(), raw)
	if err == nil {
		t.Fatal("OnConfigChange accepted unknown severity")
	}
	if !strings.Contains(err.Error(), "unknown severity") {
		t.Errorf("error = %v, want mention of unknown severity", err)
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
