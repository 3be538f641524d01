// Package disclosures watches Bugzilla for security bugs whose embargo
// was just lifted and forwards them to attached chats. Unlike the vendor
// advisory pages this is a "changed since" API, so passes are cheap even
// when nothing happened.
package disclosures

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	core "pewwatch/internal/plugin"
	pluginkit "pewwatch/internal/plugin/kit"
	"pewwatch/internal/source"
	"pewwatch/internal/source/bugzilla"
	"pewwatch/internal/watch"
	logx "pewwatch/pkg/logx"
)

// Kind is the single source this plugin registers.
const Kind = "disclosures:firefox"

const groupPrefix = "disclosures:"

type Config struct {
	// MinSeverity drops findings rated below this level. One of low,
	// medium, high, critical. Empty delivers everything, including bugs
	// the tracker never rated.
	MinSeverity string `json:"min_severity,omitempty"`

	// BaseURL overrides the Bugzilla instance (default Mozilla's).
	BaseURL string `json:"base_url,omitempty"`

	Scheduler pluginkit.SchedulerTaskConfig `json:"scheduler"`
	Timeouts  pluginkit.TimeoutsConfig      `json:"timeouts,omitempty"`

	minSev      watch.Severity `json:"-"`
	taskTimeout time.Duration  `json:"-"`
	opTimeout   time.Duration  `json:"-"`
}

type Plugin struct {
	pluginkit.EnhancedPluginBase

	mu         sync.RWMutex
	cfg        Config
	autoTask   string // last scheduled short name
	registered bool
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "disclosures" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitEnhanced(deps, p.Name())
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartEnhanced(ctx)
	c := p.cfgSnapshot()
	p.registerSource(c)
	p.reconcileSchedule(c)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	err := p.StopEnhanced(ctx)
	p.unregisterSource()
	return err
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var probe map[string]json.RawMessage
	_ = json.Unmarshal(raw, &probe)

	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if s := strings.TrimSpace(c.MinSeverity); s != "" {
		sev := watch.ParseSeverity(s)
		if sev == "" {
			return fmt.Errorf("disclosures.min_severity: unknown severity %q (want low, medium, high or critical)", c.MinSeverity)
		}
		c.minSev = sev
	}

	if err := c.Timeouts.Validate("disclosures.timeouts"); err != nil {
		return err
	}
	c.taskTimeout = c.Timeouts.TaskOr(10 * time.Minute)
	c.opTimeout = c.Timeouts.OperationOr(5 * time.Minute)

	// An omitted scheduler block means enabled twice a day.
	sc := c.Scheduler
	if sc.TaskName == "" {
		sc.TaskName = "poll"
	}
	if _, ok := probe["scheduler"]; !ok {
		sc.Enabled = true
	}
	if sc.Enabled && sc.Schedule == "" {
		sc.Schedule = "12h"
	}
	if sc.Enabled {
		if _, err := core.ParseSchedule(sc.Schedule); err != nil {
			return fmt.Errorf("invalid disclosures.scheduler.schedule: %w", err)
		}
	}
	c.Scheduler = sc

	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()

	if p.Context() != nil {
		p.registerSource(c)
		p.reconcileSchedule(c)
	}
	return nil
}

func (p *Plugin) cfgSnapshot() Config {
	p.mu.RLock()
	c := p.cfg
	p.mu.RUnlock()
	return c
}

func (p *Plugin) watchPort() core.WatchPort {
	if p.Deps.Services == nil {
		return nil
	}
	return p.Deps.Services.Watch
}

func (p *Plugin) newClient() *source.Client {
	cfg := p.Deps.Config.Get()
	if cfg == nil {
		return source.NewClient(0, "")
	}
	w := cfg.Watch
	return source.NewClient(w.HTTPTimeoutOr(0), w.UserAgentOr(""))
}

// registerSource (re)registers the Bugzilla adapter, wrapped with the
// severity floor. Re-registering swaps the adapter in place, so floor and
// instance changes take effect without touching bindings.
func (p *Plugin) registerSource(c Config) {
	w := p.watchPort()
	if w == nil {
		p.Log.Warn("watch service not available; disclosure source not registered")
		return
	}

	src := bugzilla.New(p.newClient(), Kind)
	src.BaseURL = c.BaseURL

	if err := w.RegisterSource(watch.WithSeverityFloor(src, c.minSev)); err != nil {
		p.Log.Warn("source registration failed", logx.String("kind", Kind), logx.Err(err))
		return
	}

	p.mu.Lock()
	p.registered = true
	p.mu.Unlock()

	p.Log.Info("disclosure source registered",
		logx.String("kind", Kind),
		logx.String("min_severity", string(c.minSev)),
	)
}

func (p *Plugin) unregisterSource() {
	w := p.watchPort()

	p.mu.Lock()
	was := p.registered
	p.registered = false
	p.mu.Unlock()

	if w == nil || !was {
		return
	}
	w.UnregisterSource(Kind)
}

func (p *Plugin) reconcileSchedule(c Config) {
	if p.Schedule() == nil {
		p.Log.Warn("scheduler not available; disclosure poll not scheduled")
		return
	}

	p.mu.RLock()
	old := p.autoTask
	p.mu.RUnlock()

	sc := c.Scheduler
	if old != "" && old != sc.TaskName {
		p.Schedule().Remove(old)
	}
	if !sc.Active() {
		if old != "" {
			p.Schedule().Remove(old)
		}
		p.mu.Lock()
		p.autoTask = ""
		p.mu.Unlock()
		p.Log.Debug("disclosure poll disabled")
		return
	}

	err := p.Schedule().Spec(sc.TaskName, sc.Schedule).
		Timeout(c.taskTimeout).
		SkipIfRunning().
		NoCircuitBreak().
		Do(func(ctx context.Context) error {
			return p.pollTick(ctx)
		})
	if err != nil {
		p.Log.Error("disclosure poll schedule failed", logx.Err(err))
		return
	}

	p.mu.Lock()
	p.autoTask = sc.TaskName
	p.mu.Unlock()

	p.Log.Info("disclosure poll scheduled",
		logx.String("task", sc.TaskName),
		logx.String("spec", sc.Schedule),
	)
}

func (p *Plugin) pollTick(ctx context.Context) error {
	w := p.watchPort()
	if w == nil {
		return nil
	}
	res := w.RunGroup(ctx, groupPrefix)
	if res.Passes == 0 {
		return nil
	}

	p.Log.Info("disclosure pass finished",
		logx.Int("passes", res.Passes),
		logx.Int("delivered", res.Delivered),
		logx.Int("baselined", res.Baselined),
		logx.Int("failures", res.Failures),
	)
	p.PublishEvent("disclosures.pass", res)

	if res.Failures > 0 {
		_ = p.Notify().Warn(fmt.Sprintf("Disclosure pass: %d of %d bindings failed", res.Failures, res.Passes))
	}
	return nil
}
