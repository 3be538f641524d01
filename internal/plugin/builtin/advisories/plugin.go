// Package advisories watches the stable-channel security advisory pages
// of the major browser vendors and forwards new entries to attached chats.
package advisories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	core "pewwatch/internal/plugin"
	pluginkit "pewwatch/internal/plugin/kit"
	"pewwatch/internal/source"
	"pewwatch/internal/source/chrome"
	"pewwatch/internal/source/firefox"
	"pewwatch/internal/source/safari"
	"pewwatch/internal/watch"
	logx "pewwatch/pkg/logx"
)

// groupPrefix namespaces the vendor sources this plugin owns.
const groupPrefix = "advisories:"

// vendorOrder fixes listing order in UIs and help text.
var vendorOrder = []string{"chrome", "firefox", "safari"}

type Config struct {
	// Vendors selects which advisory pages to watch. Valid values:
	// chrome, firefox, safari. Empty means all of them.
	Vendors []string `json:"vendors,omitempty"`

	Scheduler pluginkit.SchedulerTaskConfig `json:"scheduler"`
	Timeouts  pluginkit.TimeoutsConfig      `json:"timeouts,omitempty"`

	taskTimeout time.Duration `json:"-"`
	opTimeout   time.Duration `json:"-"`
}

type Plugin struct {
	pluginkit.EnhancedPluginBase

	mu         sync.RWMutex
	cfg        Config
	autoTask   string   // last scheduled short name
	registered []string // source kinds currently registered

	ui *pluginkit.UIHub
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "advisories" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitEnhanced(deps, p.Name())

	p.ui = pluginkit.NewUIHub(p.Name()).WithAccess(core.CallbackAccessOwnerOnly)
	p.ui.On(viewList, p.viewList)
	p.ui.On(viewClosed, p.viewClosed)
	p.ui.On(viewDetachPick, p.viewDetachPick)
	p.ui.On(viewDetachConfirm, p.viewDetachConfirm)
	p.ui.On(viewDetachExec, p.viewDetachExec)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartEnhanced(ctx)
	c := p.cfgSnapshot()
	p.registerSources(c)
	p.reconcileSchedule(c)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	// Schedules go first (auto cleanup), then the sources; bindings fall
	// back to the pending set and survive in storage.
	err := p.StopEnhanced(ctx)
	p.unregisterSources()
	return err
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		// An omitted block still means "watch everything with defaults".
		raw = json.RawMessage("{}")
	}

	var probe map[string]json.RawMessage
	_ = json.Unmarshal(raw, &probe)

	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	// Defaults: every vendor unless explicitly narrowed.
	if len(c.Vendors) == 0 {
		c.Vendors = append([]string(nil), vendorOrder...)
	}
	c.Vendors = normalizeVendors(c.Vendors)
	for _, v := range c.Vendors {
		if !knownVendor(v) {
			return fmt.Errorf("advisories.vendors: unknown vendor %q (want chrome, firefox or safari)", v)
		}
	}

	// Validate optional standardized timeouts.
	if err := c.Timeouts.Validate("advisories.timeouts"); err != nil {
		return err
	}

	// timeouts.task bounds one scheduled poll over every binding; paced
	// delivery makes big passes slow, so the default is generous.
	c.taskTimeout = c.Timeouts.TaskOr(15 * time.Minute)

	// timeouts.operation bounds a manual /advisories run.
	c.opTimeout = c.Timeouts.OperationOr(10 * time.Minute)

	// Scheduler defaults: polling is the whole point of the plugin, so an
	// omitted scheduler block means enabled twice a day.
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
			return fmt.Errorf("invalid advisories.scheduler.schedule: %w", err)
		}
	}
	c.Scheduler = sc

	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()

	// Only touch live services when running.
	if p.Context() != nil {
		p.registerSources(c)
		p.reconcileSchedule(c)
	}
	return nil
}

func (p *Plugin) cfgSnapshot() Config {
	p.mu.RLock()
	c := p.cfg
	c.Vendors = append([]string(nil), p.cfg.Vendors...)
	p.mu.RUnlock()
	return c
}

func (p *Plugin) watchPort() core.WatchPort {
	if p.Deps.Services == nil {
		return nil
	}
	return p.Deps.Services.Watch
}

// newClient builds the fetch client from the shared watch section of the
// bot config. Zero values fall through to the client defaults.
func (p *Plugin) newClient() *source.Client {
	cfg := p.Deps.Config.Get()
	if cfg == nil {
		return source.NewClient(0, "")
	}
	w := cfg.Watch
	return source.NewClient(w.HTTPTimeoutOr(0), w.UserAgentOr(""))
}

func newVendorSource(vendor string, c *source.Client) watch.Source {
	switch vendor {
	case "chrome":
		return chrome.New(c)
	case "firefox":
		return firefox.New(c)
	case "safari":
		return safari.New(c)
	}
	return nil
}

// registerSources reconciles the registered vendor set against cfg.
// Re-registering an existing kind just swaps the adapter in place, which
// also picks up fetch client changes after a reload.
func (p *Plugin) registerSources(c Config) {
	w := p.watchPort()
	if w == nil {
		p.Log.Warn("watch service not available; advisory sources not registered")
		return
	}
	client := p.newClient()

	want := make(map[string]bool, len(c.Vendors))
	for _, v := range c.Vendors {
		want[groupPrefix+v] = true
	}

	p.mu.RLock()
	old := append([]string(nil), p.registered...)
	p.mu.RUnlock()

	for _, kind := range old {
		if !want[kind] {
			w.UnregisterSource(kind)
		}
	}

	reg := make([]string, 0, len(c.Vendors))
	for _, v := range c.Vendors {
		src := newVendorSource(v, client)
		if src == nil {
			continue
		}
		if err := w.RegisterSource(src); err != nil {
			p.Log.Warn("source registration failed", logx.String("kind", src.Kind()), logx.Err(err))
			continue
		}
		reg = append(reg, src.Kind())
	}
	sort.Strings(reg)

	p.mu.Lock()
	p.registered = reg
	p.mu.Unlock()

	p.Log.Info("advisory sources registered", logx.Int("count", len(reg)))
}

func (p *Plugin) unregisterSources() {
	w := p.watchPort()

	p.mu.Lock()
	reg := p.registered
	p.registered = nil
	p.mu.Unlock()

	if w == nil {
		return
	}
	for _, kind := range reg {
		w.UnregisterSource(kind)
	}
}

// reconcileSchedule sets up or removes the poll task to match cfg.
func (p *Plugin) reconcileSchedule(c Config) {
	if p.Schedule() == nil {
		p.Log.Warn("scheduler not available; advisory poll not scheduled")
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
		p.Log.Debug("advisory poll disabled")
		return
	}

	// The circuit breaker stays off: a broken vendor page must not stop
	// the nightly attempt, and per-binding isolation already contains it.
	err := p.Schedule().Spec(sc.TaskName, sc.Schedule).
		Timeout(c.taskTimeout).
		SkipIfRunning().
		NoCircuitBreak().
		Do(func(ctx context.Context) error {
			return p.pollTick(ctx)
		})
	if err != nil {
		p.Log.Error("advisory poll schedule failed", logx.Err(err))
		return
	}

	p.mu.Lock()
	p.autoTask = sc.TaskName
	p.mu.Unlock()

	p.Log.Info("advisory poll scheduled",
		logx.String("task", sc.TaskName),
		logx.String("spec", sc.Schedule),
		logx.Duration("task_timeout", c.taskTimeout),
	)
}

// pollTick runs one scheduled pass over every advisory binding.
func (p *Plugin) pollTick(ctx context.Context) error {
	w := p.watchPort()
	if w == nil {
		return nil
	}
	res := w.RunGroup(ctx, groupPrefix)
	if res.Passes == 0 {
		return nil
	}

	p.Log.Info("advisory pass finished",
		logx.Int("passes", res.Passes),
		logx.Int("delivered", res.Delivered),
		logx.Int("baselined", res.Baselined),
		logx.Int("dropped", res.Dropped),
		logx.Int("failures", res.Failures),
	)
	p.PublishEvent("advisories.pass", res)

	if res.Failures > 0 {
		_ = p.Notify().Warn(fmt.Sprintf("Advisory pass: %d of %d bindings failed", res.Failures, res.Passes))
	}
	return nil
}

func normalizeVendors(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func knownVendor(v string) bool {
	for _, k := range vendorOrder {
		if v == k {
			return true
		}
	}
	return false
}
