// Package arxiv announces new papers in subscribed arXiv categories.
// Categories live in the source kind ("arxiv:cs.CR"), so persisted
// subscriptions rebuild from the binding table alone.
package arxiv

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	core "pewwatch/internal/plugin"
	pluginkit "pewwatch/internal/plugin/kit"
	"pewwatch/internal/source"
	arxivsrc "pewwatch/internal/source/arxiv"
	logx "pewwatch/pkg/logx"
)

const groupPrefix = arxivsrc.KindPrefix

// categoryRE matches arXiv category identifiers: a lowercase archive,
// optionally a dotted subject class ("cs.CR", "quant-ph",
// "cond-mat.mes-hall"). Casing is kept as typed; subject classes mix case.
var categoryRE = regexp.MustCompile(`^[a-z][a-z-]{0,15}(\.[A-Za-z][A-Za-z-]{0,15})?$`)

type Config struct {
	Scheduler pluginkit.SchedulerTaskConfig `json:"scheduler"`
	Timeouts  pluginkit.TimeoutsConfig      `json:"timeouts,omitempty"`

	taskTimeout time.Duration `json:"-"`
	opTimeout   time.Duration `json:"-"`
}

type Plugin struct {
	pluginkit.EnhancedPluginBase

	mu       sync.RWMutex
	cfg      Config
	autoTask string          // last scheduled short name
	cats     map[string]bool // categories currently registered
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "arxiv" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitEnhanced(deps, p.Name())
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartEnhanced(ctx)
	p.rehydrateSources()
	p.reconcileSchedule(p.cfgSnapshot())
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	err := p.StopEnhanced(ctx)
	p.unregisterSources()
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

	if err := c.Timeouts.Validate("arxiv.timeouts"); err != nil {
		return err
	}
	c.taskTimeout = c.Timeouts.TaskOr(10 * time.Minute)
	c.opTimeout = c.Timeouts.OperationOr(5 * time.Minute)

	// One listing per category and day is plenty; submissions are batched
	// by the arXiv announcement cycle anyway.
	sc := c.Scheduler
	if sc.TaskName == "" {
		sc.TaskName = "poll"
	}
	if _, ok := probe["scheduler"]; !ok {
		sc.Enabled = true
	}
	if sc.Enabled && sc.Schedule == "" {
		sc.Schedule = "24h"
	}
	if sc.Enabled {
		if _, err := core.ParseSchedule(sc.Schedule); err != nil {
			return fmt.Errorf("invalid arxiv.scheduler.schedule: %w", err)
		}
	}
	c.Scheduler = sc

	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()

	if p.Context() != nil {
		p.rehydrateSources()
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

// rehydrateSources registers a source for every category that appears in
// the binding table. Validation happened on add; whatever storage holds
// gets a source so its bindings leave the pending set.
func (p *Plugin) rehydrateSources() {
	w := p.watchPort()
	if w == nil {
		p.Log.Warn("watch service not available; arxiv sources not registered")
		return
	}
	client := p.newClient()

	cats := map[string]bool{}
	for _, v := range w.List(groupPrefix) {
		cat := strings.TrimPrefix(v.SourceKind, groupPrefix)
		if cat != "" {
			cats[cat] = true
		}
	}

	reg := make(map[string]bool, len(cats))
	for cat := range cats {
		src := arxivsrc.New(client, cat)
		if err := w.RegisterSource(src); err != nil {
			p.Log.Warn("arxiv registration failed", logx.String("kind", src.Kind()), logx.Err(err))
			continue
		}
		reg[cat] = true
	}

	p.mu.Lock()
	p.cats = reg
	p.mu.Unlock()

	if len(reg) > 0 {
		p.Log.Info("arxiv categories registered", logx.Int("count", len(reg)))
	}
}

func (p *Plugin) unregisterSources() {
	w := p.watchPort()

	p.mu.Lock()
	reg := p.cats
	p.cats = nil
	p.mu.Unlock()

	if w == nil {
		return
	}
	for cat := range reg {
		w.UnregisterSource(groupPrefix + cat)
	}
}

func (p *Plugin) registerCategory(cat string) error {
	w := p.watchPort()
	if w == nil {
		return fmt.Errorf("watch service not available")
	}
	if err := w.RegisterSource(arxivsrc.New(p.newClient(), cat)); err != nil {
		return err
	}

	p.mu.Lock()
	if p.cats == nil {
		p.cats = map[string]bool{}
	}
	p.cats[cat] = true
	p.mu.Unlock()
	return nil
}

// dropCategoryIfUnused unregisters the source once no binding references
// the exact kind anymore. List matches by prefix, so compare exactly.
func (p *Plugin) dropCategoryIfUnused(cat string) {
	w := p.watchPort()
	if w == nil {
		return
	}
	kind := groupPrefix + cat
	for _, v := range w.List(kind) {
		if v.SourceKind == kind {
			return
		}
	}
	w.UnregisterSource(kind)

	p.mu.Lock()
	delete(p.cats, cat)
	p.mu.Unlock()
}

func (p *Plugin) hasCategory(cat string) bool {
	p.mu.RLock()
	ok := p.cats[cat]
	p.mu.RUnlock()
	return ok
}

func (p *Plugin) reconcileSchedule(c Config) {
	if p.Schedule() == nil {
		p.Log.Warn("scheduler not available; arxiv poll not scheduled")
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
		p.Log.Debug("arxiv poll disabled")
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
		p.Log.Error("arxiv poll schedule failed", logx.Err(err))
		return
	}

	p.mu.Lock()
	p.autoTask = sc.TaskName
	p.mu.Unlock()

	p.Log.Info("arxiv poll scheduled",
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

	p.Log.Info("arxiv pass finished",
		logx.Int("passes", res.Passes),
		logx.Int("delivered", res.Delivered),
		logx.Int("baselined", res.Baselined),
		logx.Int("failures", res.Failures),
	)
	p.PublishEvent("arxiv.pass", res)

	if res.Failures > 0 {
		_ = p.Notify().Warn(fmt.Sprintf("arXiv pass: %d of %d bindings failed", res.Failures, res.Passes))
	}
	return nil
}

func validCategory(cat string) bool {
	return categoryRE.MatchString(cat)
}
