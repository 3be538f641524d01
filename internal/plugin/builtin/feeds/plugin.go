// Package feeds lets operators attach arbitrary RSS/Atom feeds at runtime.
// Feed names are bot-global; the feed URL travels in the binding meta so
// sources can be rebuilt from storage after a restart.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	core "pewwatch/internal/plugin"
	pluginkit "pewwatch/internal/plugin/kit"
	"pewwatch/internal/source"
	feedsrc "pewwatch/internal/source/feeds"
	logx "pewwatch/pkg/logx"
)

const groupPrefix = feedsrc.KindPrefix

// nameRE constrains feed names to short slugs so they stay usable as
// command arguments and registry keys.
var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

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
	autoTask string            // last scheduled short name
	feeds    map[string]string // name -> url for registered sources
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "feeds" }

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

	if err := c.Timeouts.Validate("feeds.timeouts"); err != nil {
		return err
	}
	c.taskTimeout = c.Timeouts.TaskOr(10 * time.Minute)
	c.opTimeout = c.Timeouts.OperationOr(5 * time.Minute)

	// Feeds change more often than advisory pages; default is four times
	// a day. An omitted scheduler block means enabled.
	sc := c.Scheduler
	if sc.TaskName == "" {
		sc.TaskName = "poll"
	}
	if _, ok := probe["scheduler"]; !ok {
		sc.Enabled = true
	}
	if sc.Enabled && sc.Schedule == "" {
		sc.Schedule = "6h"
	}
	if sc.Enabled {
		if _, err := core.ParseSchedule(sc.Schedule); err != nil {
			return fmt.Errorf("invalid feeds.scheduler.schedule: %w", err)
		}
	}
	c.Scheduler = sc

	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()

	if p.Context() != nil {
		// Re-register with a fresh client so fetch settings follow the
		// shared watch section.
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

// rehydrateSources rebuilds feed sources from the binding table. The URL
// lives in the binding meta, so persisted attachments waiting in the
// pending set come back without any feed list in the bot config.
func (p *Plugin) rehydrateSources() {
	w := p.watchPort()
	if w == nil {
		p.Log.Warn("watch service not available; feed sources not registered")
		return
	}
	client := p.newClient()

	urls := map[string]string{}
	for _, v := range w.List(groupPrefix) {
		name := strings.TrimPrefix(v.SourceKind, groupPrefix)
		u := strings.TrimSpace(v.Meta)
		if name == "" || u == "" {
			continue
		}
		if prev, ok := urls[name]; ok && prev != u {
			// Bindings disagree on the URL; first one wins. Can only
			// happen when storage was edited by hand.
			p.Log.Warn("feed url conflict in bindings",
				logx.String("feed", name),
				logx.String("using", prev),
				logx.String("ignored", u),
			)
			continue
		}
		urls[name] = u
	}

	reg := make(map[string]string, len(urls))
	for name, u := range urls {
		src := feedsrc.New(client, name, u)
		if err := w.RegisterSource(src); err != nil {
			p.Log.Warn("feed registration failed", logx.String("kind", src.Kind()), logx.Err(err))
			continue
		}
		reg[name] = u
	}

	p.mu.Lock()
	p.feeds = reg
	p.mu.Unlock()

	if len(reg) > 0 {
		p.Log.Info("feed sources registered", logx.Int("count", len(reg)))
	}
}

func (p *Plugin) unregisterSources() {
	w := p.watchPort()

	p.mu.Lock()
	reg := p.feeds
	p.feeds = nil
	p.mu.Unlock()

	if w == nil {
		return
	}
	for name := range reg {
		w.UnregisterSource(groupPrefix + name)
	}
}

// registerFeed adds one named feed source. When the name is taken, the
// registered URL must match; operators pointing the same name somewhere
// else get told where it currently points.
func (p *Plugin) registerFeed(name, feedURL string) error {
	w := p.watchPort()
	if w == nil {
		return fmt.Errorf("watch service not available")
	}

	p.mu.Lock()
	if p.feeds == nil {
		p.feeds = map[string]string{}
	}
	if cur, ok := p.feeds[name]; ok && cur != feedURL {
		p.mu.Unlock()
		return fmt.Errorf("feed %q already points at %s", name, cur)
	}
	p.mu.Unlock()

	src := feedsrc.New(p.newClient(), name, feedURL)
	if err := w.RegisterSource(src); err != nil {
		return err
	}

	p.mu.Lock()
	p.feeds[name] = feedURL
	p.mu.Unlock()
	return nil
}

// dropFeedIfUnused unregisters the source when no binding references the
// kind anymore. Keeping sources without bindings around would only delay
// URL corrections.
func (p *Plugin) dropFeedIfUnused(name string) {
	w := p.watchPort()
	if w == nil {
		return
	}
	// List matches by prefix, so compare the kind exactly; "nyt" must
	// not stay registered because "nytimes" still has bindings.
	kind := groupPrefix + name
	for _, v := range w.List(kind) {
		if v.SourceKind == kind {
			return
		}
	}
	w.UnregisterSource(kind)

	p.mu.Lock()
	delete(p.feeds, name)
	p.mu.Unlock()
}

func (p *Plugin) feedURL(name string) (string, bool) {
	p.mu.RLock()
	u, ok := p.feeds[name]
	p.mu.RUnlock()
	return u, ok
}

func (p *Plugin) reconcileSchedule(c Config) {
	if p.Schedule() == nil {
		p.Log.Warn("scheduler not available; feed poll not scheduled")
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
		p.Log.Debug("feed poll disabled")
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
		p.Log.Error("feed poll schedule failed", logx.Err(err))
		return
	}

	p.mu.Lock()
	p.autoTask = sc.TaskName
	p.mu.Unlock()

	p.Log.Info("feed poll scheduled",
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

	p.Log.Info("feed pass finished",
		logx.Int("passes", res.Passes),
		logx.Int("delivered", res.Delivered),
		logx.Int("baselined", res.Baselined),
		logx.Int("failures", res.Failures),
	)
	p.PublishEvent("feeds.pass", res)

	if res.Failures > 0 {
		_ = p.Notify().Warn(fmt.Sprintf("Feed pass: %d of %d bindings failed", res.Failures, res.Passes))
	}
	return nil
}

func validFeedName(name string) bool {
	return nameRE.MatchString(name)
}

func validFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}
