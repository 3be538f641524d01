package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	core "pewwatch/internal/plugin"
	"pewwatch/internal/storage"
	kit "pewwatch/internal/transport"
	"pewwatch/internal/watch"
)

// opCtx binds a command context to the plugin lifecycle context and bounds
// it with the configured operation timeout.
func (p *Plugin) opCtx(reqCtx context.Context) (context.Context, context.CancelFunc) {
	p.mu.RLock()
	to := p.cfg.opTimeout
	p.mu.RUnlock()
	if to <= 0 {
		to = 5 * time.Minute
	}

	plug := p.Context()
	if plug == nil {
		if reqCtx == nil {
			reqCtx = context.Background()
		}
		return context.WithTimeout(reqCtx, to)
	}
	if reqCtx == nil {
		return context.WithTimeout(plug, to)
	}
	cctx, cancel := context.WithCancel(plug)
	stop := context.AfterFunc(reqCtx, func() {
		cancel()
	})
	tctx, tcancel := context.WithTimeout(cctx, to)
	return tctx, func() {
		_ = stop()
		tcancel()
		cancel()
	}
}

func (p *Plugin) Commands() []core.Command {
	return []core.Command{
		{
			Route:       "feeds",
			Aliases:     []string{"rss"},
			Description: "pantau RSS/Atom feed (bantuan)",
			Usage:       "/feeds  (lihat subcommand)",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdHelp,
		},
		{
			Route:       "feeds add",
			Aliases:     []string{"feeds_add"},
			Description: "pasang feed ke chat ini",
			Usage:       "/feeds add <name> <url>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdAdd,
		},
		{
			Route:       "feeds remove",
			Aliases:     []string{"feeds_remove"},
			Description: "lepas feed dari chat ini",
			Usage:       "/feeds remove <name>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRemove,
		},
		{
			Route:       "feeds list",
			Aliases:     []string{"feeds_list"},
			Description: "daftar feed di chat ini",
			Usage:       "/feeds list",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdList,
		},
		{
			Route:       "feeds run",
			Aliases:     []string{"feeds_run"},
			Description: "jalankan satu pass feed sekarang",
			Usage:       "/feeds run [name]",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRun,
		},
	}
}

func (p *Plugin) cmdHelp(ctx context.Context, req *core.Request) error {
	c := p.cfgSnapshot()

	p.mu.RLock()
	count := len(p.feeds)
	p.mu.RUnlock()

	lines := []string{
		"feeds help:",
		"/feeds add <name> <url>",
		"/feeds remove <name>",
		"/feeds list",
		"/feeds run [name]",
		fmt.Sprintf("registered feeds: %d", count),
	}
	sc := c.Scheduler
	if sc.Active() {
		lines = append(lines, "poll: "+sc.Schedule)
	} else {
		lines = append(lines, "poll: disabled")
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, strings.Join(lines, "\n"), nil)
	return nil
}

func (p *Plugin) cmdAdd(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	if len(req.Args) < 2 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /feeds add <name> <url>", nil)
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(req.Args[0]))
	feedURL := strings.TrimSpace(req.Args[1])
	if !validFeedName(name) {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "feed name must be a short slug (a-z, 0-9, - or _, max 32 chars)", nil)
		return nil
	}
	if err := validFeedURL(feedURL); err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, err.Error(), nil)
		return nil
	}

	if err := p.registerFeed(name, feedURL); err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, err.Error(), nil)
		return nil
	}

	// The URL rides along as binding meta so the source can be rebuilt
	// from storage on the next start.
	kind := groupPrefix + name
	err := w.Attach(ctx, kind, req.Chat, feedURL, req.FromID)
	switch {
	case errors.Is(err, watch.ErrAlreadyBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, "feed "+name+" is already attached here", nil)
		return nil
	case err != nil:
		p.dropFeedIfUnused(name)
		_, _ = req.Adapter.SendText(ctx, req.Chat, "attach failed: "+err.Error(), nil)
		return nil
	}

	p.audit(ctx, req, "add", kind, map[string]any{"url": feedURL})
	_, _ = req.Adapter.SendText(ctx, req.Chat, "✅ feed "+name+" attached; the next pass baselines without sending history", nil)
	return nil
}

func (p *Plugin) cmdRemove(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	if len(req.Args) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /feeds remove <name>", nil)
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(req.Args[0]))

	kind := groupPrefix + name
	err := w.Detach(ctx, kind, req.Chat)
	switch {
	case errors.Is(err, watch.ErrNotBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, "feed "+name+" is not attached here", nil)
		return nil
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "detach failed: "+err.Error(), nil)
		return nil
	}

	p.dropFeedIfUnused(name)
	p.audit(ctx, req, "remove", kind, nil)

	msg := "🗑 feed " + name + " detached"
	if _, still := p.feedURL(name); !still {
		msg += " (no chats left, source unregistered)"
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, msg, nil)
	return nil
}

func (p *Plugin) cmdList(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	// Only this chat; feeds are ad-hoc enough that a global list is noise.
	var lines []string
	for _, v := range w.List(groupPrefix) {
		if v.ChatID != req.Chat.ChatID || v.ThreadID != req.Chat.ThreadID {
			continue
		}
		lines = append(lines, feedLine(v))
	}
	if len(lines) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no feeds attached here\nuse /feeds add <name> <url>", nil)
		return nil
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, "feeds in this chat:\n"+strings.Join(lines, "\n"), nil)
	return nil
}

func (p *Plugin) cmdRun(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	label := "all feeds"
	var name string
	if len(req.Args) > 0 {
		name = strings.ToLower(strings.TrimSpace(req.Args[0]))
		if _, ok := p.feedURL(name); !ok {
			_, _ = req.Adapter.SendText(ctx, req.Chat, "no feed named "+name, nil)
			return nil
		}
		label = name
	}

	_, _ = req.Adapter.SendText(ctx, req.Chat, "running feed pass ("+label+")...", nil)

	started := time.Now()
	octx, cancel := p.opCtx(ctx)
	defer cancel()

	var res core.WatchGroupResult
	if name == "" {
		res = w.RunGroup(octx, groupPrefix)
	} else {
		res = runKind(octx, w, groupPrefix+name)
	}

	p.audit(ctx, req, "run", groupPrefix+name, map[string]any{
		"passes":    res.Passes,
		"delivered": res.Delivered,
		"failures":  res.Failures,
		"took_ms":   time.Since(started).Milliseconds(),
	})
	_, _ = req.Adapter.SendText(ctx, req.Chat, formatGroupResult(res), nil)
	return nil
}

// runKind runs every live binding of one exact kind. RunGroup matches by
// prefix, which would drag "nytimes" into a run of "nyt".
func runKind(ctx context.Context, w core.WatchPort, kind string) core.WatchGroupResult {
	var g core.WatchGroupResult
	for _, v := range w.List(kind) {
		if v.SourceKind != kind || v.Pending {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res, err := w.RunBinding(ctx, kind, kit.ChatTarget{ChatID: v.ChatID, ThreadID: v.ThreadID})
		g.Passes++
		g.Delivered += res.Delivered
		g.Dropped += res.Dropped
		if res.Baselined {
			g.Baselined++
		}
		if err != nil && !errors.Is(err, watch.ErrPassInProgress) && !errors.Is(err, watch.ErrNotBound) {
			g.Failures++
		}
	}
	return g
}

func feedLine(v core.WatchBindingView) string {
	name := strings.TrimPrefix(v.SourceKind, groupPrefix)
	line := "- " + name + " " + v.Meta
	switch {
	case v.Pending:
		line += ": pending (source not registered)"
	case !v.Baselined:
		line += ": baselining on next pass"
	case v.LastErr != "":
		line += fmt.Sprintf(": sent %d, last error: %s", v.DeliveredTotal, v.LastErr)
	default:
		line += fmt.Sprintf(": sent %d", v.DeliveredTotal)
	}
	return line
}

func formatGroupResult(res core.WatchGroupResult) string {
	if res.Passes == 0 {
		return "no bindings to run"
	}
	msg := fmt.Sprintf("pass done: %d binding(s), %d delivered", res.Passes, res.Delivered)
	if res.Baselined > 0 {
		msg += fmt.Sprintf(", %d baselined", res.Baselined)
	}
	if res.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", res.Dropped)
	}
	if res.Failures > 0 {
		msg += fmt.Sprintf(", %d failed", res.Failures)
	}
	return msg
}

func (p *Plugin) audit(ctx context.Context, req *core.Request, action, target string, meta map[string]any) {
	// Best-effort audit only (storage may be disabled)
	a := storage.AuditEntry{
		At:       time.Now(),
		ActorID:  req.FromID,
		ChatID:   req.Chat.ChatID,
		ThreadID: req.Chat.ThreadID,
		Plugin:   p.Name(),
		Action:   p.Name() + "." + action,
		Target:   target,
	}
	if req.Update.Message != nil {
		a.ActorUsername = req.Update.Message.FromUsername
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			a.MetaJSON = string(b)
		}
	}

	auditCtx := ctx
	if auditCtx == nil {
		auditCtx = context.Background()
	}
	cctx, cancel := context.WithTimeout(auditCtx, 1*time.Second)
	defer cancel()
	_ = p.AppendAudit(cctx, a)
}
