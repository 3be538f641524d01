package arxiv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
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
			Route:       "arxiv",
			Aliases:     []string{"arx"},
			Description: "pantau paper arXiv per kategori (bantuan)",
			Usage:       "/arxiv  (lihat subcommand)",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdHelp,
		},
		{
			Route:       "arxiv add",
			Aliases:     []string{"arxiv_add"},
			Description: "langganan kategori arxiv di chat ini",
			Usage:       "/arxiv add <category>  (mis. cs.CR)",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdAdd,
		},
		{
			Route:       "arxiv remove",
			Aliases:     []string{"arxiv_remove"},
			Description: "berhenti langganan kategori arxiv",
			Usage:       "/arxiv remove <category>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRemove,
		},
		{
			Route:       "arxiv list",
			Aliases:     []string{"arxiv_list"},
			Description: "daftar langganan arxiv (semua chat)",
			Usage:       "/arxiv list",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdList,
		},
		{
			Route:       "arxiv run",
			Aliases:     []string{"arxiv_run"},
			Description: "jalankan satu pass arxiv sekarang",
			Usage:       "/arxiv run [category]",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRun,
		},
	}
}

func (p *Plugin) cmdHelp(ctx context.Context, req *core.Request) error {
	c := p.cfgSnapshot()

	p.mu.RLock()
	cats := make([]string, 0, len(p.cats))
	for cat := range p.cats {
		cats = append(cats, cat)
	}
	p.mu.RUnlock()
	sort.Strings(cats)

	lines := []string{
		"arxiv help:",
		"/arxiv add <category>  (mis. cs.CR, quant-ph)",
		"/arxiv remove <category>",
		"/arxiv list",
		"/arxiv run [category]",
	}
	if len(cats) > 0 {
		lines = append(lines, "categories: "+strings.Join(cats, ", "))
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

	if len(req.Args) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /arxiv add <category>  (mis. cs.CR)", nil)
		return nil
	}
	cat := strings.TrimSpace(req.Args[0])
	if !validCategory(cat) {
		_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("%q does not look like an arXiv category (want cs.CR, quant-ph, ...)", cat), nil)
		return nil
	}

	if err := p.registerCategory(cat); err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "register failed: "+err.Error(), nil)
		return nil
	}

	kind := groupPrefix + cat
	err := w.Attach(ctx, kind, req.Chat, "", req.FromID)
	switch {
	case errors.Is(err, watch.ErrAlreadyBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, cat+" is already subscribed here", nil)
		return nil
	case err != nil:
		p.dropCategoryIfUnused(cat)
		_, _ = req.Adapter.SendText(ctx, req.Chat, "attach failed: "+err.Error(), nil)
		return nil
	}

	p.audit(ctx, req, "add", kind, nil)
	_, _ = req.Adapter.SendText(ctx, req.Chat, "✅ "+cat+" subscribed; the next pass baselines without sending history", nil)
	return nil
}

func (p *Plugin) cmdRemove(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	if len(req.Args) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /arxiv remove <category>", nil)
		return nil
	}
	cat := strings.TrimSpace(req.Args[0])

	kind := groupPrefix + cat
	err := w.Detach(ctx, kind, req.Chat)
	switch {
	case errors.Is(err, watch.ErrNotBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, cat+" is not subscribed here", nil)
		return nil
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "detach failed: "+err.Error(), nil)
		return nil
	}

	p.dropCategoryIfUnused(cat)
	p.audit(ctx, req, "remove", kind, nil)
	_, _ = req.Adapter.SendText(ctx, req.Chat, "🗑 "+cat+" unsubscribed", nil)
	return nil
}

func (p *Plugin) cmdList(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	views := w.List(groupPrefix)
	if len(views) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no arxiv subscriptions\nuse /arxiv add <category>", nil)
		return nil
	}
	lines := make([]string, 0, len(views))
	for _, v := range views {
		lines = append(lines, subscriptionLine(v))
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, "arxiv subscriptions:\n"+strings.Join(lines, "\n"), nil)
	return nil
}

func (p *Plugin) cmdRun(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	label := "all categories"
	var cat string
	if len(req.Args) > 0 {
		cat = strings.TrimSpace(req.Args[0])
		if !p.hasCategory(cat) {
			_, _ = req.Adapter.SendText(ctx, req.Chat, "no subscription for "+cat, nil)
			return nil
		}
		label = cat
	}

	_, _ = req.Adapter.SendText(ctx, req.Chat, "running arxiv pass ("+label+")...", nil)

	started := time.Now()
	octx, cancel := p.opCtx(ctx)
	defer cancel()

	var res core.WatchGroupResult
	if cat == "" {
		res = w.RunGroup(octx, groupPrefix)
	} else {
		res = runKind(octx, w, groupPrefix+cat)
	}

	p.audit(ctx, req, "run", groupPrefix+cat, map[string]any{
		"passes":    res.Passes,
		"delivered": res.Delivered,
		"failures":  res.Failures,
		"took_ms":   time.Since(started).Milliseconds(),
	})
	_, _ = req.Adapter.SendText(ctx, req.Chat, formatGroupResult(res), nil)
	return nil
}

// runKind runs every live binding of one exact kind, since RunGroup
// matches by prefix.
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

func subscriptionLine(v core.WatchBindingView) string {
	cat := strings.TrimPrefix(v.SourceKind, groupPrefix)
	dst := fmt.Sprintf("%d", v.ChatID)
	if v.ThreadID != 0 {
		dst += fmt.Sprintf("/%d", v.ThreadID)
	}
	line := "- " + cat + " @ " + dst
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
