package advisories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	core "pewwatch/internal/plugin"
	pluginkit "pewwatch/internal/plugin/kit"
	"pewwatch/internal/storage"
	"pewwatch/internal/watch"
)

var errMissingVendor = errors.New("missing vendor name")

// opCtx binds a command context to the plugin lifecycle context and bounds
// it with the configured operation timeout. Manual passes can run for
// minutes when a backlog is paced out, so commands must survive dispatch
// but die with the plugin.
func (p *Plugin) opCtx(reqCtx context.Context) (context.Context, context.CancelFunc) {
	p.mu.RLock()
	to := p.cfg.opTimeout
	p.mu.RUnlock()
	if to <= 0 {
		to = 10 * time.Minute
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
			Route:       "advisories",
			Aliases:     []string{"adv"},
			Description: "pantau advisory keamanan browser (bantuan)",
			Usage:       "/advisories  (lihat subcommand)",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdHelp,
		},
		{
			Route:       "advisories add",
			Aliases:     []string{"advisories_add"},
			Description: "pasang advisory vendor ke chat ini",
			Usage:       "/advisories add <chrome|firefox|safari>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdAdd,
		},
		{
			Route:       "advisories remove",
			Aliases:     []string{"advisories_remove"},
			Description: "lepas advisory vendor dari chat ini",
			Usage:       "/advisories remove <chrome|firefox|safari>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRemove,
		},
		{
			Route:       "advisories list",
			Aliases:     []string{"advisories_list"},
			Description: "daftar pemasangan advisory (semua chat)",
			Usage:       "/advisories list",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdList,
		},
		{
			Route:       "advisories run",
			Aliases:     []string{"advisories_run"},
			Description: "jalankan satu pass advisory sekarang",
			Usage:       "/advisories run [vendor]",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRun,
		},
	}
}

func (p *Plugin) cmdHelp(ctx context.Context, req *core.Request) error {
	c := p.cfgSnapshot()
	lines := []string{
		"advisories help:",
		"/advisories add <vendor>",
		"/advisories remove <vendor>",
		"/advisories list",
		"/advisories run [vendor]",
		"vendors: " + strings.Join(c.Vendors, ", "),
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

	vendor, err := vendorFromArgs(req.Args)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, err.Error()+"\nusage: /advisories add <chrome|firefox|safari>", nil)
		return nil
	}

	kind := groupPrefix + vendor
	err = w.Attach(ctx, kind, req.Chat, "", req.FromID)
	switch {
	case errors.Is(err, watch.ErrAlreadyBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, vendor+" advisories are already attached here", nil)
		return nil
	case errors.Is(err, watch.ErrUnknownSource):
		_, _ = req.Adapter.SendText(ctx, req.Chat, vendor+" is not enabled (check advisories.vendors)", nil)
		return nil
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "attach failed: "+err.Error(), nil)
		return nil
	}

	p.audit(ctx, req, "add", kind, nil)
	_, _ = req.Adapter.SendText(ctx, req.Chat, "✅ "+vendor+" advisories attached; the next pass baselines without sending history", nil)
	return nil
}

func (p *Plugin) cmdRemove(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	vendor, err := vendorFromArgs(req.Args)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, err.Error()+"\nusage: /advisories remove <chrome|firefox|safari>", nil)
		return nil
	}

	kind := groupPrefix + vendor
	err = w.Detach(ctx, kind, req.Chat)
	switch {
	case errors.Is(err, watch.ErrNotBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, vendor+" advisories are not attached here", nil)
		return nil
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "detach failed: "+err.Error(), nil)
		return nil
	}

	p.audit(ctx, req, "remove", kind, nil)
	_, _ = req.Adapter.SendText(ctx, req.Chat, "🗑 "+vendor+" advisories detached", nil)
	return nil
}

func (p *Plugin) cmdList(ctx context.Context, req *core.Request) error {
	if p.ui != nil {
		st := pluginkit.UIState{View: viewList, Page: 0, Size: 10}
		msg, _ := p.viewList(ctx, req, st)
		_, _ = msg.Send(ctx, req.Adapter, req.Chat)
		return nil
	}

	// No UI hub (tests): plain text fallback.
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}
	views := w.List(groupPrefix)
	if len(views) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no advisory watches attached", nil)
		return nil
	}
	lines := make([]string, 0, len(views))
	for _, v := range views {
		lines = append(lines, bindingLine(v))
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, "advisory watches:\n"+strings.Join(lines, "\n"), nil)
	return nil
}

func (p *Plugin) cmdRun(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	prefix := groupPrefix
	label := "all vendors"
	if len(req.Args) > 0 {
		vendor, err := vendorFromArgs(req.Args)
		if err != nil {
			_, _ = req.Adapter.SendText(ctx, req.Chat, err.Error()+"\nusage: /advisories run [vendor]", nil)
			return nil
		}
		prefix = groupPrefix + vendor
		label = vendor
	}

	_, _ = req.Adapter.SendText(ctx, req.Chat, "running advisory pass ("+label+")...", nil)

	started := time.Now()
	octx, cancel := p.opCtx(ctx)
	defer cancel()
	res := w.RunGroup(octx, prefix)

	p.audit(ctx, req, "run", prefix, map[string]any{
		"passes":    res.Passes,
		"delivered": res.Delivered,
		"failures":  res.Failures,
		"took_ms":   time.Since(started).Milliseconds(),
	})
	_, _ = req.Adapter.SendText(ctx, req.Chat, formatGroupResult(res), nil)
	return nil
}

func vendorFromArgs(args []string) (string, error) {
	if len(args) == 0 {
		return "", errMissingVendor
	}
	v := strings.ToLower(strings.TrimSpace(args[0]))
	if !knownVendor(v) {
		return "", fmt.Errorf("unknown vendor %q (want chrome, firefox or safari)", args[0])
	}
	return v, nil
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
