package disclosures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	core "pewwatch/internal/plugin"
	"pewwatch/internal/storage"
	"pewwatch/internal/watch"
)

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
			Route:       "disclosures",
			Aliases:     []string{"disc"},
			Description: "pantau bug keamanan yang baru dibuka (bantuan)",
			Usage:       "/disclosures  (lihat subcommand)",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdHelp,
		},
		{
			Route:       "disclosures add",
			Aliases:     []string{"disclosures_add"},
			Description: "pasang disclosure watch ke chat ini",
			Usage:       "/disclosures add",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdAdd,
		},
		{
			Route:       "disclosures remove",
			Aliases:     []string{"disclosures_remove"},
			Description: "lepas disclosure watch dari chat ini",
			Usage:       "/disclosures remove",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRemove,
		},
		{
			Route:       "disclosures list",
			Aliases:     []string{"disclosures_list"},
			Description: "daftar chat yang terpasang",
			Usage:       "/disclosures list",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdList,
		},
		{
			Route:       "disclosures run",
			Aliases:     []string{"disclosures_run"},
			Description: "jalankan satu pass disclosure sekarang",
			Usage:       "/disclosures run",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRun,
		},
	}
}

func (p *Plugin) cmdHelp(ctx context.Context, req *core.Request) error {
	c := p.cfgSnapshot()
	lines := []string{
		"disclosures help:",
		"/disclosures add",
		"/disclosures remove",
		"/disclosures list",
		"/disclosures run",
	}
	if c.minSev != "" {
		lines = append(lines, "min_severity: "+string(c.minSev))
	} else {
		lines = append(lines, "min_severity: off (everything is delivered)")
	}
	if c.Scheduler.Active() {
		lines = append(lines, "poll: "+c.Scheduler.Schedule)
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

	err := w.Attach(ctx, Kind, req.Chat, "", req.FromID)
	switch {
	case errors.Is(err, watch.ErrAlreadyBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, "disclosures are already attached here", nil)
		return nil
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "attach failed: "+err.Error(), nil)
		return nil
	}

	p.audit(ctx, req, "add", Kind)
	_, _ = req.Adapter.SendText(ctx, req.Chat, "✅ disclosures attached; the next pass baselines without sending history", nil)
	return nil
}

func (p *Plugin) cmdRemove(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	err := w.Detach(ctx, Kind, req.Chat)
	switch {
	case errors.Is(err, watch.ErrNotBound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, "disclosures are not attached here", nil)
		return nil
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "detach failed: "+err.Error(), nil)
		return nil
	}

	p.audit(ctx, req, "remove", Kind)
	_, _ = req.Adapter.SendText(ctx, req.Chat, "🗑 disclosures detached", nil)
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
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no disclosure watches attached", nil)
		return nil
	}

	lines := make([]string, 0, len(views)+1)
	lines = append(lines, "disclosure watches:")
	for _, v := range views {
		dst := strconv.FormatInt(v.ChatID, 10)
		if v.ThreadID != 0 {
			dst += "/" + strconv.Itoa(v.ThreadID)
		}
		switch {
		case v.Pending:
			lines = append(lines, fmt.Sprintf("- %s: pending (source disabled)", dst))
		case !v.Baselined:
			lines = append(lines, fmt.Sprintf("- %s: baselining on next pass", dst))
		case v.LastErr != "":
			lines = append(lines, fmt.Sprintf("- %s: sent %d, last error: %s", dst, v.DeliveredTotal, v.LastErr))
		default:
			lines = append(lines, fmt.Sprintf("- %s: sent %d", dst, v.DeliveredTotal))
		}
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, strings.Join(lines, "\n"), nil)
	return nil
}

func (p *Plugin) cmdRun(ctx context.Context, req *core.Request) error {
	w := p.watchPort()
	if w == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	_, _ = req.Adapter.SendText(ctx, req.Chat, "running disclosure pass...", nil)

	octx, cancel := p.opCtx(ctx)
	defer cancel()
	res := w.RunGroup(octx, groupPrefix)

	p.audit(ctx, req, "run", groupPrefix)
	if res.Passes == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no bindings to run", nil)
		return nil
	}
	msg := fmt.Sprintf("pass done: %d binding(s), %d delivered", res.Passes, res.Delivered)
	if res.Baselined > 0 {
		msg += fmt.Sprintf(", %d baselined", res.Baselined)
	}
	if res.Failures > 0 {
		msg += fmt.Sprintf(", %d failed", res.Failures)
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, msg, nil)
	return nil
}

func (p *Plugin) audit(ctx context.Context, req *core.Request, action, target string) {
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
	meta := map[string]any{"cmd": req.Command, "args": req.Args}
	if b, err := json.Marshal(meta); err == nil {
		a.MetaJSON = string(b)
	}

	auditCtx := ctx
	if auditCtx == nil {
		auditCtx = context.Background()
	}
	cctx, cancel := context.WithTimeout(auditCtx, 1*time.Second)
	defer cancel()
	_ = p.AppendAudit(cctx, a)
}
