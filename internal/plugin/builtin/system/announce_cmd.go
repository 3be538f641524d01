package system

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"pewwatch/internal/notifier/broadcast"
	core "pewwatch/internal/plugin"
	"pewwatch/internal/storage"
	kit "pewwatch/internal/transport"
)

// cmdAnnounce fans one text out to every chat that has at least one watch
// attached. /announce --job <id> shows the status of an earlier job.
func (p *Plugin) cmdAnnounce(ctx context.Context, req *core.Request) error {
	ps := req.Services
	if ps == nil || ps.Broadcast == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "broadcast service not available", nil)
		return nil
	}

	if id := strings.TrimSpace(req.Flags["job"]); id != "" {
		_, _ = req.Adapter.SendText(ctx, req.Chat, announceJobStatus(ps.Broadcast, id), nil)
		return nil
	}

	if !ps.Broadcast.Enabled() {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "broadcast is disabled", nil)
		return nil
	}
	if ps.Watch == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "watch service not available", nil)
		return nil
	}

	text := strings.TrimSpace(strings.Join(req.Args, " "))
	if text == "" {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /announce <text>  (or /announce --job <id>)", nil)
		return nil
	}

	targets := announceTargets(ps.Watch.List(""))
	if len(targets) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no chats have watches attached; nothing to announce to", nil)
		return nil
	}

	id := ps.Broadcast.NewJob("announce", targets, "📣 "+text, &kit.SendOptions{DisablePreview: true})
	if err := ps.Broadcast.StartJob(ctx, id); err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "announce failed: "+err.Error(), nil)
		return nil
	}
	p.auditAnnounce(ctx, req, id, len(targets))

	_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("📣 announcing to %d chat(s)\njob: %s (check with /announce --job %s)", len(targets), id, id), nil)
	return nil
}

func (p *Plugin) auditAnnounce(ctx context.Context, req *core.Request, jobID string, targets int) {
	// Best-effort audit only (storage may be disabled)
	a := storage.AuditEntry{
		At:       time.Now(),
		ActorID:  req.FromID,
		ChatID:   req.Chat.ChatID,
		ThreadID: req.Chat.ThreadID,
		Plugin:   p.Name(),
		Action:   p.Name() + ".announce",
		Target:   jobID,
	}
	if req.Update.Message != nil {
		a.ActorUsername = req.Update.Message.FromUsername
	}
	if b, err := json.Marshal(map[string]any{"targets": targets}); err == nil {
		a.MetaJSON = string(b)
	}

	cctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	_ = p.AppendAudit(cctx, a)
}

// announceTargets dedupes binding destinations; a chat with three watches
// still gets the announcement once.
func announceTargets(views []core.WatchBindingView) []kit.ChatTarget {
	seen := map[kit.ChatTarget]bool{}
	var out []kit.ChatTarget
	for _, v := range views {
		t := kit.ChatTarget{ChatID: v.ChatID, ThreadID: v.ThreadID}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

func announceJobStatus(bc core.BroadcastPort, id string) string {
	raw, ok := bc.Status(id)
	if !ok {
		return "no such job (statuses are pruned after a while)"
	}
	st, ok := raw.(broadcast.JobStatus)
	if !ok {
		return fmt.Sprintf("job %s: %+v", id, raw)
	}

	state := "queued"
	switch {
	case st.Running:
		state = "running"
	case !st.DoneAt.IsZero():
		state = "done"
	}
	msg := fmt.Sprintf("job %s (%s): %s, %d/%d sent", st.ID, st.Name, state, st.Done, st.Total)
	if st.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", st.Failed)
	}
	if !st.DoneAt.IsZero() {
		msg += fmt.Sprintf(", finished %s ago", durRel(time.Since(st.DoneAt)))
	}
	return msg
}
