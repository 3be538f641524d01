package advisories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	core "pewwatch/internal/plugin"
	pluginkit "pewwatch/internal/plugin/kit"
	kit "pewwatch/internal/transport"
	"pewwatch/internal/watch"
	"pewwatch/pkg/tgui"
)

const (
	viewList          = "list"
	viewClosed        = "closed"
	viewDetachPick    = "detach_pick"
	viewDetachConfirm = "detach_confirm"
	viewDetachExec    = "detach_exec"
)

func (p *Plugin) viewList(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	w := p.watchPort()
	if w == nil {
		kb := tgui.NewInline().Row(p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}))
		return tgui.New().Title("⚠️", "advisories").Line("watch service not available").Inline(kb).Build(), nil
	}

	views := w.List(groupPrefix)
	if len(views) == 0 {
		kb := tgui.NewInline().Row(p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}))
		return tgui.New().Title("📋", "Advisory watches").
			Line("no chats attached").
			Line("use /advisories add <vendor> in the target chat").
			Inline(kb).Build(), nil
	}

	// Sort for stable paging.
	sort.Slice(views, func(i, j int) bool {
		if views[i].SourceKind != views[j].SourceKind {
			return views[i].SourceKind < views[j].SourceKind
		}
		if views[i].ChatID != views[j].ChatID {
			return views[i].ChatID < views[j].ChatID
		}
		return views[i].ThreadID < views[j].ThreadID
	})

	// Summary counters for the whole set, not just this page.
	var nOK, nWait, nPend, nErr int
	for _, v := range views {
		switch {
		case v.Pending:
			nPend++
		case v.LastErr != "":
			nErr++
		case !v.Baselined:
			nWait++
		default:
			nOK++
		}
	}

	sub, page, size, _, _, hasPrev, hasNext := tgui.PaginateSlice(views, st.Page, st.Size)

	b := tgui.New().Title("📋", "Advisory watches")
	for _, v := range sub {
		b.Line(bindingLine(v))
	}

	sum := fmt.Sprintf("%d ok • %d baselining • %d failing", nOK, nWait, nErr)
	if nPend > 0 {
		sum += fmt.Sprintf(" • %d pending", nPend)
	}
	b.RawLine("📊 <b>Summary</b>: " + tgui.Esc(sum).String())
	b.RawLine("🕒 <b>Updated</b>: " + tgui.Esc(tsNowShort()).String() + "  •  " + tgui.Esc(pageShort(page, size, len(views))).String())

	kb := tgui.NewInline()
	if hasPrev || hasNext {
		row := make([]tele.Btn, 0, 2)
		if hasPrev {
			row = append(row, p.ui.Button("⬅️ Prev", pluginkit.UIState{View: viewList, Page: page - 1, Size: size}))
		}
		if hasNext {
			row = append(row, p.ui.Button("Next ➡️", pluginkit.UIState{View: viewList, Page: page + 1, Size: size}))
		}
		kb.Row(row...)
	}
	kb.Row(
		p.ui.Button("🔄 Refresh", pluginkit.UIState{View: viewList, Page: page, Size: size}),
		p.ui.Button("🗑 Lepas", pluginkit.UIState{View: viewDetachPick, Page: 0, Size: size}),
		p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}),
	)

	b.Inline(kb)
	return b.Build(), nil
}

// --- Detach flow (pick -> confirm -> exec) ---

func (p *Plugin) viewDetachPick(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	w := p.watchPort()
	if w == nil {
		kb := tgui.NewInline().Row(p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}))
		return tgui.New().Title("⚠️", "advisories").Line("watch service not available").Inline(kb).Build(), nil
	}
	views := w.List(groupPrefix)
	if len(views) == 0 {
		kb := tgui.NewInline().Row(p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}))
		return tgui.New().Title("🗑", "Lepas watch").Line("no chats attached").Inline(kb).Build(), nil
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].SourceKind != views[j].SourceKind {
			return views[i].SourceKind < views[j].SourceKind
		}
		if views[i].ChatID != views[j].ChatID {
			return views[i].ChatID < views[j].ChatID
		}
		return views[i].ThreadID < views[j].ThreadID
	})

	sub, page, size, _, _, hasPrev, hasNext := tgui.PaginateSlice(views, st.Page, st.Size)

	b := tgui.New().Title("🗑", "Lepas watch")
	b.Code("pilih watch  " + pageShort(page, size, len(views)))

	kb := tgui.NewInline()
	for _, v := range sub {
		vendor := strings.TrimPrefix(v.SourceKind, groupPrefix)
		dst := strconv.FormatInt(v.ChatID, 10)
		if v.ThreadID != 0 {
			dst += "/" + strconv.Itoa(v.ThreadID)
		}
		kb.Row(p.ui.Button(vendor+" "+dst, pluginkit.UIState{View: viewDetachConfirm, Key: bindingKey(v), Page: page, Size: size}))
	}
	if hasPrev || hasNext {
		row := make([]tele.Btn, 0, 2)
		if hasPrev {
			row = append(row, p.ui.Button("⬅️ Prev", pluginkit.UIState{View: viewDetachPick, Page: page - 1, Size: size}))
		}
		if hasNext {
			row = append(row, p.ui.Button("Next ➡️", pluginkit.UIState{View: viewDetachPick, Page: page + 1, Size: size}))
		}
		kb.Row(row...)
	}
	kb.Row(
		p.ui.Button("📋 Daftar", pluginkit.UIState{View: viewList}),
		p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}),
	)

	b.Inline(kb)
	return b.Build(), nil
}

func (p *Plugin) viewDetachConfirm(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	vendor, target, err := parseBindingKey(st.Key)
	if err != nil {
		return tgui.New().Title("⚠️", "advisories").Line("invalid selection").Build(), nil
	}
	dst := strconv.FormatInt(target.ChatID, 10)
	if target.ThreadID != 0 {
		dst += "/" + strconv.Itoa(target.ThreadID)
	}

	b := tgui.New().Title("🗑", "Lepas watch")
	b.Pre(fmt.Sprintf("vendor: %s\nchat:   %s", vendor, dst))
	b.Line("checkpoint ikut terhapus; pasang ulang berarti baseline dari awal")
	msg := b.Build()

	kb := tgui.ConfirmInline(
		p.ui.Button("✅ Ya, lepas", pluginkit.UIState{View: viewDetachExec, Key: st.Key}),
		p.ui.Button("↩️ Batal", pluginkit.UIState{View: viewDetachPick, Page: st.Page, Size: st.Size}),
	).Row(
		p.ui.Button("📋 Daftar", pluginkit.UIState{View: viewList}),
		p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}),
	)
	msg.Opt.ReplyMarkupAdapter = kb.Markup()
	return msg, nil
}

func (p *Plugin) viewDetachExec(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	vendor, target, err := parseBindingKey(st.Key)
	if err != nil {
		return tgui.New().Title("⚠️", "advisories").Line("invalid selection").Build(), nil
	}
	w := p.watchPort()
	if w == nil {
		return tgui.New().Title("⚠️", "advisories").Line("watch service not available").Build(), nil
	}

	octx, cancel := p.opCtx(ctx)
	defer cancel()

	dst := strconv.FormatInt(target.ChatID, 10)
	if target.ThreadID != 0 {
		dst += "/" + strconv.Itoa(target.ThreadID)
	}

	b := tgui.New().Title("🗑", "Lepas watch")
	derr := w.Detach(octx, groupPrefix+vendor, target)
	switch {
	case derr == nil:
		p.audit(octx, req, "remove", groupPrefix+vendor, map[string]any{"chat_id": target.ChatID, "thread_id": target.ThreadID, "via": "ui"})
		b.Line(fmt.Sprintf("✅ %s dilepas dari %s", vendor, dst))
	case errors.Is(derr, watch.ErrNotBound):
		// Stale button; somebody else already detached it.
		b.Line(fmt.Sprintf("%s is not attached to %s", vendor, dst))
	default:
		b.Line("⚠️ " + derr.Error())
	}

	kb := tgui.NewInline().Row(
		p.ui.Button("📋 Daftar", pluginkit.UIState{View: viewList}),
		p.ui.Button("✖️ Close", pluginkit.UIState{View: viewClosed}),
	)
	b.Inline(kb)
	return b.Build(), nil
}

// bindingKey packs one binding into callback state. The vendor never
// contains '|', chat and thread are numeric.
func bindingKey(v watch.BindingView) string {
	vendor := strings.TrimPrefix(v.SourceKind, groupPrefix)
	return vendor + "|" + strconv.FormatInt(v.ChatID, 10) + "|" + strconv.Itoa(v.ThreadID)
}

func parseBindingKey(key string) (string, kit.ChatTarget, error) {
	parts := strings.Split(strings.TrimSpace(key), "|")
	if len(parts) != 3 || parts[0] == "" {
		return "", kit.ChatTarget{}, fmt.Errorf("malformed binding key")
	}
	chatID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", kit.ChatTarget{}, err
	}
	threadID, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", kit.ChatTarget{}, err
	}
	return parts[0], kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, nil
}

func (p *Plugin) viewClosed(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	b := tgui.New().Title("✖️", "Closed")
	b.RawLine(tgui.I("Tampilan ditutup.").String())
	return b.Build(), nil
}

// bindingLine renders one watch as a single list line.
// Example: 🟢 chrome → -100123/45  sent 12, last 2h3m ago
func bindingLine(v watch.BindingView) string {
	vendor := strings.TrimPrefix(v.SourceKind, groupPrefix)

	dst := strconv.FormatInt(v.ChatID, 10)
	if v.ThreadID != 0 {
		dst += "/" + strconv.Itoa(v.ThreadID)
	}

	state := stateDot(v)
	var tail string
	switch {
	case v.Pending:
		tail = "pending (source disabled)"
	case !v.Baselined:
		tail = "baselining on next pass"
	default:
		tail = fmt.Sprintf("sent %d", v.DeliveredTotal)
		if !v.LastPassAt.IsZero() {
			tail += ", last " + relShort(v.LastPassAt) + " ago"
		}
	}

	line := fmt.Sprintf("%s %s → %s  %s", state, vendor, dst, tail)
	if v.LastErr != "" {
		line += "\n   ⚠️ " + truncRunes(v.LastErr, 64)
	}
	return line
}

func stateDot(v watch.BindingView) string {
	switch {
	case v.Pending:
		return "⚪️"
	case v.LastErr != "":
		return "🔴"
	case !v.Baselined:
		return "🟡"
	default:
		return "🟢"
	}
}

func tsNowShort() string { return time.Now().Format("15:04:05") }

func relShort(t time.Time) string {
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	if d < 48*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}

func truncRunes(s string, w int) string {
	s = strings.TrimSpace(s)
	if w <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= w {
		return s
	}
	if w == 1 {
		return string(rs[:1])
	}
	return string(rs[:w-1]) + "…"
}

func pageShort(page, size, total int) string {
	if size <= 0 {
		size = 10
	}
	if total < 0 {
		total = 0
	}
	pages := (total + size - 1) / size
	if pages < 1 {
		pages = 1
	}
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}
	start := page*size + 1
	end := (page + 1) * size
	if end > total {
		end = total
	}
	if total == 0 {
		start, end = 0, 0
	}
	return "p" + strconv.Itoa(page+1) + "/" + strconv.Itoa(pages) + " " + strconv.Itoa(start) + "-" + strconv.Itoa(end) + "/" + strconv.Itoa(total)
}
