package watch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	kit "pewwatch/internal/transport"
)

// Deliverer hands one rendered finding to a destination.
//
// Implementations must be safe for sequential reuse across bindings; the
// tracker never calls Deliver concurrently for the same binding.
type Deliverer interface {
	Deliver(ctx context.Context, to kit.ChatTarget, f Finding) error
}

// PacedDeliverer sends findings through the chat adapter behind a shared
// rate gate, so a burst of findings never floods a destination. The gate is
// global across bindings on purpose: the bot account is the limited
// resource, not the chat.
type PacedDeliverer struct {
	adapter     kit.Adapter
	lim         *rate.Limiter
	sendTimeout time.Duration
}

// NewPacedDeliverer builds the standard deliverer. pace is the minimum gap
// between two sends and is clamped to at least one second. sendTimeout
// bounds one Telegram call (0 means 15s).
func NewPacedDeliverer(adapter kit.Adapter, pace, sendTimeout time.Duration) *PacedDeliverer {
	if pace < time.Second {
		pace = time.Second
	}
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &PacedDeliverer{
		adapter:     adapter,
		lim:         rate.NewLimiter(rate.Every(pace), 1),
		sendTimeout: sendTimeout,
	}
}

// SetPace retunes the gap between sends without dropping queued waiters.
// Values under one second are clamped up.
func (d *PacedDeliverer) SetPace(pace time.Duration) {
	if pace < time.Second {
		pace = time.Second
	}
	d.lim.SetLimit(rate.Every(pace))
}

// Deliver renders f and sends it. The rate token is only consumed for
// renderable findings. The send itself runs on a context detached from ctx
// so that an in-flight message completes even when the pass is cancelled;
// ctx cancellation is honored between findings (while waiting for a token).
func (d *PacedDeliverer) Deliver(ctx context.Context, to kit.ChatTarget, f Finding) error {
	text, err := f.RenderHTML()
	if err != nil {
		return err
	}
	if err := d.lim.Wait(ctx); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()
	_, err = d.adapter.SendText(sctx, to, text, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	return err
}
