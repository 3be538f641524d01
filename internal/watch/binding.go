package watch

import (
	"fmt"
	"time"

	kit "pewwatch/internal/transport"
)

// BindingKey identifies one (source, destination) pair.
type BindingKey struct {
	SourceKind string
	Target     kit.ChatTarget
}

func (k BindingKey) String() string {
	if k.Target.ThreadID != 0 {
		return fmt.Sprintf("%s@%d/%d", k.SourceKind, k.Target.ChatID, k.Target.ThreadID)
	}
	return fmt.Sprintf("%s@%d", k.SourceKind, k.Target.ChatID)
}

// binding is the live state of one attachment. All fields are guarded by the
// service mutex; running marks a pass in flight (single writer per binding).
type binding struct {
	key  BindingKey
	meta string

	checkpoint Checkpoint
	attachedBy int64
	attachedAt time.Time

	running bool

	passCount      uint64
	deliveredTotal uint64
	lastPassAt     time.Time
	lastErr        string
	lastErrAt      time.Time
}

// BindingView is a read-only snapshot for status output and list UIs.
type BindingView struct {
	SourceKind string `json:"source_kind"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	Meta       string `json:"meta,omitempty"`

	// Baselined is false while the binding waits for its first pass.
	Baselined  bool   `json:"baselined"`
	Checkpoint string `json:"checkpoint"`

	// Pending marks a persisted binding whose source adapter is not
	// registered right now (plugin disabled); it is skipped by passes.
	Pending bool `json:"pending,omitempty"`

	PassCount      uint64    `json:"pass_count"`
	DeliveredTotal uint64    `json:"delivered_total"`
	LastPassAt     time.Time `json:"last_pass_at,omitzero"`
	LastErr        string    `json:"last_err,omitempty"`
	LastErrAt      time.Time `json:"last_err_at,omitzero"`
	AttachedBy     int64     `json:"attached_by,omitempty"`
	AttachedAt     time.Time `json:"attached_at,omitzero"`
}

func (b *binding) view() BindingView {
	return BindingView{
		SourceKind:     b.key.SourceKind,
		ChatID:         b.key.Target.ChatID,
		ThreadID:       b.key.Target.ThreadID,
		Meta:           b.meta,
		Baselined:      !b.checkpoint.IsZero(),
		Checkpoint:     b.checkpoint.String(),
		PassCount:      b.passCount,
		DeliveredTotal: b.deliveredTotal,
		LastPassAt:     b.lastPassAt,
		LastErr:        b.lastErr,
		LastErrAt:      b.lastErrAt,
		AttachedBy:     b.attachedBy,
		AttachedAt:     b.attachedAt,
	}
}
