package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CheckpointKind values stored with a binding. Empty means the binding has
// not been baselined yet.
const (
	CheckpointDocument = "document"
	CheckpointTime     = "time"
)

// BindingRecord is the persisted form of one (source, destination) watch
// binding, including its checkpoint.
//
// The checkpoint columns round-trip exactly: CheckpointDoc byte-for-byte,
// CheckpointTime at nanosecond precision (RFC 3339).
type BindingRecord struct {
	SourceKind string `json:"source_kind"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`

	// Meta carries source-specific payload needed to rebuild the source on
	// restart (e.g. a feed URL). Empty for fixed sources.
	Meta string `json:"meta,omitempty"`

	CheckpointKind string    `json:"checkpoint_kind,omitempty"`
	CheckpointDoc  string    `json:"checkpoint_doc,omitempty"`
	CheckpointTime time.Time `json:"checkpoint_time,omitzero"`

	AttachedBy int64     `json:"attached_by,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	ThreadID      int
	Plugin        string
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}
