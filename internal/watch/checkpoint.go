package watch

import (
	"fmt"
	"time"

	"pewwatch/internal/storage"
)

// CheckpointKind distinguishes the two marker shapes.
type CheckpointKind string

const (
	CheckpointDocument CheckpointKind = storage.CheckpointDocument
	CheckpointTime     CheckpointKind = storage.CheckpointTime
)

// Checkpoint is the per-binding progress marker.
//
// Document checkpoints store the exact ref of the newest seen document;
// time checkpoints store the start of the last completed pass. A zero
// Checkpoint means the binding has not been baselined yet.
//
// Checkpoints only move forward, and only after a fully successful pass.
type Checkpoint struct {
	Kind CheckpointKind
	Doc  DocRef
	Time time.Time
}

func (c Checkpoint) IsZero() bool { return c.Kind == "" }

func (c Checkpoint) String() string {
	switch c.Kind {
	case CheckpointDocument:
		return fmt.Sprintf("document(%s)", c.Doc)
	case CheckpointTime:
		return fmt.Sprintf("time(%s)", c.Time.Format(time.RFC3339))
	default:
		return "uninitialized"
	}
}

// checkpointFromRecord rebuilds a checkpoint from its persisted columns.
// Unknown kinds are treated as uninitialized so a binding re-baselines
// instead of replaying with a marker it cannot interpret.
func checkpointFromRecord(r storage.BindingRecord) Checkpoint {
	switch r.CheckpointKind {
	case storage.CheckpointDocument:
		return Checkpoint{Kind: CheckpointDocument, Doc: DocRef(r.CheckpointDoc)}
	case storage.CheckpointTime:
		return Checkpoint{Kind: CheckpointTime, Time: r.CheckpointTime}
	default:
		return Checkpoint{}
	}
}
