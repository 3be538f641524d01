package watch

import (
	"context"
	"errors"
	"time"

	kit "pewwatch/internal/transport"
	logx "pewwatch/pkg/logx"
)

const defaultMaxFindings = 200

// PassOptions tunes one poll pass.
type PassOptions struct {
	// MaxFindings caps deliveries in a single pass (0 = 200). Findings
	// beyond the cap are dropped with a warning; the checkpoint still
	// advances, so they never resurface.
	MaxFindings int

	// Now supplies the wall clock for time checkpoints. Nil means time.Now.
	Now func() time.Time
}

func (o PassOptions) maxFindings() int {
	if o.MaxFindings <= 0 {
		return defaultMaxFindings
	}
	return o.MaxFindings
}

func (o PassOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// PassResult summarizes one completed pass. On error the result is zero and
// the caller's checkpoint must stay untouched.
type PassResult struct {
	Baselined bool
	NewDocs   int
	Delivered int
	Dropped   int // delivery failures (at-most-once: never retried)
	Invalid   int // findings failing validation
	Capped    int // findings beyond MaxFindings

	// Checkpoint is the marker to persist after this pass.
	Checkpoint Checkpoint
}

// runListDiffPass executes one poll of a list-diff source against checkpoint
// cp for destination to.
//
// The first pass (zero cp) baselines: the newest document becomes the
// checkpoint and nothing is emitted. Later passes enumerate newest first,
// take everything strictly newer than the checkpoint document, parse those
// documents oldest first, deliver, and move the checkpoint to the newest
// enumerated ref. All parsing happens before the first delivery, so a source
// failure anywhere aborts with zero messages sent and the checkpoint intact.
//
// A checkpoint ref missing from the enumeration (page rotation, history
// rewrite) degrades to "newest document only" rather than replaying the
// visible backlog.
func runListDiffPass(ctx context.Context, src ListDiffSource, cp Checkpoint, d Deliverer, to kit.ChatTarget, opt PassOptions, log logx.Logger) (PassResult, error) {
	refs, err := src.EnumerateDocuments(ctx)
	if err != nil {
		return PassResult{}, err
	}
	if len(refs) == 0 {
		// Nothing published. An uninitialized binding stays uninitialized.
		return PassResult{Checkpoint: cp}, nil
	}
	newest := refs[0]

	if cp.IsZero() || cp.Kind != CheckpointDocument {
		return PassResult{
			Baselined:  true,
			Checkpoint: Checkpoint{Kind: CheckpointDocument, Doc: newest},
		}, nil
	}

	if newest == cp.Doc {
		return PassResult{Checkpoint: cp}, nil
	}

	// Everything before the checkpoint ref is new.
	newRefs := make([]DocRef, 0, len(refs))
	found := false
	for _, ref := range refs {
		if ref == cp.Doc {
			found = true
			break
		}
		newRefs = append(newRefs, ref)
	}
	if !found {
		// The marker rotated out of the window; emit only the newest
		// document instead of guessing how much of the list is new.
		log.Debug("checkpoint missing from enumeration",
			logx.String("source", src.Kind()),
			logx.String("checkpoint", string(cp.Doc)),
			logx.Int("enumerated", len(refs)),
		)
		newRefs = newRefs[:1]
	}

	// Parse phase: oldest first, collect everything before delivering
	// anything so an abort cannot leave a half-announced document set.
	type parsedDoc struct {
		ref      DocRef
		findings []Finding
	}
	parsed := make([]parsedDoc, 0, len(newRefs))
	for i := len(newRefs) - 1; i >= 0; i-- {
		fs, err := src.ParseDocument(ctx, newRefs[i])
		if err != nil {
			return PassResult{}, err
		}
		parsed = append(parsed, parsedDoc{ref: newRefs[i], findings: fs})
	}

	res := PassResult{NewDocs: len(newRefs)}
	for _, doc := range parsed {
		if err := deliverAll(ctx, src.Kind(), d, to, doc.findings, opt, log, &res); err != nil {
			return PassResult{}, err
		}
	}
	res.Checkpoint = Checkpoint{Kind: CheckpointDocument, Doc: newest}
	return res, nil
}

// runTimeDiffPass executes one poll of a time-diff source.
//
// The first pass records the pass-start wall clock and emits nothing. Later
// passes ask the source for everything since the marker, deliver in source
// order, and advance the checkpoint to the pass start (not to the newest
// finding), so clock skew between us and the publisher can duplicate but
// never lose.
func runTimeDiffPass(ctx context.Context, src TimeDiffSource, cp Checkpoint, d Deliverer, to kit.ChatTarget, opt PassOptions, log logx.Logger) (PassResult, error) {
	start := opt.now()

	if cp.IsZero() || cp.Kind != CheckpointTime {
		return PassResult{
			Baselined:  true,
			Checkpoint: Checkpoint{Kind: CheckpointTime, Time: start},
		}, nil
	}

	findings, err := src.FindSince(ctx, cp.Time)
	if err != nil {
		return PassResult{}, err
	}

	res := PassResult{}
	if err := deliverAll(ctx, src.Kind(), d, to, findings, opt, log, &res); err != nil {
		return PassResult{}, err
	}
	res.Checkpoint = Checkpoint{Kind: CheckpointTime, Time: start}
	return res, nil
}

// deliverAll pushes findings through d in order, applying the at-most-once
// policy: a failed send is counted and skipped, never retried. Aborting
// errors (cancelled pass, destination gone) propagate so the checkpoint
// stays put.
func deliverAll(ctx context.Context, kind string, d Deliverer, to kit.ChatTarget, findings []Finding, opt PassOptions, log logx.Logger, res *PassResult) error {
	maxN := opt.maxFindings()
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.Validate(); err != nil {
			res.Invalid++
			log.Warn("finding failed validation, skipped",
				logx.String("source", kind), logx.Err(err))
			continue
		}
		if res.Delivered+res.Dropped >= maxN {
			res.Capped++
			continue
		}

		err := d.Deliver(ctx, to, f)
		switch {
		case err == nil:
			res.Delivered++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, kit.ErrDestinationGone):
			return err
		default:
			res.Dropped++
			log.Warn("finding delivery failed, dropped",
				logx.String("source", kind),
				logx.String("id", f.ID),
				logx.Int64("chat_id", to.ChatID),
				logx.Err(err),
			)
		}
	}
	if res.Capped > 0 {
		log.Warn("pass hit findings cap",
			logx.String("source", kind),
			logx.Int("cap", maxN),
			logx.Int("capped", res.Capped),
		)
	}
	return nil
}
