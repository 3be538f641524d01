package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pewwatch/internal/eventbus"
	"pewwatch/internal/storage"
	kit "pewwatch/internal/transport"
	logx "pewwatch/pkg/logx"
)

// Options are the service-wide knobs from the watch config section.
type Options struct {
	PaceInterval       time.Duration
	SendTimeout        time.Duration
	MaxFindingsPerPass int
}

// Pacer is implemented by deliverers whose rate gate can be retuned live.
type Pacer interface {
	SetPace(pace time.Duration)
}

// PassEvent is published on the bus after every finished pass.
type PassEvent struct {
	SourceKind string `json:"source_kind"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	Baselined  bool   `json:"baselined"`
	NewDocs    int    `json:"new_docs"`
	Delivered  int    `json:"delivered"`
	Dropped    int    `json:"dropped"`
	Error      string `json:"error,omitempty"`
}

// BindingEvent is published on attach/detach and destination removal.
type BindingEvent struct {
	SourceKind string `json:"source_kind,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	Removed    int    `json:"removed,omitempty"`
}

// GroupResult aggregates a scheduled pass over every binding of one family.
type GroupResult struct {
	Passes    int
	Failures  int
	Baselined int
	Delivered int
	Dropped   int
}

// Snapshot is the point-in-time service view for status output.
type Snapshot struct {
	Sources  int           `json:"sources"`
	Bindings int           `json:"bindings"`
	Pending  int           `json:"pending"`
	Views    []BindingView `json:"views,omitempty"`
}

// Service owns the binding table: every attach, detach, pass and checkpoint
// write goes through it. Source adapters register under a kind and stay
// stateless; persisted bindings whose adapter is absent wait in a pending
// set until the owning plugin registers it again.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store // nil when storage is disabled
	deliver Deliverer

	mu          sync.Mutex
	sources     map[string]Source
	bindings    map[BindingKey]*binding
	pending     map[BindingKey]storage.BindingRecord
	maxFindings int
	started     bool
}

func New(log logx.Logger, bus eventbus.Bus, store storage.Store, deliver Deliverer, opt Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:         log.With(logx.String("comp", "watch")),
		bus:         bus,
		store:       store,
		deliver:     deliver,
		sources:     map[string]Source{},
		bindings:    map[BindingKey]*binding{},
		pending:     map[BindingKey]storage.BindingRecord{},
		maxFindings: opt.MaxFindingsPerPass,
	}
}

// Start rehydrates persisted bindings. Records land in the pending set
// first; RegisterSource promotes them as plugins bring their adapters up.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.store == nil {
		s.log.Info("started without persistence (bindings will not survive restarts)")
		return nil
	}

	records, err := s.store.ListBindings(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate bindings: %w", err)
	}

	s.mu.Lock()
	for _, r := range records {
		key := BindingKey{SourceKind: r.SourceKind, Target: kit.ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID}}
		s.pending[key] = r
	}
	n := len(s.pending)
	s.mu.Unlock()

	s.log.Info("bindings rehydrated", logx.Int("count", n))
	return nil
}

// Reconfigure applies watch-section changes from a config reload.
func (s *Service) Reconfigure(opt Options) {
	s.mu.Lock()
	s.maxFindings = opt.MaxFindingsPerPass
	d := s.deliver
	s.mu.Unlock()

	if p, ok := d.(Pacer); ok && opt.PaceInterval > 0 {
		p.SetPace(opt.PaceInterval)
	}
}

// RegisterSource makes a source available under its kind and promotes any
// pending bindings waiting for it.
func (s *Service) RegisterSource(src Source) error {
	kind := strings.TrimSpace(src.Kind())
	if kind == "" {
		return errors.New("source kind is empty")
	}
	switch src.(type) {
	case ListDiffSource, TimeDiffSource:
	default:
		return fmt.Errorf("source %q implements neither diff shape", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[kind] = src

	promoted := 0
	for key, r := range s.pending {
		if key.SourceKind != kind {
			continue
		}
		s.bindings[key] = &binding{
			key:        key,
			meta:       r.Meta,
			checkpoint: checkpointFromRecord(r),
			attachedBy: r.AttachedBy,
			attachedAt: r.AttachedAt,
		}
		delete(s.pending, key)
		promoted++
	}
	if promoted > 0 {
		s.log.Info("pending bindings promoted", logx.String("source", kind), logx.Int("count", promoted))
	}
	return nil
}

// UnregisterSource detaches the adapter; its live bindings fall back to the
// pending set (still persisted, skipped by passes) until re-registration.
func (s *Service) UnregisterSource(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, kind)

	demoted := 0
	for key, b := range s.bindings {
		if key.SourceKind != kind {
			continue
		}
		s.pending[key] = recordFromBinding(b)
		delete(s.bindings, key)
		demoted++
	}
	if demoted > 0 {
		s.log.Info("bindings demoted to pending", logx.String("source", kind), logx.Int("count", demoted))
	}
}

// SourceKinds lists registered kinds with the given prefix, sorted.
func (s *Service) SourceKinds(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sources))
	for k := range s.sources {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Attach creates an uninitialized binding: the next scheduled pass baselines
// it, so a fresh attachment never floods the chat with history. The record
// is persisted before the in-memory table changes.
func (s *Service) Attach(ctx context.Context, kind string, to kit.ChatTarget, meta string, actor int64) error {
	kind = strings.TrimSpace(kind)

	s.mu.Lock()
	if _, ok := s.sources[kind]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, kind)
	}
	key := BindingKey{SourceKind: kind, Target: to}
	if _, ok := s.bindings[key]; ok {
		s.mu.Unlock()
		return ErrAlreadyBound
	}
	if _, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return ErrAlreadyBound
	}
	s.mu.Unlock()

	now := time.Now()
	if s.store != nil {
		err := s.store.UpsertBinding(ctx, storage.BindingRecord{
			SourceKind: kind,
			ChatID:     to.ChatID,
			ThreadID:   to.ThreadID,
			Meta:       meta,
			AttachedBy: actor,
			AttachedAt: now,
		})
		if err != nil {
			return fmt.Errorf("persist binding: %w", err)
		}
	}

	s.mu.Lock()
	// Re-check: a concurrent attach may have won while we persisted.
	if _, ok := s.bindings[key]; ok {
		s.mu.Unlock()
		return ErrAlreadyBound
	}
	s.bindings[key] = &binding{key: key, meta: meta, attachedBy: actor, attachedAt: now}
	s.mu.Unlock()

	s.log.Info("binding attached",
		logx.String("source", kind),
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.Int64("actor", actor),
	)
	s.publish("watch.attached", BindingEvent{SourceKind: kind, ChatID: to.ChatID, ThreadID: to.ThreadID})
	return nil
}

// Detach destroys the binding and its checkpoint. A pass already in flight
// for it finishes against the dead binding and its result is discarded.
func (s *Service) Detach(ctx context.Context, kind string, to kit.ChatTarget) error {
	kind = strings.TrimSpace(kind)
	key := BindingKey{SourceKind: kind, Target: to}

	s.mu.Lock()
	_, live := s.bindings[key]
	_, pend := s.pending[key]
	s.mu.Unlock()
	if !live && !pend {
		return ErrNotBound
	}

	if s.store != nil {
		err := s.store.DeleteBinding(ctx, kind, to.ChatID, to.ThreadID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete binding: %w", err)
		}
	}

	s.mu.Lock()
	delete(s.bindings, key)
	delete(s.pending, key)
	s.mu.Unlock()

	s.log.Info("binding detached",
		logx.String("source", kind),
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
	)
	s.publish("watch.detached", BindingEvent{SourceKind: kind, ChatID: to.ChatID, ThreadID: to.ThreadID})
	return nil
}

// RemoveDestination drops every binding aimed at chatID, live and pending.
// Called when the bot is kicked or the chat disappears.
func (s *Service) RemoveDestination(ctx context.Context, chatID int64) int {
	s.mu.Lock()
	n := 0
	for key := range s.bindings {
		if key.Target.ChatID == chatID {
			delete(s.bindings, key)
			n++
		}
	}
	for key := range s.pending {
		if key.Target.ChatID == chatID {
			delete(s.pending, key)
			n++
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		if _, err := s.store.DeleteBindingsForChat(ctx, chatID); err != nil && !errors.Is(err, storage.ErrDisabled) {
			s.log.Warn("destination cleanup persist failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}

	if n > 0 {
		s.log.Info("destination removed", logx.Int64("chat_id", chatID), logx.Int("bindings", n))
		s.publish("watch.destination_removed", BindingEvent{ChatID: chatID, Removed: n})
	}
	return n
}

// List returns binding views with the given source-kind prefix, pending
// ones included and marked. Empty prefix lists everything.
func (s *Service) List(prefix string) []BindingView {
	s.mu.Lock()
	out := make([]BindingView, 0, len(s.bindings)+len(s.pending))
	for key, b := range s.bindings {
		if strings.HasPrefix(key.SourceKind, prefix) {
			out = append(out, b.view())
		}
	}
	for key, r := range s.pending {
		if !strings.HasPrefix(key.SourceKind, prefix) {
			continue
		}
		out = append(out, BindingView{
			SourceKind: r.SourceKind,
			ChatID:     r.ChatID,
			ThreadID:   r.ThreadID,
			Meta:       r.Meta,
			Baselined:  r.CheckpointKind != "",
			Checkpoint: checkpointFromRecord(r).String(),
			Pending:    true,
			AttachedBy: r.AttachedBy,
			AttachedAt: r.AttachedAt,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceKind != out[j].SourceKind {
			return out[i].SourceKind < out[j].SourceKind
		}
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// Snapshot returns service totals plus all binding views.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Sources: len(s.sources), Bindings: len(s.bindings), Pending: len(s.pending)}
	s.mu.Unlock()
	snap.Views = s.List("")
	return snap
}

// RunGroup executes one pass for every live binding whose kind has the given
// prefix, sequentially. Failures are isolated per binding: one bad source or
// destination never stalls its siblings.
func (s *Service) RunGroup(ctx context.Context, prefix string) GroupResult {
	s.mu.Lock()
	keys := make([]BindingKey, 0, len(s.bindings))
	for key := range s.bindings {
		if strings.HasPrefix(key.SourceKind, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var g GroupResult
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		res, err := s.runOne(ctx, key)
		g.Passes++
		g.Delivered += res.Delivered
		g.Dropped += res.Dropped
		if res.Baselined {
			g.Baselined++
		}
		if err != nil && !errors.Is(err, ErrPassInProgress) && !errors.Is(err, ErrNotBound) {
			g.Failures++
		}
	}
	return g
}

// RunBinding triggers one immediate pass for a single binding (the manual
// run command).
func (s *Service) RunBinding(ctx context.Context, kind string, to kit.ChatTarget) (PassResult, error) {
	return s.runOne(ctx, BindingKey{SourceKind: strings.TrimSpace(kind), Target: to})
}

func (s *Service) runOne(ctx context.Context, key BindingKey) (PassResult, error) {
	s.mu.Lock()
	b, ok := s.bindings[key]
	if !ok {
		_, pend := s.pending[key]
		s.mu.Unlock()
		if pend {
			return PassResult{}, ErrSourceUnavailable
		}
		return PassResult{}, ErrNotBound
	}
	if b.running {
		s.mu.Unlock()
		return PassResult{}, ErrPassInProgress
	}
	src, ok := s.sources[key.SourceKind]
	if !ok {
		s.mu.Unlock()
		return PassResult{}, ErrSourceUnavailable
	}
	b.running = true
	cp := b.checkpoint
	opt := PassOptions{MaxFindings: s.maxFindings}
	s.mu.Unlock()

	var res PassResult
	var err error
	switch v := src.(type) {
	case ListDiffSource:
		res, err = runListDiffPass(ctx, v, cp, s.deliver, key.Target, opt, s.log)
	case TimeDiffSource:
		res, err = runTimeDiffPass(ctx, v, cp, s.deliver, key.Target, opt, s.log)
	default:
		err = fmt.Errorf("source %q implements neither diff shape", key.SourceKind)
	}

	s.mu.Lock()
	cur, still := s.bindings[key]
	if !still || cur != b {
		// Detached (or detached and re-attached) while the pass ran; the
		// result belongs to a dead binding and must not leak forward.
		s.mu.Unlock()
		s.log.Debug("pass result discarded, binding replaced",
			logx.String("binding", key.String()))
		return res, err
	}
	b.running = false
	b.passCount++
	b.lastPassAt = time.Now()

	if err != nil {
		b.lastErr = err.Error()
		b.lastErrAt = time.Now()
		s.mu.Unlock()

		if errors.Is(err, kit.ErrDestinationGone) {
			s.log.Warn("destination rejected delivery, dropping its bindings",
				logx.String("binding", key.String()), logx.Err(err))
			s.RemoveDestination(ctx, key.Target.ChatID)
			return res, err
		}
		s.log.Warn("pass failed",
			logx.String("binding", key.String()),
			logx.Bool("drift", IsDrift(err)),
			logx.Err(err),
		)
		s.publish("watch.pass_failed", PassEvent{
			SourceKind: key.SourceKind, ChatID: key.Target.ChatID, ThreadID: key.Target.ThreadID,
			Error: err.Error(),
		})
		return res, err
	}

	b.lastErr = ""
	b.checkpoint = res.Checkpoint
	b.deliveredTotal += uint64(res.Delivered)
	s.mu.Unlock()

	s.persistCheckpoint(ctx, key, res.Checkpoint)

	if res.Baselined {
		s.log.Info("binding baselined",
			logx.String("binding", key.String()),
			logx.String("checkpoint", res.Checkpoint.String()),
		)
		s.publish("watch.baselined", PassEvent{
			SourceKind: key.SourceKind, ChatID: key.Target.ChatID, ThreadID: key.Target.ThreadID,
			Baselined: true,
		})
		return res, nil
	}

	if res.Delivered > 0 || res.Dropped > 0 || res.NewDocs > 0 {
		s.log.Info("pass delivered",
			logx.String("binding", key.String()),
			logx.Int("new_docs", res.NewDocs),
			logx.Int("delivered", res.Delivered),
			logx.Int("dropped", res.Dropped),
		)
	}
	s.publish("watch.pass", PassEvent{
		SourceKind: key.SourceKind, ChatID: key.Target.ChatID, ThreadID: key.Target.ThreadID,
		NewDocs: res.NewDocs, Delivered: res.Delivered, Dropped: res.Dropped,
	})
	return res, nil
}

// persistCheckpoint writes the marker after a successful pass. It runs on a
// context detached from the pass so a shutdown mid-persist still completes.
// A persist failure is survivable: the in-memory marker already advanced,
// only a crash before the next successful write can re-announce.
func (s *Service) persistCheckpoint(ctx context.Context, key BindingKey, cp Checkpoint) {
	if s.store == nil || cp.IsZero() {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := s.store.UpdateCheckpoint(pctx, key.SourceKind, key.Target.ChatID, key.Target.ThreadID,
		string(cp.Kind), string(cp.Doc), cp.Time)
	if err != nil {
		s.log.Warn("checkpoint persist failed (re-announce possible after restart)",
			logx.String("binding", key.String()),
			logx.String("checkpoint", cp.String()),
			logx.Err(err),
		)
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func recordFromBinding(b *binding) storage.BindingRecord {
	r := storage.BindingRecord{
		SourceKind: b.key.SourceKind,
		ChatID:     b.key.Target.ChatID,
		ThreadID:   b.key.Target.ThreadID,
		Meta:       b.meta,
		AttachedBy: b.attachedBy,
		AttachedAt: b.attachedAt,
	}
	switch b.checkpoint.Kind {
	case CheckpointDocument:
		r.CheckpointKind = storage.CheckpointDocument
		r.CheckpointDoc = string(b.checkpoint.Doc)
	case CheckpointTime:
		r.CheckpointKind = storage.CheckpointTime
		r.CheckpointTime = b.checkpoint.Time
	}
	return r
}
