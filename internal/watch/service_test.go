package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"pewwatch/internal/storage"
	kit "pewwatch/internal/transport"
	logx "pewwatch/pkg/logx"
)

func testStore(t *testing.T, path string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAttachDetachLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(logx.Nop(), nil, nil, &deliveryLog{}, Options{})
	src := &listSourceStub{kind: "advisories:test", refs: []DocRef{"post-1"}}
	if err := svc.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}

	to := kit.ChatTarget{ChatID: 100}
	if err := svc.Attach(ctx, "advisories:test", to, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := svc.Attach(ctx, "advisories:test", to, "", 42); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second Attach = %v, want ErrAlreadyBound", err)
	}
	if err := svc.Attach(ctx, "advisories:nope", to, "", 42); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("Attach unknown kind = %v, want ErrUnknownSource", err)
	}

	views := svc.List("")
	if len(views) != 1 {
		t.Fatalf("List returned %d views, want 1", len(views))
	}
	v := views[0]
	if v.Pending || v.Baselined || v.SourceKind != "advisories:test" || v.ChatID != 100 {
		t.Fatalf("unexpected view %+v", v)
	}

	if err := svc.Detach(ctx, "advisories:test", to); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := svc.Detach(ctx, "advisories:test", to); !errors.Is(err, ErrNotBound) {
		t.Fatalf("second Detach = %v, want ErrNotBound", err)
	}
	if got := svc.List(""); len(got) != 0 {
		t.Fatalf("List after detach = %v, want empty", got)
	}
}

func TestRunBindingBaselinesThenDelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := &deliveryLog{}
	svc := New(logx.Nop(), nil, nil, d, Options{})
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-1"},
		docs: map[DocRef][]Finding{},
	}
	if err := svc.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	to := kit.ChatTarget{ChatID: 100}
	if err := svc.Attach(ctx, "advisories:test", to, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	res, err := svc.RunBinding(ctx, "advisories:test", to)
	if err != nil {
		t.Fatalf("first RunBinding: %v", err)
	}
	if !res.Baselined || len(d.sent) != 0 {
		t.Fatalf("first pass: Baselined=%v sent=%v, want silent baseline", res.Baselined, d.sent)
	}

	src.refs = []DocRef{"post-2", "post-1"}
	src.docs["post-2"] = []Finding{fd("CVE-2026-0002")}

	res, err = svc.RunBinding(ctx, "advisories:test", to)
	if err != nil {
		t.Fatalf("second RunBinding: %v", err)
	}
	if res.Delivered != 1 || len(d.sent) != 1 || d.sent[0] != "CVE-2026-0002" {
		t.Fatalf("second pass: Delivered=%d sent=%v", res.Delivered, d.sent)
	}

	views := svc.List("advisories:")
	if len(views) != 1 || !views[0].Baselined || views[0].DeliveredTotal != 1 || views[0].PassCount != 2 {
		t.Fatalf("view after passes = %+v", views)
	}
}

func TestRehydratePromotesWhenSourceRegisters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	to := kit.ChatTarget{ChatID: 100}

	st1 := testStore(t, path)
	svc1 := New(logx.Nop(), nil, st1, &deliveryLog{}, Options{})
	src := &listSourceStub{kind: "advisories:test", refs: []DocRef{"post-5"}}
	if err := svc1.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if err := svc1.Attach(ctx, "advisories:test", to, "meta-blob", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := svc1.RunBinding(ctx, "advisories:test", to); err != nil {
		t.Fatalf("RunBinding: %v", err)
	}

	// Fresh service on the same state, as after a restart.
	st2 := testStore(t, path)
	svc2 := New(logx.Nop(), nil, st2, &deliveryLog{}, Options{})
	if err := svc2.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	views := svc2.List("")
	if len(views) != 1 || !views[0].Pending {
		t.Fatalf("before registration: views = %+v, want one pending", views)
	}
	if !views[0].Baselined || views[0].Meta != "meta-blob" || views[0].AttachedBy != 42 {
		t.Fatalf("pending view lost state: %+v", views[0])
	}

	if err := svc2.RegisterSource(&listSourceStub{kind: "advisories:test", refs: []DocRef{"post-5"}}); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	views = svc2.List("")
	if len(views) != 1 || views[0].Pending {
		t.Fatalf("after registration: views = %+v, want one live", views)
	}
	if views[0].Checkpoint != "document(post-5)" {
		t.Fatalf("checkpoint after rehydrate = %s, want document(post-5)", views[0].Checkpoint)
	}
}

func TestUnregisterSourceDemotesBindings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(logx.Nop(), nil, nil, &deliveryLog{}, Options{})
	src := &listSourceStub{kind: "feeds:blog", refs: []DocRef{"e1"}}
	if err := svc.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	to := kit.ChatTarget{ChatID: 100}
	if err := svc.Attach(ctx, "feeds:blog", to, "https://blog.test/feed", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	svc.UnregisterSource("feeds:blog")
	views := svc.List("")
	if len(views) != 1 || !views[0].Pending {
		t.Fatalf("views after unregister = %+v, want one pending", views)
	}
	if _, err := svc.RunBinding(ctx, "feeds:blog", to); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("RunBinding on pending = %v, want ErrSourceUnavailable", err)
	}

	if err := svc.RegisterSource(src); err != nil {
		t.Fatalf("re-RegisterSource: %v", err)
	}
	if views = svc.List(""); len(views) != 1 || views[0].Pending {
		t.Fatalf("views after re-register = %+v, want one live", views)
	}
	if views[0].Meta != "https://blog.test/feed" {
		t.Fatalf("meta lost in demote/promote round trip: %+v", views[0])
	}
}

func TestRunGroupIsolatesFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := &deliveryLog{}
	svc := New(logx.Nop(), nil, nil, d, Options{})

	bad := &listSourceStub{kind: "advisories:bad", enumErr: errors.New("http 503")}
	good := &listSourceStub{kind: "advisories:good", refs: []DocRef{"post-1"}}
	for _, s := range []*listSourceStub{bad, good} {
		if err := svc.RegisterSource(s); err != nil {
			t.Fatalf("RegisterSource(%s): %v", s.kind, err)
		}
	}
	to := kit.ChatTarget{ChatID: 100}
	for _, kind := range []string{"advisories:bad", "advisories:good"} {
		if err := svc.Attach(ctx, kind, to, "", 42); err != nil {
			t.Fatalf("Attach(%s): %v", kind, err)
		}
	}

	g := svc.RunGroup(ctx, "advisories:")
	if g.Passes != 2 || g.Failures != 1 || g.Baselined != 1 {
		t.Fatalf("group result = %+v, want 2 passes, 1 failure, 1 baselined", g)
	}

	// The failed binding keeps its slot and stays uninitialized.
	for _, v := range svc.List("") {
		switch v.SourceKind {
		case "advisories:bad":
			if v.Baselined {
				t.Fatalf("failed binding got baselined: %+v", v)
			}
		case "advisories:good":
			if !v.Baselined {
				t.Fatalf("healthy binding not baselined: %+v", v)
			}
		}
	}
}

func TestDestinationGoneDropsAllBindingsForChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st := testStore(t, path)

	gone := fmt.Errorf("%w: kicked", kit.ErrDestinationGone)
	d := &deliveryLog{failOn: map[string]error{"CVE-2026-0002": gone}}
	svc := New(logx.Nop(), nil, st, d, Options{})

	src := &listSourceStub{kind: "advisories:test", refs: []DocRef{"post-1"}, docs: map[DocRef][]Finding{}}
	other := &timeSourceStub{kind: "disclosures:test"}
	if err := svc.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if err := svc.RegisterSource(other); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}

	dead := kit.ChatTarget{ChatID: 100}
	alive := kit.ChatTarget{ChatID: 200}
	if err := svc.Attach(ctx, "advisories:test", dead, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := svc.Attach(ctx, "disclosures:test", dead, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := svc.Attach(ctx, "advisories:test", alive, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, err := svc.RunBinding(ctx, "advisories:test", dead); err != nil {
		t.Fatalf("baseline pass: %v", err)
	}
	src.refs = []DocRef{"post-2", "post-1"}
	src.docs["post-2"] = []Finding{fd("CVE-2026-0002")}

	if _, err := svc.RunBinding(ctx, "advisories:test", dead); !errors.Is(err, kit.ErrDestinationGone) {
		t.Fatalf("RunBinding = %v, want destination gone", err)
	}

	views := svc.List("")
	if len(views) != 1 || views[0].ChatID != 200 {
		t.Fatalf("views after removal = %+v, want only chat 200", views)
	}
	records, err := st.ListBindings(ctx)
	if err != nil {
		t.Fatalf("ListBindings: %v", err)
	}
	if len(records) != 1 || records[0].ChatID != 200 {
		t.Fatalf("persisted records = %+v, want only chat 200", records)
	}
}

func TestRemoveDestinationCountsLiveAndPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(logx.Nop(), nil, nil, &deliveryLog{}, Options{})
	src := &listSourceStub{kind: "advisories:test", refs: []DocRef{"post-1"}}
	if err := svc.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if err := svc.Attach(ctx, "advisories:test", kit.ChatTarget{ChatID: 100}, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := svc.Attach(ctx, "advisories:test", kit.ChatTarget{ChatID: 200}, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	svc.UnregisterSource("advisories:test")
	if err := svc.RegisterSource(&listSourceStub{kind: "advisories:other", refs: []DocRef{"x"}}); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if err := svc.Attach(ctx, "advisories:other", kit.ChatTarget{ChatID: 100}, "", 42); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if n := svc.RemoveDestination(ctx, 100); n != 2 {
		t.Fatalf("RemoveDestination removed %d, want 2 (one live, one pending)", n)
	}
	views := svc.List("")
	if len(views) != 1 || views[0].ChatID != 200 {
		t.Fatalf("views after removal = %+v, want only chat 200", views)
	}
}

func TestSnapshotTotals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(logx.Nop(), nil, nil, &deliveryLog{}, Options{})
	if err := svc.RegisterSource(&listSourceStub{kind: "advisories:a", refs: []DocRef{"x"}}); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if err := svc.RegisterSource(&timeSourceStub{kind: "disclosures:b"}); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if err := svc.Attach(ctx, "advisories:a", kit.ChatTarget{ChatID: 1}, "", 1); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	snap := svc.Snapshot()
	if snap.Sources != 2 || snap.Bindings != 1 || snap.Pending != 0 {
		t.Fatalf("snapshot = %+v, want 2 sources, 1 binding", snap)
	}
	if len(snap.Views) != 1 {
		t.Fatalf("snapshot views = %d, want 1", len(snap.Views))
	}
}
