package watch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	kit "pewwatch/internal/transport"
	logx "pewwatch/pkg/logx"
)

type listSourceStub struct {
	kind     string
	refs     []DocRef
	docs     map[DocRef][]Finding
	enumErr  error
	parseErr map[DocRef]error

	parsed []DocRef
}

func (s *listSourceStub) Kind() string { return s.kind }

func (s *listSourceStub) EnumerateDocuments(ctx context.Context) ([]DocRef, error) {
	if s.enumErr != nil {
		return nil, s.enumErr
	}
	return s.refs, nil
}

func (s *listSourceStub) ParseDocument(ctx context.Context, ref DocRef) ([]Finding, error) {
	s.parsed = append(s.parsed, ref)
	if err := s.parseErr[ref]; err != nil {
		return nil, err
	}
	return s.docs[ref], nil
}

type timeSourceStub struct {
	kind     string
	findings []Finding
	err      error

	asked []time.Time
}

func (s *timeSourceStub) Kind() string { return s.kind }

func (s *timeSourceStub) FindSince(ctx context.Context, since time.Time) ([]Finding, error) {
	s.asked = append(s.asked, since)
	if s.err != nil {
		return nil, s.err
	}
	return s.findings, nil
}

type deliveryLog struct {
	sent   []string
	failOn map[string]error
	cancel context.CancelFunc // when set, fired after the first send
}

func (d *deliveryLog) Deliver(ctx context.Context, to kit.ChatTarget, f Finding) error {
	if err := d.failOn[f.ID]; err != nil {
		return err
	}
	d.sent = append(d.sent, f.ID)
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	return nil
}

func fd(id string) Finding {
	return Finding{ID: id, Description: "desc for " + id}
}

func docCP(ref string) Checkpoint {
	return Checkpoint{Kind: CheckpointDocument, Doc: DocRef(ref)}
}

func TestListDiffFirstPassBaselines(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-3", "post-2", "post-1"},
		docs: map[DocRef][]Finding{"post-3": {fd("CVE-2026-0003")}},
	}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, Checkpoint{}, d, kit.ChatTarget{ChatID: 77}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if !res.Baselined {
		t.Fatal("expected baseline on first pass")
	}
	if len(d.sent) != 0 {
		t.Fatalf("baseline delivered %d findings, want 0", len(d.sent))
	}
	if len(src.parsed) != 0 {
		t.Fatalf("baseline parsed %d documents, want 0", len(src.parsed))
	}
	if res.Checkpoint != docCP("post-3") {
		t.Fatalf("checkpoint = %v, want newest document", res.Checkpoint)
	}
}

func TestListDiffEmptyEnumerationStaysUninitialized(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{kind: "advisories:test"}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, Checkpoint{}, d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if res.Baselined {
		t.Fatal("baselined with nothing published")
	}
	if !res.Checkpoint.IsZero() {
		t.Fatalf("checkpoint = %v, want uninitialized", res.Checkpoint)
	}
}

func TestListDiffDeliversNewDocumentsOldestFirst(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-3", "post-2", "post-1"},
		docs: map[DocRef][]Finding{
			"post-2": {fd("CVE-2026-0002")},
			"post-3": {fd("CVE-2026-0003"), fd("CVE-2026-0004")},
		},
	}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{ChatID: 77}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if res.NewDocs != 2 || res.Delivered != 3 {
		t.Fatalf("NewDocs=%d Delivered=%d, want 2 and 3", res.NewDocs, res.Delivered)
	}
	wantParse := []DocRef{"post-2", "post-3"}
	for i, ref := range wantParse {
		if src.parsed[i] != ref {
			t.Fatalf("parse order %v, want %v", src.parsed, wantParse)
		}
	}
	wantSent := []string{"CVE-2026-0002", "CVE-2026-0003", "CVE-2026-0004"}
	for i, id := range wantSent {
		if d.sent[i] != id {
			t.Fatalf("send order %v, want %v", d.sent, wantSent)
		}
	}
	if res.Checkpoint != docCP("post-3") {
		t.Fatalf("checkpoint = %v, want post-3", res.Checkpoint)
	}
}

func TestListDiffNoNewDocumentsIsNoop(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{kind: "advisories:test", refs: []DocRef{"post-3", "post-2"}}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, docCP("post-3"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if res.NewDocs != 0 || len(src.parsed) != 0 || len(d.sent) != 0 {
		t.Fatalf("no-op pass did work: %+v, parsed=%v, sent=%v", res, src.parsed, d.sent)
	}
	if res.Checkpoint != docCP("post-3") {
		t.Fatalf("checkpoint = %v, want unchanged", res.Checkpoint)
	}
}

func TestListDiffCheckpointRotatedOut(t *testing.T) {
	t.Parallel()
	// The marker no longer appears in the window: announce only the newest
	// document instead of replaying the whole visible list.
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-9", "post-8", "post-7"},
		docs: map[DocRef][]Finding{
			"post-9": {fd("CVE-2026-0009")},
			"post-8": {fd("CVE-2026-0008")},
		},
	}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if res.NewDocs != 1 || res.Delivered != 1 {
		t.Fatalf("NewDocs=%d Delivered=%d, want 1 and 1", res.NewDocs, res.Delivered)
	}
	if len(d.sent) != 1 || d.sent[0] != "CVE-2026-0009" {
		t.Fatalf("sent %v, want only the newest document's finding", d.sent)
	}
	if res.Checkpoint != docCP("post-9") {
		t.Fatalf("checkpoint = %v, want post-9", res.Checkpoint)
	}
}

func TestListDiffEnumerateFailureLeavesEverything(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind:    "advisories:test",
		enumErr: &FetchError{SourceKind: "advisories:test", Op: "enumerate", Err: errors.New("http 503")},
	}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if len(d.sent) != 0 {
		t.Fatalf("failed pass delivered %v", d.sent)
	}
	if !res.Checkpoint.IsZero() {
		t.Fatalf("failed pass produced checkpoint %v", res.Checkpoint)
	}
}

func TestListDiffParseFailureDeliversNothing(t *testing.T) {
	t.Parallel()
	// post-2 parses fine, post-3 fails: the pass must abort with zero
	// messages sent, not announce post-2 and lose post-3.
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-3", "post-2", "post-1"},
		docs: map[DocRef][]Finding{"post-2": {fd("CVE-2026-0002")}},
		parseErr: map[DocRef]error{
			"post-3": &DriftError{SourceKind: "advisories:test", Op: "parse", Detail: "no rows"},
		},
	}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !IsDrift(err) {
		t.Fatalf("error %v, want drift", err)
	}
	if len(d.sent) != 0 {
		t.Fatalf("aborted pass delivered %v, want nothing", d.sent)
	}
	if !res.Checkpoint.IsZero() {
		t.Fatalf("aborted pass produced checkpoint %v", res.Checkpoint)
	}
}

func TestListDiffDeliveryFailureDropsAndAdvances(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-2", "post-1"},
		docs: map[DocRef][]Finding{
			"post-2": {fd("CVE-2026-0001"), fd("CVE-2026-0002"), fd("CVE-2026-0003")},
		},
	}
	d := &deliveryLog{failOn: map[string]error{"CVE-2026-0002": errors.New("telegram: 400")}}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if res.Delivered != 2 || res.Dropped != 1 {
		t.Fatalf("Delivered=%d Dropped=%d, want 2 and 1", res.Delivered, res.Dropped)
	}
	if res.Checkpoint != docCP("post-2") {
		t.Fatalf("checkpoint = %v, want post-2 despite the drop", res.Checkpoint)
	}
}

func TestListDiffCancelledBetweenFindings(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-2", "post-1"},
		docs: map[DocRef][]Finding{
			"post-2": {fd("CVE-2026-0001"), fd("CVE-2026-0002")},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &deliveryLog{cancel: cancel}

	res, err := runListDiffPass(ctx, src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(d.sent) != 1 {
		t.Fatalf("sent %v, want exactly the in-flight finding", d.sent)
	}
	if !res.Checkpoint.IsZero() {
		t.Fatalf("cancelled pass produced checkpoint %v", res.Checkpoint)
	}
}

func TestListDiffFindingsCap(t *testing.T) {
	t.Parallel()
	many := make([]Finding, 5)
	for i := range many {
		many[i] = fd(fmt.Sprintf("CVE-2026-%04d", i+1))
	}
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-2", "post-1"},
		docs: map[DocRef][]Finding{"post-2": many},
	}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{MaxFindings: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if res.Delivered != 2 || res.Capped != 3 {
		t.Fatalf("Delivered=%d Capped=%d, want 2 and 3", res.Delivered, res.Capped)
	}
	if res.Checkpoint != docCP("post-2") {
		t.Fatalf("checkpoint = %v, want post-2 (capped findings never resurface)", res.Checkpoint)
	}
}

func TestListDiffInvalidFindingSkipped(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-2", "post-1"},
		docs: map[DocRef][]Finding{
			"post-2": {{ID: "", Description: "orphan"}, fd("CVE-2026-0002")},
		},
	}
	d := &deliveryLog{}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if res.Invalid != 1 || res.Delivered != 1 {
		t.Fatalf("Invalid=%d Delivered=%d, want 1 and 1", res.Invalid, res.Delivered)
	}
}

func TestListDiffForeignCheckpointRebaselines(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-3"},
		docs: map[DocRef][]Finding{"post-3": {fd("CVE-2026-0003")}},
	}
	d := &deliveryLog{}
	cp := Checkpoint{Kind: CheckpointTime, Time: time.Now()}

	res, err := runListDiffPass(context.Background(), src, cp, d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if !res.Baselined || len(d.sent) != 0 {
		t.Fatalf("wrong-shape checkpoint: Baselined=%v sent=%v, want clean re-baseline", res.Baselined, d.sent)
	}
	if res.Checkpoint != docCP("post-3") {
		t.Fatalf("checkpoint = %v, want post-3", res.Checkpoint)
	}
}

func TestTimeDiffFirstPassBaselines(t *testing.T) {
	t.Parallel()
	src := &timeSourceStub{kind: "disclosures:test", findings: []Finding{fd("1900001")}}
	d := &deliveryLog{}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := runTimeDiffPass(context.Background(), src, Checkpoint{}, d, kit.ChatTarget{}, PassOptions{Now: func() time.Time { return start }}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if !res.Baselined || len(d.sent) != 0 || len(src.asked) != 0 {
		t.Fatalf("baseline queried or delivered: asked=%v sent=%v", src.asked, d.sent)
	}
	want := Checkpoint{Kind: CheckpointTime, Time: start}
	if res.Checkpoint != want {
		t.Fatalf("checkpoint = %v, want pass start", res.Checkpoint)
	}
}

func TestTimeDiffDeliversSinceCheckpoint(t *testing.T) {
	t.Parallel()
	src := &timeSourceStub{kind: "disclosures:test", findings: []Finding{fd("1900001"), fd("1900002")}}
	d := &deliveryLog{}
	mark := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	start := mark.Add(12 * time.Hour)
	cp := Checkpoint{Kind: CheckpointTime, Time: mark}

	res, err := runTimeDiffPass(context.Background(), src, cp, d, kit.ChatTarget{}, PassOptions{Now: func() time.Time { return start }}, logx.Nop())
	if err != nil {
		t.Fatalf("pass error: %v", err)
	}
	if len(src.asked) != 1 || !src.asked[0].Equal(mark) {
		t.Fatalf("asked since %v, want %v", src.asked, mark)
	}
	if res.Delivered != 2 {
		t.Fatalf("Delivered = %d, want 2", res.Delivered)
	}
	// The marker moves to the start of this pass, not to the newest
	// finding, so publisher-side lag duplicates rather than loses.
	want := Checkpoint{Kind: CheckpointTime, Time: start}
	if res.Checkpoint != want {
		t.Fatalf("checkpoint = %v, want %v", res.Checkpoint, want)
	}
}

func TestTimeDiffFetchFailureLeavesEverything(t *testing.T) {
	t.Parallel()
	src := &timeSourceStub{kind: "disclosures:test", err: errors.New("http 500")}
	d := &deliveryLog{}
	cp := Checkpoint{Kind: CheckpointTime, Time: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}

	res, err := runTimeDiffPass(context.Background(), src, cp, d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if len(d.sent) != 0 || !res.Checkpoint.IsZero() {
		t.Fatalf("failed pass sent=%v checkpoint=%v", d.sent, res.Checkpoint)
	}
}

func TestDeliverDestinationGoneAborts(t *testing.T) {
	t.Parallel()
	src := &listSourceStub{
		kind: "advisories:test",
		refs: []DocRef{"post-2", "post-1"},
		docs: map[DocRef][]Finding{"post-2": {fd("CVE-2026-0001"), fd("CVE-2026-0002")}},
	}
	gone := fmt.Errorf("%w: chat not found", kit.ErrDestinationGone)
	d := &deliveryLog{failOn: map[string]error{"CVE-2026-0001": gone}}

	res, err := runListDiffPass(context.Background(), src, docCP("post-1"), d, kit.ChatTarget{}, PassOptions{}, logx.Nop())
	if !errors.Is(err, kit.ErrDestinationGone) {
		t.Fatalf("error = %v, want destination gone", err)
	}
	if len(d.sent) != 0 {
		t.Fatalf("sent %v after destination vanished", d.sent)
	}
	if !res.Checkpoint.IsZero() {
		t.Fatalf("checkpoint advanced to %v for a dead destination", res.Checkpoint)
	}
}

func TestSeverityFloorFiltersFindings(t *testing.T) {
	t.Parallel()
	low := fd("1900001")
	low.Severity = SeverityLow
	high := fd("1900002")
	high.Severity = SeverityHigh
	unrated := fd("1900003")

	src := WithSeverityFloor(&timeSourceStub{kind: "disclosures:test", findings: []Finding{low, high, unrated}}, SeverityHigh)
	got, err := src.FindSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("FindSince error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1900002" {
		t.Fatalf("filtered findings = %v, want only the high one", got)
	}
}
