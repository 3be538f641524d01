package storage

import (
	"context"
	"errors"
	"path/filepath"
	logx "pewwatch/pkg/logx"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStoreBindingRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	cp := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	b := BindingRecord{
		SourceKind:     "advisories:chrome",
		ChatID:         -100123,
		ThreadID:       7,
		CheckpointKind: CheckpointDocument,
		CheckpointDoc:  "https://example.org/posts/stable-update-42.html",
		AttachedBy:     42,
	}
	if err := st.UpsertBinding(ctx, b); err != nil {
		t.Fatalf("UpsertBinding() error = %v", err)
	}
	if err := st.UpsertBinding(ctx, BindingRecord{
		SourceKind:     "disclosures:firefox",
		ChatID:         -100123,
		CheckpointKind: CheckpointTime,
		CheckpointTime: cp,
	}); err != nil {
		t.Fatalf("UpsertBinding() error = %v", err)
	}

	got, err := st.ListBindings(ctx)
	if err != nil {
		t.Fatalf("ListBindings() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListBindings() len = %d, want 2", len(got))
	}
	// Sorted by source kind.
	if got[0].SourceKind != "advisories:chrome" || got[1].SourceKind != "disclosures:firefox" {
		t.Fatalf("ListBindings() order = [%s %s]", got[0].SourceKind, got[1].SourceKind)
	}
	if got[0].CheckpointDoc != b.CheckpointDoc {
		t.Fatalf("CheckpointDoc = %q, want %q", got[0].CheckpointDoc, b.CheckpointDoc)
	}
	if !got[1].CheckpointTime.Equal(cp) {
		t.Fatalf("CheckpointTime = %v, want %v", got[1].CheckpointTime, cp)
	}
	if got[0].AttachedAt.IsZero() {
		t.Fatalf("AttachedAt not populated")
	}
}

func TestFileStoreBindingSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "store")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	cp := time.Date(2026, 1, 2, 3, 4, 5, 678901234, time.UTC)
	if err := st.UpsertBinding(ctx, BindingRecord{SourceKind: "feeds:blog", ChatID: 5, Meta: "https://example.org/rss"}); err != nil {
		t.Fatalf("UpsertBinding() error = %v", err)
	}
	if err := st.UpdateCheckpoint(ctx, "feeds:blog", 5, 0, CheckpointTime, "", cp); err != nil {
		t.Fatalf("UpdateCheckpoint() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer st2.Close()

	got, err := st2.ListBindings(ctx)
	if err != nil {
		t.Fatalf("ListBindings() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListBindings() len = %d, want 1", len(got))
	}
	if got[0].Meta != "https://example.org/rss" {
		t.Fatalf("Meta = %q, want feed url", got[0].Meta)
	}
	if got[0].CheckpointKind != CheckpointTime || !got[0].CheckpointTime.Equal(cp) {
		t.Fatalf("checkpoint = {%s %v}, want {time %v}", got[0].CheckpointKind, got[0].CheckpointTime, cp)
	}
}

func TestFileStoreUpsertPreservesAttachment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.UpsertBinding(ctx, BindingRecord{SourceKind: "advisories:safari", ChatID: 9, AttachedBy: 1}); err != nil {
		t.Fatalf("UpsertBinding() error = %v", err)
	}
	first, _ := st.ListBindings(ctx)

	// Second upsert from another actor must not rewrite attachment identity.
	if err := st.UpsertBinding(ctx, BindingRecord{SourceKind: "advisories:safari", ChatID: 9, AttachedBy: 2, Meta: "x"}); err != nil {
		t.Fatalf("UpsertBinding() error = %v", err)
	}
	got, _ := st.ListBindings(ctx)
	if len(got) != 1 {
		t.Fatalf("ListBindings() len = %d, want 1", len(got))
	}
	if got[0].AttachedBy != 1 {
		t.Fatalf("AttachedBy = %d, want 1", got[0].AttachedBy)
	}
	if !got[0].AttachedAt.Equal(first[0].AttachedAt) {
		t.Fatalf("AttachedAt changed on upsert")
	}
	if got[0].Meta != "x" {
		t.Fatalf("Meta = %q, want %q", got[0].Meta, "x")
	}
}

func TestFileStoreDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	for _, b := range []BindingRecord{
		{SourceKind: "advisories:chrome", ChatID: 1},
		{SourceKind: "advisories:firefox", ChatID: 1},
		{SourceKind: "advisories:chrome", ChatID: 2},
	} {
		if err := st.UpsertBinding(ctx, b); err != nil {
			t.Fatalf("UpsertBinding() error = %v", err)
		}
	}

	if err := st.DeleteBinding(ctx, "advisories:chrome", 1, 0); err != nil {
		t.Fatalf("DeleteBinding() error = %v", err)
	}
	if err := st.DeleteBinding(ctx, "advisories:chrome", 1, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteBinding() twice error = %v, want ErrNotFound", err)
	}

	n, err := st.DeleteBindingsForChat(ctx, 1)
	if err != nil {
		t.Fatalf("DeleteBindingsForChat() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteBindingsForChat() = %d, want 1", n)
	}

	got, _ := st.ListBindings(ctx)
	if len(got) != 1 || got[0].ChatID != 2 {
		t.Fatalf("remaining bindings = %+v, want only chat 2", got)
	}
}

func TestFileStoreUpdateCheckpointMissing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.UpdateCheckpoint(context.Background(), "advisories:chrome", 99, 0, CheckpointDocument, "doc", time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateCheckpoint() error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "k1", until); err != nil {
		t.Fatalf("PutDedup() error = %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetDedup() = (%v, %v, %v), want hit", got, ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("GetDedup() until = %v, want %v", got, until)
	}
	_, ok, err = st.GetDedup(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("GetDedup(absent) = (_, %v, %v), want miss", ok, err)
	}
}
