package system

import (
	"testing"

	core "pewwatch/internal/plugin"
)

func TestAnnounceTargets(t *testing.T) {
	t.Parallel()

	views := []core.WatchBindingView{
		{SourceKind: "advisories:chrome", ChatID: -200},
		{SourceKind: "advisories:firefox", ChatID: -200},
		{SourceKind: "feeds:nyt", ChatID: -100, ThreadID: 7},
		{SourceKind: "arxiv:cs.CR", ChatID: -100, ThreadID: 9},
		{SourceKind: "disclosures:firefox", ChatID: -100, ThreadID: 7},
	}

	got := announceTargets(views)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 distinct destinations", len(got))
	}
	if got[0].ChatID != -200 || got[1].ChatID != -100 || got[2].ChatID != -100 {
		t.Fatalf("order = %+v, want sorted by chat then thread", got)
	}
	if got[1].ThreadID != 7 || got[2].ThreadID != 9 {
		t.Fatalf("threads = %+v, want 7 then 9", got)
	}
}
