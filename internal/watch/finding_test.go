package watch

import (
	"errors"
	"testing"
)

func TestRenderHTMLVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		f    Finding
		want string
	}{
		{
			name: "full",
			f: Finding{
				Reward:      "2000",
				Severity:    SeverityHigh,
				ID:          "CVE-2026-1234",
				Description: "Use after free in Foo",
				ReportLink:  "https://crbug.com/1234",
				CommitLink:  "https://example.test/q?cve=CVE-2026-1234",
			},
			want: `[$2000] (high) CVE-2026-1234: Use after free in Foo. -- <a href="https://crbug.com/1234">Report</a>. -- <a href="https://example.test/q?cve=CVE-2026-1234">Commit(s)</a>.`,
		},
		{
			name: "minimal",
			f:    Finding{ID: "1900001", Description: "Heap overflow in parser"},
			want: "1900001: Heap overflow in parser.",
		},
		{
			name: "no reward keeps severity",
			f:    Finding{Severity: SeverityCritical, ID: "CVE-2026-9", Description: "Sandbox escape"},
			want: "(critical) CVE-2026-9: Sandbox escape.",
		},
		{
			name: "trailing period not doubled",
			f:    Finding{ID: "CVE-2026-2", Description: "Type confusion in V8."},
			want: "CVE-2026-2: Type confusion in V8.",
		},
		{
			name: "html escaped",
			f:    Finding{ID: "CVE-2026-3", Description: `Bad <input> & "quotes"`},
			want: "CVE-2026-3: Bad &lt;input&gt; &amp; &#34;quotes&#34;.",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.f.RenderHTML()
			if err != nil {
				t.Fatalf("RenderHTML error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("RenderHTML = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateRejectsIncompleteFindings(t *testing.T) {
	t.Parallel()
	bad := []Finding{
		{},
		{ID: "CVE-2026-1"},
		{Description: "no id"},
		{ID: "   ", Description: "blank id"},
	}
	for _, f := range bad {
		if err := f.Validate(); !errors.Is(err, ErrInvalidFinding) {
			t.Fatalf("Validate(%+v) = %v, want ErrInvalidFinding", f, err)
		}
	}
	if _, err := (Finding{ID: "x"}).RenderHTML(); err == nil {
		t.Fatal("RenderHTML accepted an invalid finding")
	}
}
