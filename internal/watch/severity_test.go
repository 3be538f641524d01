package watch

import "testing"

func TestParseSeverityVocabulary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Severity
	}{
		{"low", SeverityLow},
		{"Medium", SeverityMedium},
		{"moderate", SeverityMedium},
		{"sec-moderate", SeverityMedium},
		{"HIGH", SeverityHigh},
		{"sec-high", SeverityHigh},
		{"Critical", SeverityCritical},
		{" critical ", SeverityCritical},
		{"", ""},
		{"informational", ""},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.raw); got != tt.want {
			t.Fatalf("ParseSeverity(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestSeverityAtLeast(t *testing.T) {
	t.Parallel()
	if !SeverityHigh.AtLeast(SeverityMedium) {
		t.Fatal("high should satisfy a medium floor")
	}
	if SeverityLow.AtLeast(SeverityHigh) {
		t.Fatal("low should not satisfy a high floor")
	}
	if !SeverityLow.AtLeast("") {
		t.Fatal("empty floor should accept everything")
	}
	if Severity("").AtLeast(SeverityLow) {
		t.Fatal("unrated should not satisfy any floor")
	}
}
