package watch

import (
	"context"
	"time"
)

// DocRef identifies one published document of a list-diff source, normally
// its absolute URL. Refs are compared byte-for-byte against the checkpoint.
type DocRef string

// Source is the common surface of every publisher adapter. Adapters are
// stateless; all progress lives in the binding's checkpoint.
//
// Every source additionally implements exactly one of ListDiffSource or
// TimeDiffSource.
type Source interface {
	// Kind is the stable registry key, namespaced by owning family,
	// e.g. "advisories:chrome" or "feeds:kernelblog".
	Kind() string
}

// ListDiffSource models publishers that expose a reverse-chronological list
// of discrete documents (release blogs, advisory indexes).
type ListDiffSource interface {
	Source

	// EnumerateDocuments returns refs newest first. The relative order of
	// already-published documents must be stable between calls.
	EnumerateDocuments(ctx context.Context) ([]DocRef, error)

	// ParseDocument extracts the findings of one document. Order within a
	// document carries no meaning.
	ParseDocument(ctx context.Context, ref DocRef) ([]Finding, error)
}

// TimeDiffSource models publishers queryable by "changed since" (REST APIs,
// feeds with entry timestamps).
type TimeDiffSource interface {
	Source

	// FindSince returns findings newer than since, preserving source order.
	FindSince(ctx context.Context, since time.Time) ([]Finding, error)
}

// severityFloorSource drops findings below a severity threshold before the
// tracker sees them. Wrapping keeps the pass logic severity-agnostic.
type severityFloorSource struct {
	TimeDiffSource
	min Severity
}

// WithSeverityFloor decorates src so findings below min never surface.
// An empty min returns src unchanged.
func WithSeverityFloor(src TimeDiffSource, min Severity) TimeDiffSource {
	if min == "" {
		return src
	}
	return &severityFloorSource{TimeDiffSource: src, min: min}
}

func (s *severityFloorSource) FindSince(ctx context.Context, since time.Time) ([]Finding, error) {
	fs, err := s.TimeDiffSource.FindSince(ctx, since)
	if err != nil {
		return nil, err
	}
	out := fs[:0]
	for _, f := range fs {
		if f.Severity.AtLeast(s.min) {
			out = append(out, f)
		}
	}
	return out, nil
}
