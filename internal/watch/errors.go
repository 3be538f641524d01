package watch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSource means no adapter is registered under the given kind.
	ErrUnknownSource = errors.New("unknown source kind")

	// ErrSourceUnavailable means the binding exists but its adapter is not
	// currently registered (plugin disabled or quarantined).
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrAlreadyBound means the (source, destination) pair is attached.
	ErrAlreadyBound = errors.New("already bound")

	// ErrNotBound means no binding exists for the (source, destination) pair.
	ErrNotBound = errors.New("not bound")

	// ErrPassInProgress means another pass holds the binding right now.
	ErrPassInProgress = errors.New("pass in progress")
)

// FetchError is a transient source failure: network trouble, HTTP error
// status, unparseable transport payload. The pass aborts, the binding stays
// healthy, the next tick retries from scratch.
type FetchError struct {
	SourceKind string
	Op         string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.SourceKind, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DriftError means the publisher responded but the expected structure was
// missing: a selector matched nothing, a regex found no rows where rows are
// mandatory. It signals the scraper needs maintenance, not a retry.
type DriftError struct {
	SourceKind string
	Op         string
	Detail     string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s: %s: format drift: %s", e.SourceKind, e.Op, e.Detail)
}

// IsDrift reports whether err carries a DriftError.
func IsDrift(err error) bool {
	var de *DriftError
	return errors.As(err, &de)
}
