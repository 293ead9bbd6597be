package harvest

import (
	"context"
	"time"
)

// Source produces candidates plus an updated incremental state. The four
// discovery protocols are genuinely different, so they share only this
// contract rather than a common base implementation. A source must respect
// its configured max result count and return whatever partial progress
// (cursor advances, seen-set additions) it made before stopping.
type Source interface {
	Name() SourceType
	Discover(ctx context.Context, st State) ([]Candidate, State, error)
}

// Verifier is the external compliance-checking collaborator.
type Verifier interface {
	Verify(ctx context.Context, path string, sha256 string) Verification
}

// Extractor is the external metadata-extraction collaborator. Failures are
// represented in the result, never raised past this boundary.
type Extractor interface {
	Extract(path string) ExtractionResult
}

// ExtractionResult is the extractor's outcome for one package.
type ExtractionResult struct {
	Success  bool
	Metadata Metadata
	Error    string
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
