package driving

import (
	"context"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// IntegrityChecker verifies downloaded content against the source.
type IntegrityChecker interface {
	// VerifySource re-fetches the source listing where possible,
	// compares canonical digests against stored fingerprints, and
	// produces a fresh snapshot. Prior fingerprint history is retained.
	VerifySource(ctx context.Context, sourceID string) (*domain.IntegrityReport, error)

	// VerifyAllSources sweeps every registered source. A failure on
	// one source is recorded in its summary and does not abort the
	// sweep.
	VerifyAllSources(ctx context.Context) ([]VerifySummary, error)
}

// VerifySummary is one source's row in an integrity sweep.
type VerifySummary struct {
	SourceID   string
	Score      *float64
	Missing    int
	Mismatched int
	Extra      int
	Err        error
}
