package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// ChangeDetector compares a source's current state against the prior
// fingerprints and classifies created/updated/deleted records.
type ChangeDetector interface {
	// DetectChanges runs detection for one source and appends the
	// resulting events to the change log.
	DetectChanges(ctx context.Context, sourceID string) ([]domain.ChangeEvent, error)

	// DetectChangesAllSources runs detection across all sources.
	// Per-source failures are recorded and do not abort the run.
	DetectChangesAllSources(ctx context.Context) ([]domain.SourceChanges, error)

	// RecentChanges reads the change log. An empty sourceID spans all
	// sources.
	RecentChanges(ctx context.Context, sourceID string, since time.Time) ([]domain.ChangeEvent, error)
}
