package driving

import (
	"context"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// DownloadManager orchestrates adapters against the source registry:
// registers sources, resumes interrupted downloads, tracks progress.
type DownloadManager interface {
	// Register creates a source for a URL. Fails with
	// domain.ErrDuplicateSource if the URL is already registered.
	Register(ctx context.Context, url string, sourceType domain.SourceType, metadata map[string]string) (string, error)

	// Resume drives the source's adapter page by page from the stored
	// cursor until end-of-source, a permanent failure, or cancellation.
	// A concurrent Resume on the same source fails with
	// domain.ErrSyncInProgress. Cancellation lands between pages and
	// leaves status partial with the cursor intact.
	Resume(ctx context.Context, sourceID string, batchSize int) error

	// Status returns the download state for a source.
	Status(ctx context.Context, sourceID string) (*DownloadStatus, error)

	// Stats aggregates registry-wide counters for display.
	Stats(ctx context.Context) (*RegistryStats, error)
}

// DownloadStatus reports one source's download progress.
type DownloadStatus struct {
	SourceID          string
	Status            domain.SourceStatus
	TotalRecords      int64
	DownloadedRecords int64
	RetryCount        int
	LastError         string
	Running           bool
}

// RegistryStats aggregates source counts for display.
type RegistryStats struct {
	TotalSources      int
	ByStatus          map[domain.SourceStatus]int
	ByType            map[domain.SourceType]int
	DownloadedRecords int64
}
