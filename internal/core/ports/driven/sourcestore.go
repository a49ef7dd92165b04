package driven

import (
	"context"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// SourceStore persists registered sources.
type SourceStore interface {
	// Save stores or updates a source.
	Save(ctx context.Context, source *domain.Source) error

	// Get retrieves a source by ID. Returns domain.ErrNotFound if the
	// source does not exist.
	Get(ctx context.Context, id string) (*domain.Source, error)

	// GetByURL retrieves a source by its URL. Returns domain.ErrNotFound
	// if no source is registered for the URL.
	GetByURL(ctx context.Context, url string) (*domain.Source, error)

	// List returns all registered sources.
	List(ctx context.Context) ([]domain.Source, error)

	// Delete removes a source and, by cascade, its records,
	// fingerprints and snapshots.
	Delete(ctx context.Context, id string) error
}

// RecordStore persists downloaded records.
type RecordStore interface {
	// CommitPage persists a page of records and the source's advanced
	// cursor, counters and timestamps in one transaction. Records are
	// upserted by (source, record) identity, so duplicate delivery
	// after a crash is idempotent. Before persisting, the source's
	// DownloadedRecords is set to the distinct stored count; the
	// caller's running tally is overwritten, never trusted.
	CommitPage(ctx context.Context, source *domain.Source, records []domain.Record) error

	// List returns all stored records for a source.
	List(ctx context.Context, sourceID string) ([]domain.Record, error)

	// Count returns the number of stored records for a source.
	Count(ctx context.Context, sourceID string) (int64, error)
}
