package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// FingerprintStore persists content fingerprints. Inserts are
// append-only; re-verification supersedes earlier rows rather than
// overwriting them, so history is retained.
type FingerprintStore interface {
	// Insert appends fingerprint rows.
	Insert(ctx context.Context, fingerprints []domain.Fingerprint) error

	// Latest returns the most recent fingerprint per record for a
	// source, keyed by record ID.
	Latest(ctx context.Context, sourceID string) (map[string]domain.Fingerprint, error)
}

// SnapshotStore persists immutable source snapshots.
type SnapshotStore interface {
	// Save stores a snapshot. Snapshots are never mutated.
	Save(ctx context.Context, snapshot *domain.Snapshot) error

	// Latest returns the most recent snapshot for a source, or
	// domain.ErrNotFound when none exists.
	Latest(ctx context.Context, sourceID string) (*domain.Snapshot, error)
}

// ChangeStore persists the append-only change log.
type ChangeStore interface {
	// Append logs change events.
	Append(ctx context.Context, events []domain.ChangeEvent) error

	// Recent returns events detected at or after since, newest first.
	// An empty sourceID returns events across all sources.
	Recent(ctx context.Context, sourceID string, since time.Time) ([]domain.ChangeEvent, error)
}
