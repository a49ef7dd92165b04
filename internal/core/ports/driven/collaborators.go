package driven

import (
	"context"
	"encoding/json"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// Structurer is the external LLM-based structuring service. The core
// persists raw bytes and hands off a source identifier; structuring
// happens in the downstream normalization stage.
type Structurer interface {
	// Analyze infers a schema for a blob of raw content and reports
	// issues that would prevent extraction.
	Analyze(ctx context.Context, raw []byte) (schema json.RawMessage, issues []string, err error)

	// Extract structures raw content into records using a previously
	// inferred schema.
	Extract(ctx context.Context, raw []byte, schema json.RawMessage) ([]domain.Record, error)
}

// DatasetVersioner is the external dataset-versioning collaborator.
// The scheduler's incremental-dataset task feeds it samples cut from
// detected changes.
type DatasetVersioner interface {
	// LatestReady returns the most recent dataset version with status
	// "ready", or domain.ErrNotFound when none exists.
	LatestReady(ctx context.Context) (*domain.DatasetVersion, error)

	// CreateIncremental cuts a new version on top of a base version
	// from the given samples.
	CreateIncremental(ctx context.Context, baseVersionID string, samples []domain.DatasetSample) (*domain.DatasetVersion, error)
}
