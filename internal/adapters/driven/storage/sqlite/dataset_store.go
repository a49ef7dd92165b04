package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// Dataset version states.
const (
	datasetStatusBuilding = "building"
	datasetStatusReady    = "ready"
)

// datasetStore implements driven.DatasetVersioner.
type datasetStore struct {
	store *Store
}

var _ driven.DatasetVersioner = (*datasetStore)(nil)

// LatestReady returns the most recent dataset version with status
// "ready".
func (s *datasetStore) LatestReady(ctx context.Context) (*domain.DatasetVersion, error) {
	row := s.store.db.QueryRowContext(ctx, `
		SELECT id, name, base_version_id, status, sample_count, created_at
		FROM dataset_versions
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, datasetStatusReady)

	var version domain.DatasetVersion
	var createdAt string
	if err := row.Scan(&version.ID, &version.Name, &version.BaseVersionID,
		&version.Status, &version.SampleCount, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning dataset version: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		version.CreatedAt = t
	}

	return &version, nil
}

// CreateIncremental cuts a new version on top of a base version from
// the given samples. The version and its samples land in one
// transaction, already marked ready.
func (s *datasetStore) CreateIncremental(ctx context.Context, baseVersionID string, samples []domain.DatasetSample) (*domain.DatasetVersion, error) {
	now := time.Now().UTC()
	version := &domain.DatasetVersion{
		ID:            uuid.NewString(),
		Name:          "incremental-" + now.Format("20060102-150405"),
		BaseVersionID: baseVersionID,
		Status:        datasetStatusReady,
		SampleCount:   len(samples),
		CreatedAt:     now,
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dataset_versions (id, name, base_version_id, status, sample_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, version.ID, version.Name, version.BaseVersionID, version.Status,
		version.SampleCount, version.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("saving dataset version: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dataset_samples (version_id, document_id, source_id, change_type, content_hash)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for i := range samples {
		sample := &samples[i]
		if _, err := stmt.ExecContext(ctx, version.ID, sample.DocumentID,
			sample.SourceID, string(sample.ChangeType), sample.ContentHash); err != nil {
			return nil, fmt.Errorf("saving dataset sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return version, nil
}
