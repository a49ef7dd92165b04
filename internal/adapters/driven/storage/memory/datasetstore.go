package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// Ensure DatasetStore implements the interface.
var _ driven.DatasetVersioner = (*DatasetStore)(nil)

// DatasetStore is an in-memory implementation of driven.DatasetVersioner.
type DatasetStore struct {
	mu       sync.RWMutex
	versions []domain.DatasetVersion
	samples  map[string][]domain.DatasetSample
}

// NewDatasetStore creates a new in-memory dataset store.
func NewDatasetStore() *DatasetStore {
	return &DatasetStore{
		samples: make(map[string][]domain.DatasetSample),
	}
}

// LatestReady returns the most recent dataset version with status "ready".
func (s *DatasetStore) LatestReady(_ context.Context) (*domain.DatasetVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.versions) - 1; i >= 0; i-- {
		if s.versions[i].Status == "ready" {
			version := s.versions[i]
			return &version, nil
		}
	}
	return nil, domain.ErrNotFound
}

// CreateIncremental cuts a new version on top of a base version.
func (s *DatasetStore) CreateIncremental(_ context.Context, baseVersionID string, samples []domain.DatasetSample) (*domain.DatasetVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	version := domain.DatasetVersion{
		ID:            uuid.NewString(),
		Name:          "incremental-" + now.Format("20060102-150405"),
		BaseVersionID: baseVersionID,
		Status:        "ready",
		SampleCount:   len(samples),
		CreatedAt:     now,
	}
	s.versions = append(s.versions, version)
	s.samples[version.ID] = append([]domain.DatasetSample(nil), samples...)
	return &version, nil
}

// Samples returns the samples recorded for a version.
func (s *DatasetStore) Samples(versionID string) []domain.DatasetSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.DatasetSample(nil), s.samples[versionID]...)
}
