package memory

import (
	"context"
	"sync"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// Ensure SourceStore implements the interface.
var _ driven.SourceStore = (*SourceStore)(nil)

// SourceStore is an in-memory implementation of driven.SourceStore.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]domain.Source
}

// NewSourceStore creates a new in-memory source store.
func NewSourceStore() *SourceStore {
	return &SourceStore{
		sources: make(map[string]domain.Source),
	}
}

// Save stores or updates a source.
func (s *SourceStore) Save(_ context.Context, source *domain.Source) error {
	if source == nil || source.ID == "" {
		return domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[source.ID] = cloneSource(source)
	return nil
}

// Get retrieves a source by ID.
func (s *SourceStore) Get(_ context.Context, id string) (*domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.sources[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := cloneSource(&source)
	return &clone, nil
}

// GetByURL retrieves a source by its URL.
func (s *SourceStore) GetByURL(_ context.Context, url string) (*domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, source := range s.sources {
		if source.URL == url {
			clone := cloneSource(&source)
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

// List returns all registered sources.
func (s *SourceStore) List(_ context.Context) ([]domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.Source, 0, len(s.sources))
	for _, source := range s.sources {
		result = append(result, cloneSource(&source))
	}
	return result, nil
}

// Delete removes a source.
func (s *SourceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
	return nil
}

// cloneSource copies a source including its metadata map, so callers
// cannot mutate stored state through a shared map.
func cloneSource(source *domain.Source) domain.Source {
	clone := *source
	if source.Metadata != nil {
		clone.Metadata = make(map[string]string, len(source.Metadata))
		for k, v := range source.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
