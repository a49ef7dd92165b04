package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// Ensure RecordStore implements the interface.
var _ driven.RecordStore = (*RecordStore)(nil)

// RecordStore is an in-memory implementation of driven.RecordStore.
// CommitPage mirrors the transactional behaviour of the SQLite store:
// the cursor advance and the page land together under one lock.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]domain.Record
	sources *SourceStore

	// Commits counts committed pages, for assertions.
	Commits int
}

// NewRecordStore creates a new in-memory record store. When sources is
// non-nil, CommitPage writes the advanced source state through to it.
func NewRecordStore(sources *SourceStore) *RecordStore {
	return &RecordStore{
		records: make(map[string]map[string]domain.Record),
		sources: sources,
	}
}

// CommitPage persists a page of records and the source's advanced
// cursor together.
func (s *RecordStore) CommitPage(ctx context.Context, source *domain.Source, records []domain.Record) error {
	if source == nil || source.ID == "" {
		return domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.records[source.ID]
	if !ok {
		byID = make(map[string]domain.Record)
		s.records[source.ID] = byID
	}
	for i := range records {
		byID[records[i].ID] = records[i]
	}
	s.Commits++

	// The counter is the distinct stored count, not a running tally,
	// so re-delivered records never inflate it.
	source.DownloadedRecords = int64(len(byID))

	if s.sources != nil {
		return s.sources.Save(ctx, source)
	}
	return nil
}

// List returns all stored records for a source, ordered by record ID.
func (s *RecordStore) List(_ context.Context, sourceID string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.records[sourceID]
	result := make([]domain.Record, 0, len(byID))
	for _, rec := range byID {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Count returns the number of stored records for a source.
func (s *RecordStore) Count(_ context.Context, sourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records[sourceID])), nil
}
