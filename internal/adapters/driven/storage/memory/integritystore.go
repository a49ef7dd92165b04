package memory

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// Ensure the stores implement their interfaces.
var (
	_ driven.FingerprintStore = (*FingerprintStore)(nil)
	_ driven.SnapshotStore    = (*SnapshotStore)(nil)
	_ driven.ChangeStore      = (*ChangeStore)(nil)
)

// FingerprintStore is an in-memory implementation of
// driven.FingerprintStore. Rows are append-only, matching the SQLite
// store's history semantics.
type FingerprintStore struct {
	mu   sync.RWMutex
	rows map[string][]domain.Fingerprint
}

// NewFingerprintStore creates a new in-memory fingerprint store.
func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{
		rows: make(map[string][]domain.Fingerprint),
	}
}

// Insert appends fingerprint rows.
func (s *FingerprintStore) Insert(_ context.Context, fingerprints []domain.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range fingerprints {
		fp := fingerprints[i]
		s.rows[fp.SourceID] = append(s.rows[fp.SourceID], fp)
	}
	return nil
}

// Latest returns the most recent fingerprint per record for a source.
func (s *FingerprintStore) Latest(_ context.Context, sourceID string) (map[string]domain.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]domain.Fingerprint)
	for _, fp := range s.rows[sourceID] {
		latest[fp.RecordID] = fp
	}
	return latest, nil
}

// History returns all fingerprint rows for a source, oldest first.
func (s *FingerprintStore) History(sourceID string) []domain.Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Fingerprint(nil), s.rows[sourceID]...)
}

// SnapshotStore is an in-memory implementation of driven.SnapshotStore.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]domain.Snapshot
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snapshots: make(map[string][]domain.Snapshot),
	}
}

// Save stores a snapshot.
func (s *SnapshotStore) Save(_ context.Context, snapshot *domain.Snapshot) error {
	if snapshot == nil || snapshot.SourceID == "" {
		return domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.SourceID] = append(s.snapshots[snapshot.SourceID], *snapshot)
	return nil
}

// Latest returns the most recent snapshot for a source.
func (s *SnapshotStore) Latest(_ context.Context, sourceID string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[sourceID]
	if len(snaps) == 0 {
		return nil, domain.ErrNotFound
	}
	snap := snaps[len(snaps)-1]
	return &snap, nil
}

// ChangeStore is an in-memory implementation of driven.ChangeStore.
type ChangeStore struct {
	mu     sync.RWMutex
	events []domain.ChangeEvent
}

// NewChangeStore creates a new in-memory change store.
func NewChangeStore() *ChangeStore {
	return &ChangeStore{}
}

// Append logs change events.
func (s *ChangeStore) Append(_ context.Context, events []domain.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Recent returns events detected at or after since, newest first.
func (s *ChangeStore) Recent(_ context.Context, sourceID string, since time.Time) ([]domain.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.ChangeEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.ChangedAt.Before(since) {
			continue
		}
		if sourceID != "" && ev.SourceID != sourceID {
			continue
		}
		result = append(result, ev)
	}
	return result, nil
}
