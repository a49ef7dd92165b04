package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// ==================== Fingerprint Store ====================

// fingerprintStore implements driven.FingerprintStore.
type fingerprintStore struct {
	store *Store
}

var _ driven.FingerprintStore = (*fingerprintStore)(nil)

// Insert appends fingerprint rows. Earlier rows for the same record
// are kept; Latest picks the newest.
func (s *fingerprintStore) Insert(ctx context.Context, fingerprints []domain.Fingerprint) error {
	if len(fingerprints) == 0 {
		return nil
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO data_integrity (source_id, record_id, content_hash, original_hash, status, verified_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for i := range fingerprints {
		fp := &fingerprints[i]
		if _, err := stmt.ExecContext(ctx, fp.SourceID, fp.RecordID, fp.ContentHash,
			fp.OriginalHash, string(fp.Status), fp.VerifiedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting fingerprint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Latest returns the most recent fingerprint per record for a source.
func (s *fingerprintStore) Latest(ctx context.Context, sourceID string) (map[string]domain.Fingerprint, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT source_id, record_id, content_hash, original_hash, status, verified_at
		FROM data_integrity
		WHERE source_id = ? AND id IN (
			SELECT MAX(id) FROM data_integrity WHERE source_id = ? GROUP BY record_id
		)
	`, sourceID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]domain.Fingerprint)
	for rows.Next() {
		var fp domain.Fingerprint
		var status, verifiedAt string
		if err := rows.Scan(&fp.SourceID, &fp.RecordID, &fp.ContentHash,
			&fp.OriginalHash, &status, &verifiedAt); err != nil {
			return nil, fmt.Errorf("scanning fingerprint: %w", err)
		}
		fp.Status = domain.VerificationStatus(status)
		if t, err := time.Parse(time.RFC3339, verifiedAt); err == nil {
			fp.VerifiedAt = t
		}
		latest[fp.RecordID] = fp
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fingerprints: %w", err)
	}

	return latest, nil
}

// ==================== Snapshot Store ====================

// snapshotStore implements driven.SnapshotStore.
type snapshotStore struct {
	store *Store
}

var _ driven.SnapshotStore = (*snapshotStore)(nil)

// Save stores a snapshot. Snapshots are never mutated.
func (s *snapshotStore) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	if snapshot == nil || snapshot.SourceID == "" {
		return domain.ErrInvalidInput
	}

	_, err := s.store.db.ExecContext(ctx, `
		INSERT INTO source_snapshots (source_id, taken_at, total_records, records_hash)
		VALUES (?, ?, ?, ?)
	`, snapshot.SourceID, snapshot.TakenAt.UTC().Format(time.RFC3339),
		snapshot.TotalRecords, snapshot.RecordsHash)

	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for a source.
func (s *snapshotStore) Latest(ctx context.Context, sourceID string) (*domain.Snapshot, error) {
	row := s.store.db.QueryRowContext(ctx, `
		SELECT source_id, taken_at, total_records, records_hash
		FROM source_snapshots
		WHERE source_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, sourceID)

	var snap domain.Snapshot
	var takenAt string
	if err := row.Scan(&snap.SourceID, &takenAt, &snap.TotalRecords, &snap.RecordsHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, takenAt); err == nil {
		snap.TakenAt = t
	}

	return &snap, nil
}

// ==================== Change Store ====================

// changeStore implements driven.ChangeStore.
type changeStore struct {
	store *Store
}

var _ driven.ChangeStore = (*changeStore)(nil)

// Append logs change events. The change log is append-only.
func (s *changeStore) Append(ctx context.Context, events []domain.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_changes (source_id, document_id, change_type, old_hash, new_hash, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		if _, err := stmt.ExecContext(ctx, ev.SourceID, ev.DocumentID, string(ev.Type),
			ev.OldHash, ev.NewHash, ev.ChangedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("appending change: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Recent returns events detected at or after since, newest first.
func (s *changeStore) Recent(ctx context.Context, sourceID string, since time.Time) ([]domain.ChangeEvent, error) {
	query := `
		SELECT source_id, document_id, change_type, old_hash, new_hash, changed_at
		FROM document_changes
		WHERE changed_at >= ?`
	args := []any{since.UTC().Format(time.RFC3339)}
	if sourceID != "" {
		query += " AND source_id = ?"
		args = append(args, sourceID)
	}
	query += " ORDER BY changed_at DESC, id DESC"

	rows, err := s.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()

	var events []domain.ChangeEvent //nolint:prealloc // size unknown from query
	for rows.Next() {
		var ev domain.ChangeEvent
		var changeType, changedAt string
		if err := rows.Scan(&ev.SourceID, &ev.DocumentID, &changeType,
			&ev.OldHash, &ev.NewHash, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}
		ev.Type = domain.ChangeType(changeType)
		if t, err := time.Parse(time.RFC3339, changedAt); err == nil {
			ev.ChangedAt = t
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating changes: %w", err)
	}

	return events, nil
}
