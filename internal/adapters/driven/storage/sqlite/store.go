package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/custodia-labs/harvest-cli/internal/adapters/driven/storage/sqlite/migrations"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// jsonNull is the JSON representation of null.
const jsonNull = "null"

// Store is a unified SQLite-based storage that provides access to
// all metadata store interfaces through wrapper types.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore creates a new SQLite store at the specified data directory.
// If dataDir is empty, defaults to ~/.harvest/data/harvest.db.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".harvest", "data")
	}

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "harvest.db")

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		db:   db,
		path: dbPath,
	}

	// Run migrations
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SourceStore returns a SourceStore interface backed by this store.
func (s *Store) SourceStore() driven.SourceStore {
	return &sourceStore{store: s}
}

// RecordStore returns a RecordStore interface backed by this store.
func (s *Store) RecordStore() driven.RecordStore {
	return &recordStore{store: s}
}

// FingerprintStore returns a FingerprintStore interface backed by this store.
func (s *Store) FingerprintStore() driven.FingerprintStore {
	return &fingerprintStore{store: s}
}

// SnapshotStore returns a SnapshotStore interface backed by this store.
func (s *Store) SnapshotStore() driven.SnapshotStore {
	return &snapshotStore{store: s}
}

// ChangeStore returns a ChangeStore interface backed by this store.
func (s *Store) ChangeStore() driven.ChangeStore {
	return &changeStore{store: s}
}

// SchedulerStore returns a SchedulerStore interface backed by this store.
func (s *Store) SchedulerStore() driven.SchedulerStore {
	return &schedulerStore{store: s}
}

// DatasetStore returns a DatasetVersioner interface backed by this store.
func (s *Store) DatasetStore() driven.DatasetVersioner {
	return &datasetStore{store: s}
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys embed.FS) error {
	// Ensure schema_migrations table exists
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	// Find all up migrations
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort and run migrations
	var upFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// Extract version number (e.g., "001_initial.up.sql" -> 1)
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue // Skip files that don't match pattern
		}

		if version <= currentVersion {
			continue // Already applied
		}

		// Read and execute migration
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}

		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// ==================== Source Store ====================

// sourceStore implements driven.SourceStore.
type sourceStore struct {
	store *Store
}

var _ driven.SourceStore = (*sourceStore)(nil)

// Save stores or updates a source.
func (s *sourceStore) Save(ctx context.Context, source *domain.Source) error {
	if source == nil || source.ID == "" {
		return domain.ErrInvalidInput
	}

	metadataJSON, err := json.Marshal(source.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	_, err = s.store.db.ExecContext(ctx, `
		INSERT INTO data_sources
			(id, url, type, status, total_records, downloaded_records, cursor,
			 last_success, last_attempt, retry_count, last_error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			type = excluded.type,
			status = excluded.status,
			total_records = excluded.total_records,
			downloaded_records = excluded.downloaded_records,
			cursor = excluded.cursor,
			last_success = excluded.last_success,
			last_attempt = excluded.last_attempt,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			metadata = excluded.metadata
	`, source.ID, source.URL, string(source.Type), string(source.Status),
		source.TotalRecords, source.DownloadedRecords, source.Cursor,
		formatNullableTime(source.LastSuccess), formatNullableTime(source.LastAttempt),
		source.RetryCount, nullString(source.LastError), string(metadataJSON))

	if err != nil {
		return fmt.Errorf("saving source: %w", err)
	}
	return nil
}

// Get retrieves a source by ID.
func (s *sourceStore) Get(ctx context.Context, id string) (*domain.Source, error) {
	row := s.store.db.QueryRowContext(ctx, sourceColumns+" WHERE id = ?", id)
	return scanSource(row)
}

// GetByURL retrieves a source by its URL.
func (s *sourceStore) GetByURL(ctx context.Context, url string) (*domain.Source, error) {
	row := s.store.db.QueryRowContext(ctx, sourceColumns+" WHERE url = ?", url)
	return scanSource(row)
}

// List returns all registered sources.
func (s *sourceStore) List(ctx context.Context) ([]domain.Source, error) {
	rows, err := s.store.db.QueryContext(ctx, sourceColumns)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source //nolint:prealloc // size unknown from query
	for rows.Next() {
		source, err := scanSourceRows(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *source)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sources: %w", err)
	}

	return sources, nil
}

// Delete removes a source. Records, fingerprints and snapshots go with
// it via foreign-key cascade.
func (s *sourceStore) Delete(ctx context.Context, id string) error {
	_, err := s.store.db.ExecContext(ctx, "DELETE FROM data_sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	return nil
}

const sourceColumns = `
	SELECT id, url, type, status, total_records, downloaded_records, cursor,
	       last_success, last_attempt, retry_count, last_error, metadata
	FROM data_sources`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceInto(sc rowScanner) (*domain.Source, error) {
	var source domain.Source
	var sourceType, status string
	var lastSuccess, lastAttempt, lastError, metadataJSON sql.NullString

	if err := sc.Scan(&source.ID, &source.URL, &sourceType, &status,
		&source.TotalRecords, &source.DownloadedRecords, &source.Cursor,
		&lastSuccess, &lastAttempt, &source.RetryCount, &lastError, &metadataJSON); err != nil {
		return nil, err
	}

	source.Type = domain.SourceType(sourceType)
	source.Status = domain.SourceStatus(status)
	source.LastSuccess = parseNullableTime(lastSuccess)
	source.LastAttempt = parseNullableTime(lastAttempt)
	if lastError.Valid {
		source.LastError = lastError.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != jsonNull {
		if err := json.Unmarshal([]byte(metadataJSON.String), &source.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}

	return &source, nil
}

// scanSource scans a single source row.
func scanSource(row *sql.Row) (*domain.Source, error) {
	source, err := scanSourceInto(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning source: %w", err)
	}
	return source, nil
}

// scanSourceRows scans a source from *sql.Rows.
func scanSourceRows(rows *sql.Rows) (*domain.Source, error) {
	source, err := scanSourceInto(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning source: %w", err)
	}
	return source, nil
}

// ==================== Record Store ====================

// recordStore implements driven.RecordStore.
type recordStore struct {
	store *Store
}

var _ driven.RecordStore = (*recordStore)(nil)

// CommitPage persists a page of records together with the source's
// advanced cursor and counters. Everything moves in one transaction,
// so a crash leaves either the whole page or none of it, and the
// cursor always matches the stored records.
func (s *recordStore) CommitPage(ctx context.Context, source *domain.Source, records []domain.Record) error {
	if source == nil || source.ID == "" {
		return domain.ErrInvalidInput
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO source_records (source_id, record_id, fields, raw, revision, published, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, record_id) DO UPDATE SET
			fields = excluded.fields,
			raw = excluded.raw,
			revision = excluded.revision,
			published = excluded.published,
			downloaded_at = excluded.downloaded_at
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range records {
		rec := &records[i]
		var fieldsJSON any
		if rec.Fields != nil {
			b, err := json.Marshal(rec.Fields)
			if err != nil {
				return fmt.Errorf("marshalling fields: %w", err)
			}
			fieldsJSON = string(b)
		}

		if _, err := stmt.ExecContext(ctx, source.ID, rec.ID, fieldsJSON, rec.Raw,
			rec.Revision, formatNullableTime(rec.Published), now); err != nil {
			return fmt.Errorf("saving record: %w", err)
		}
	}

	// The counter is the distinct stored count, not a running tally,
	// so re-delivered records never inflate it.
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM source_records WHERE source_id = ?`, source.ID,
	).Scan(&source.DownloadedRecords); err != nil {
		return fmt.Errorf("counting records: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE data_sources SET
			status = ?,
			total_records = ?,
			downloaded_records = ?,
			cursor = ?,
			last_success = ?,
			last_attempt = ?,
			retry_count = ?,
			last_error = ?,
			metadata = ?
		WHERE id = ?
	`, string(source.Status), source.TotalRecords, source.DownloadedRecords,
		source.Cursor, formatNullableTime(source.LastSuccess),
		formatNullableTime(source.LastAttempt), source.RetryCount,
		nullString(source.LastError), marshalMetadata(source.Metadata), source.ID)
	if err != nil {
		return fmt.Errorf("advancing cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// List returns all stored records for a source.
func (s *recordStore) List(ctx context.Context, sourceID string) ([]domain.Record, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT record_id, fields, raw, revision, published
		FROM source_records WHERE source_id = ?
		ORDER BY record_id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []domain.Record //nolint:prealloc // size unknown from query
	for rows.Next() {
		var rec domain.Record
		var fieldsJSON, published sql.NullString
		if err := rows.Scan(&rec.ID, &fieldsJSON, &rec.Raw, &rec.Revision, &published); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" && fieldsJSON.String != jsonNull {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &rec.Fields); err != nil {
				return nil, fmt.Errorf("unmarshaling fields: %w", err)
			}
		}
		rec.Published = parseNullableTime(published)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}

	return records, nil
}

// Count returns the number of stored records for a source.
func (s *recordStore) Count(ctx context.Context, sourceID string) (int64, error) {
	var count int64
	err := s.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM source_records WHERE source_id = ?", sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// marshalMetadata returns the JSON form of a metadata map, or nil for
// an empty map.
func marshalMetadata(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}
