package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driving"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// Retry policy defaults. Transient failures double the delay per
// attempt, capped, up to the attempt limit.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Ensure DownloadManager implements the interface.
var _ driving.DownloadManager = (*DownloadManager)(nil)

// RetryPolicy bounds transient-failure retries on a single page.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// DownloadManager orchestrates adapters against the source registry.
// Operations on a single source are strictly sequential; the active
// set rejects concurrent resumes instead of racing on the cursor.
type DownloadManager struct {
	sources driven.SourceStore
	records driven.RecordStore
	factory driven.AdapterFactory
	retry   RetryPolicy

	mu     sync.Mutex
	active map[string]struct{}

	// sleep is replaceable in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDownloadManager creates a download manager.
func NewDownloadManager(
	sources driven.SourceStore,
	records driven.RecordStore,
	factory driven.AdapterFactory,
	retry RetryPolicy,
) *DownloadManager {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &DownloadManager{
		sources: sources,
		records: records,
		factory: factory,
		retry:   retry,
		active:  make(map[string]struct{}),
		sleep:   sleepCtx,
	}
}

// Register creates a source for a URL.
func (m *DownloadManager) Register(ctx context.Context, rawURL string, sourceType domain.SourceType, metadata map[string]string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty URL", domain.ErrInvalidInput)
	}
	if !sourceType.Valid() {
		return "", fmt.Errorf("%w: source type %q", domain.ErrUnsupportedType, sourceType)
	}

	if _, err := m.sources.GetByURL(ctx, rawURL); err == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrDuplicateSource, rawURL)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("checking URL: %w", err)
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	source := &domain.Source{
		ID:           uuid.NewString(),
		URL:          rawURL,
		Type:         sourceType,
		Status:       domain.StatusPending,
		TotalRecords: -1,
		Metadata:     metadata,
	}
	if err := m.sources.Save(ctx, source); err != nil {
		return "", fmt.Errorf("saving source: %w", err)
	}

	logger.Info("Registered source %s: %s (%s)", source.ID, rawURL, sourceType)
	return source.ID, nil
}

// Resume drives the source's adapter from the stored cursor.
func (m *DownloadManager) Resume(ctx context.Context, sourceID string, batchSize int) error {
	if !m.tryAcquire(sourceID) {
		return fmt.Errorf("%w: source %s", domain.ErrSyncInProgress, sourceID)
	}
	defer m.release(sourceID)

	source, err := m.sources.Get(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}

	adapter, err := m.factory.Create(source, batchSize)
	if err != nil {
		return err
	}

	source.Status = domain.StatusDownloading
	source.LastAttempt = time.Now().UTC()
	if err := m.sources.Save(ctx, source); err != nil {
		return fmt.Errorf("saving source: %w", err)
	}

	logger.Info("Resuming download for source %s: %s (cursor %q)", sourceID, source.URL, source.Cursor)

	// Best effort: the total stays -1 when the source exposes none.
	if total, err := adapter.EstimateTotal(ctx); err == nil && total >= 0 {
		source.TotalRecords = total
	}

	return m.drive(ctx, source, adapter)
}

// drive is the page loop. Cancellation lands between pages only; the
// cursor reflects nothing but fully committed pages.
func (m *DownloadManager) drive(ctx context.Context, source *domain.Source, adapter driven.SourceAdapter) error {
	for {
		if ctx.Err() != nil {
			return m.interrupt(source, ctx.Err())
		}

		page, err := m.fetchWithRetry(ctx, source, adapter)
		if err != nil {
			if ctx.Err() != nil {
				return m.interrupt(source, ctx.Err())
			}
			return m.fail(source, err)
		}

		if page.NotModified {
			// Unchanged revision marker: nothing to transfer, cursor
			// stays put for the next conditional fetch.
			source.Status = domain.StatusCompleted
			source.LastSuccess = time.Now().UTC()
			if err := m.sources.Save(context.WithoutCancel(ctx), source); err != nil {
				return fmt.Errorf("saving source: %w", err)
			}
			logger.Info("Source %s unchanged since last fetch", source.ID)
			return nil
		}

		for k, v := range page.Meta {
			source.Metadata[k] = v
		}
		source.Cursor = page.NextCursor
		source.LastSuccess = time.Now().UTC()
		source.RetryCount = 0
		source.LastError = ""
		if page.End {
			source.Status = domain.StatusCompleted
		}

		// Records, cursor and counters commit in one transaction so a
		// crash can never leave them disagreeing. CommitPage sets the
		// downloaded counter from the stored distinct count, so a page
		// re-delivered after an interruption never inflates it.
		if err := m.records.CommitPage(ctx, source, page.Records); err != nil {
			return fmt.Errorf("committing page: %w", err)
		}

		if page.End {
			logger.Info("Download completed for source %s: %d records", source.ID, source.DownloadedRecords)
			return nil
		}
	}
}

// fetchWithRetry fetches the current page, retrying transient errors
// with exponential backoff. Permanent errors return immediately.
func (m *DownloadManager) fetchWithRetry(ctx context.Context, source *domain.Source, adapter driven.SourceAdapter) (*driven.Page, error) {
	delay := m.retry.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		source.LastAttempt = time.Now().UTC()
		page, err := adapter.FetchPage(ctx, source.Cursor)
		if err == nil {
			return page, nil
		}
		if !domain.IsTransient(err) {
			return nil, err
		}

		lastErr = err
		source.RetryCount++
		if saveErr := m.sources.Save(ctx, source); saveErr != nil {
			return nil, fmt.Errorf("saving retry state: %w", saveErr)
		}
		logger.Warn("Source %s page fetch failed (attempt %d/%d): %v", source.ID, attempt, m.retry.MaxAttempts, err)

		if attempt == m.retry.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
		delay *= 2
		if delay > m.retry.MaxDelay {
			delay = m.retry.MaxDelay
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// fail marks the source failed with the last error recorded. The
// cursor is not advanced, so a later resume retries the same page.
func (m *DownloadManager) fail(source *domain.Source, cause error) error {
	source.Status = domain.StatusFailed
	source.LastError = cause.Error()
	if err := m.sources.Save(context.Background(), source); err != nil {
		logger.Warn("Failed to record failure for source %s: %v", source.ID, err)
	}
	return cause
}

// interrupt marks a cancelled download partial with the cursor intact.
func (m *DownloadManager) interrupt(source *domain.Source, cause error) error {
	source.Status = domain.StatusPartial
	if err := m.sources.Save(context.Background(), source); err != nil {
		logger.Warn("Failed to record interruption for source %s: %v", source.ID, err)
	}
	logger.Info("Download for source %s interrupted at cursor %q", source.ID, source.Cursor)
	return cause
}

// Status returns the download state for a source.
func (m *DownloadManager) Status(ctx context.Context, sourceID string) (*driving.DownloadStatus, error) {
	source, err := m.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	_, running := m.active[sourceID]
	m.mu.Unlock()

	return &driving.DownloadStatus{
		SourceID:          source.ID,
		Status:            source.Status,
		TotalRecords:      source.TotalRecords,
		DownloadedRecords: source.DownloadedRecords,
		RetryCount:        source.RetryCount,
		LastError:         source.LastError,
		Running:           running,
	}, nil
}

// Stats aggregates registry-wide counters.
func (m *DownloadManager) Stats(ctx context.Context) (*driving.RegistryStats, error) {
	sources, err := m.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	stats := &driving.RegistryStats{
		TotalSources: len(sources),
		ByStatus:     make(map[domain.SourceStatus]int),
		ByType:       make(map[domain.SourceType]int),
	}
	for i := range sources {
		stats.ByStatus[sources[i].Status]++
		stats.ByType[sources[i].Type]++
		stats.DownloadedRecords += sources[i].DownloadedRecords
	}
	return stats, nil
}

func (m *DownloadManager) tryAcquire(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[sourceID]; busy {
		return false
	}
	m.active[sourceID] = struct{}{}
	return true
}

func (m *DownloadManager) release(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, sourceID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
