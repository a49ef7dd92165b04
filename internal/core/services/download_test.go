package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/harvest-cli/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// --- Fake adapter and factory shared by the service tests ---

// fetchResult is one scripted FetchPage outcome.
type fetchResult struct {
	page *driven.Page
	err  error
}

// fakeAdapter replays a scripted sequence of pages and records the
// cursors it was asked for. An exhausted script returns a final empty
// page so full-listing scans terminate.
type fakeAdapter struct {
	typ   domain.SourceType
	total int64

	// fetchFn, when set, overrides the script entirely.
	fetchFn func(ctx context.Context, cursor string) (*driven.Page, error)

	mu      sync.Mutex
	script  []fetchResult
	cursors []string
}

func (a *fakeAdapter) Type() domain.SourceType {
	if a.typ == "" {
		return domain.SourceTypeAPI
	}
	return a.typ
}

func (a *fakeAdapter) EstimateTotal(_ context.Context) (int64, error) {
	if a.total == 0 {
		return -1, nil
	}
	return a.total, nil
}

func (a *fakeAdapter) FetchPage(ctx context.Context, cursor string) (*driven.Page, error) {
	a.mu.Lock()
	a.cursors = append(a.cursors, cursor)
	a.mu.Unlock()

	if a.fetchFn != nil {
		return a.fetchFn(ctx, cursor)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.script) == 0 {
		return &driven.Page{End: true}, nil
	}
	next := a.script[0]
	a.script = a.script[1:]
	return next.page, next.err
}

func (a *fakeAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cursors)
}

// fakeFactory hands out one adapter per source ID.
type fakeFactory struct {
	mu       sync.Mutex
	adapters map[string]*fakeAdapter
	errFor   map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		adapters: make(map[string]*fakeAdapter),
		errFor:   make(map[string]error),
	}
}

func (f *fakeFactory) Create(source *domain.Source, _ int) (driven.SourceAdapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor[source.ID]; err != nil {
		return nil, err
	}
	adapter, ok := f.adapters[source.ID]
	if !ok {
		adapter = &fakeAdapter{}
		f.adapters[source.ID] = adapter
	}
	return adapter, nil
}

var (
	_ driven.SourceAdapter  = (*fakeAdapter)(nil)
	_ driven.AdapterFactory = (*fakeFactory)(nil)
)

func fieldsRecord(id string, fields map[string]any) domain.Record {
	return domain.Record{ID: id, Fields: fields}
}

func newTestManager(t *testing.T) (*DownloadManager, *memory.SourceStore, *memory.RecordStore, *fakeFactory) {
	t.Helper()
	sources := memory.NewSourceStore()
	records := memory.NewRecordStore(sources)
	factory := newFakeFactory()
	manager := NewDownloadManager(sources, records, factory, DefaultRetryPolicy())
	manager.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return manager, sources, records, factory
}

func saveTestSource(t *testing.T, sources *memory.SourceStore, id, url string, typ domain.SourceType) *domain.Source {
	t.Helper()
	source := &domain.Source{
		ID:           id,
		URL:          url,
		Type:         typ,
		Status:       domain.StatusPending,
		TotalRecords: -1,
		Metadata:     map[string]string{},
	}
	require.NoError(t, sources.Save(context.Background(), source))
	return source
}

// ==================== Register Tests ====================

func TestDownloadManager_Register(t *testing.T) {
	manager, sources, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := manager.Register(ctx, "https://api.example.com/items", domain.SourceTypeAPI, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	source, err := sources.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, source.Status)
	assert.Equal(t, domain.SourceTypeAPI, source.Type)
	assert.Equal(t, int64(-1), source.TotalRecords)
	assert.NotNil(t, source.Metadata)
}

func TestDownloadManager_Register_DuplicateURL(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Register(ctx, "https://example.com/feed.xml", domain.SourceTypeRSS, nil)
	require.NoError(t, err)

	_, err = manager.Register(ctx, "https://example.com/feed.xml", domain.SourceTypeRSS, nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateSource)
}

func TestDownloadManager_Register_InvalidInput(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Register(ctx, "", domain.SourceTypeAPI, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = manager.Register(ctx, "https://example.com", "carrier-pigeon", nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)
}

// ==================== Resume Tests ====================

func TestDownloadManager_Resume_CompletesAcrossPages(t *testing.T) {
	manager, sources, records, factory := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	factory.adapters[source.ID] = &fakeAdapter{
		total: 3,
		script: []fetchResult{
			{page: &driven.Page{
				Records:    []domain.Record{fieldsRecord("a", map[string]any{"v": "1"}), fieldsRecord("b", map[string]any{"v": "2"})},
				NextCursor: "p2",
			}},
			{page: &driven.Page{
				Records: []domain.Record{fieldsRecord("c", map[string]any{"v": "3"})},
				End:     true,
			}},
		},
	}

	require.NoError(t, manager.Resume(ctx, source.ID, 100))

	saved, err := sources.Get(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, saved.Status)
	assert.Equal(t, int64(3), saved.DownloadedRecords)
	assert.Equal(t, int64(3), saved.TotalRecords)
	assert.Empty(t, saved.LastError)

	stored, err := records.List(ctx, source.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, 2, records.Commits)

	// The second fetch started from the committed cursor.
	assert.Equal(t, []string{"", "p2"}, factory.adapters[source.ID].cursors)
}

func TestDownloadManager_Resume_StartsFromStoredCursor(t *testing.T) {
	manager, sources, records, factory := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	source.Cursor = "p5"
	require.NoError(t, sources.Save(ctx, source))
	require.NoError(t, records.CommitPage(ctx, source, []domain.Record{
		fieldsRecord("x", map[string]any{"v": "39"}),
		fieldsRecord("y", map[string]any{"v": "40"}),
	}))

	factory.adapters[source.ID] = &fakeAdapter{
		script: []fetchResult{
			{page: &driven.Page{Records: []domain.Record{fieldsRecord("z", map[string]any{"v": "41"})}, End: true}},
		},
	}

	require.NoError(t, manager.Resume(ctx, source.ID, 100))
	assert.Equal(t, []string{"p5"}, factory.adapters[source.ID].cursors)

	saved, err := sources.Get(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.DownloadedRecords)
}

func TestDownloadManager_Resume_RedeliveredRecordsNotDoubleCounted(t *testing.T) {
	manager, sources, records, factory := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	full := &driven.Page{
		Records: []domain.Record{
			fieldsRecord("a", map[string]any{"v": "1"}),
			fieldsRecord("b", map[string]any{"v": "2"}),
		},
		End: true,
	}
	// The second resume re-delivers the same records plus one new one.
	grown := &driven.Page{
		Records: []domain.Record{
			fieldsRecord("a", map[string]any{"v": "1"}),
			fieldsRecord("b", map[string]any{"v": "2"}),
			fieldsRecord("c", map[string]any{"v": "3"}),
		},
		End: true,
	}
	factory.adapters[source.ID] = &fakeAdapter{
		script: []fetchResult{{page: full}, {page: grown}},
	}

	require.NoError(t, manager.Resume(ctx, source.ID, 100))
	require.NoError(t, manager.Resume(ctx, source.ID, 100))

	// The counter tracks distinct stored records, never deliveries.
	saved, err := sources.Get(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.DownloadedRecords)

	count, err := records.Count(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, count, saved.DownloadedRecords)
}

func TestDownloadManager_Resume_RetriesTransientThenSucceeds(t *testing.T) {
	manager, sources, _, factory := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	factory.adapters[source.ID] = &fakeAdapter{
		script: []fetchResult{
			{err: domain.ErrUnreachable},
			{err: domain.ErrRateLimited},
			{page: &driven.Page{Records: []domain.Record{fieldsRecord("a", map[string]any{"v": "1"})}, End: true}},
		},
	}

	var delays []time.Duration
	manager.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, manager.Resume(ctx, source.ID, 100))

	saved, err := sources.Get(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, saved.Status)
	// A committed page resets the retry counter.
	assert.Equal(t, 0, saved.RetryCount)
	// Backoff doubles between attempts.
	assert.Equal(t, []time.Duration{DefaultBaseDelay, 2 * DefaultBaseDelay}, delays)
}

func TestDownloadManager_Resume_PermanentErrorFailsFast(t *testing.T) {
	manager, sources, _, factory := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	adapter := &fakeAdapter{script: []fetchResult{{err: domain.ErrMalformed}}}
	factory.adapters[source.ID] = adapter

	err := manager.Resume(ctx, source.ID, 100)
	assert.ErrorIs(t, err, domain.ErrMalformed)
	assert.Equal(t, 1, adapter.fetchCount())

	saved, getErr := sources.Get(ctx, source.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, saved.Status)
	assert.NotEmpty(t, saved.LastError)
}

func TestDownloadManager_Resume_RetriesExhausted(t *testing.T) {
	manager, sources, _, factory := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	adapter := &fakeAdapter{script: []fetchResult{
		{err: domain.ErrUnreachable},
		{err: domain.ErrUnreachable},
	}}
	factory.adapters[source.ID] = adapter
	manager.retry = RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	err := manager.Resume(ctx, source.ID, 100)
	assert.ErrorIs(t, err, domain.ErrUnreachable)
	assert.Equal(t, 2, adapter.fetchCount())

	saved, getErr := sources.Get(ctx, source.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, saved.Status)
	assert.Equal(t, 2, saved.RetryCount)
}

func TestDownloadManager_Resume_NotModified(t *testing.T) {
	manager, sources, records, factory := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://example.com/feed.xml", domain.SourceTypeRSS)
	factory.adapters[source.ID] = &fakeAdapter{
		typ:    domain.SourceTypeRSS,
		script: []fetchResult{{page: &driven.Page{NotModified: true, End: true}}},
	}

	require.NoError(t, manager.Resume(ctx, source.ID, 100))

	saved, err := sources.Get(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, saved.Status)
	assert.Equal(t, int64(0), saved.DownloadedRecords)
	assert.Equal(t, 0, records.Commits)
}

func TestDownloadManager_Resume_ConcurrentRejected(t *testing.T) {
	manager, sources, _, _ := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)

	require.True(t, manager.tryAcquire(source.ID))
	defer manager.release(source.ID)

	err := manager.Resume(ctx, source.ID, 100)
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)
}

func TestDownloadManager_Resume_CancelledBetweenPages(t *testing.T) {
	manager, sources, records, factory := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	adapter := &fakeAdapter{}
	adapter.fetchFn = func(ctx context.Context, cursor string) (*driven.Page, error) {
		if cursor == "" {
			return &driven.Page{
				Records:    []domain.Record{fieldsRecord("a", map[string]any{"v": "1"})},
				NextCursor: "p2",
			}, nil
		}
		cancel()
		return nil, ctx.Err()
	}
	factory.adapters[source.ID] = adapter

	err := manager.Resume(ctx, source.ID, 100)
	assert.ErrorIs(t, err, context.Canceled)

	saved, getErr := sources.Get(context.Background(), source.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPartial, saved.Status)
	// The committed page survives; the cursor points at the next one.
	assert.Equal(t, "p2", saved.Cursor)
	count, countErr := records.Count(context.Background(), source.ID)
	require.NoError(t, countErr)
	assert.Equal(t, int64(1), count)
}

func TestDownloadManager_Resume_UnknownSource(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	err := manager.Resume(context.Background(), "missing", 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// ==================== Status and Stats Tests ====================

func TestDownloadManager_Status(t *testing.T) {
	manager, sources, _, _ := newTestManager(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	source.Status = domain.StatusPartial
	source.TotalRecords = 100
	source.DownloadedRecords = 42
	require.NoError(t, sources.Save(ctx, source))

	status, err := manager.Status(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, status.Status)
	assert.Equal(t, int64(100), status.TotalRecords)
	assert.Equal(t, int64(42), status.DownloadedRecords)
	assert.False(t, status.Running)

	require.True(t, manager.tryAcquire(source.ID))
	defer manager.release(source.ID)
	status, err = manager.Status(ctx, source.ID)
	require.NoError(t, err)
	assert.True(t, status.Running)
}

func TestDownloadManager_Stats(t *testing.T) {
	manager, sources, _, _ := newTestManager(t)
	ctx := context.Background()

	one := saveTestSource(t, sources, "src-1", "https://one.example.com", domain.SourceTypeAPI)
	one.Status = domain.StatusCompleted
	one.DownloadedRecords = 10
	require.NoError(t, sources.Save(ctx, one))

	two := saveTestSource(t, sources, "src-2", "https://two.example.com", domain.SourceTypeRSS)
	two.DownloadedRecords = 5
	require.NoError(t, sources.Save(ctx, two))

	stats, err := manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalSources)
	assert.Equal(t, int64(15), stats.DownloadedRecords)
	assert.Equal(t, 1, stats.ByStatus[domain.StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[domain.StatusPending])
	assert.Equal(t, 1, stats.ByType[domain.SourceTypeAPI])
	assert.Equal(t, 1, stats.ByType[domain.SourceTypeRSS])
}
