package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configfile "github.com/custodia-labs/harvest-cli/internal/adapters/driven/config/file"
	"github.com/custodia-labs/harvest-cli/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driving"
)

// --- Mock implementations for CLI tests ---

var _ driving.DownloadManager = (*mockDownloadManager)(nil)

type mockDownloadManager struct {
	registerID  string
	registerErr error
	resumeErr   error
	status      *driving.DownloadStatus
	statusErr   error
	stats       *driving.RegistryStats

	registeredURLs []string
	resumedIDs     []string
}

func (m *mockDownloadManager) Register(_ context.Context, url string, _ domain.SourceType, _ map[string]string) (string, error) {
	m.registeredURLs = append(m.registeredURLs, url)
	return m.registerID, m.registerErr
}

func (m *mockDownloadManager) Resume(_ context.Context, sourceID string, _ int) error {
	m.resumedIDs = append(m.resumedIDs, sourceID)
	return m.resumeErr
}

func (m *mockDownloadManager) Status(_ context.Context, _ string) (*driving.DownloadStatus, error) {
	return m.status, m.statusErr
}

func (m *mockDownloadManager) Stats(_ context.Context) (*driving.RegistryStats, error) {
	return m.stats, nil
}

var _ driving.IntegrityChecker = (*mockIntegrityChecker)(nil)

type mockIntegrityChecker struct {
	report    *domain.IntegrityReport
	reportErr error
	summaries []driving.VerifySummary
}

func (m *mockIntegrityChecker) VerifySource(_ context.Context, _ string) (*domain.IntegrityReport, error) {
	return m.report, m.reportErr
}

func (m *mockIntegrityChecker) VerifyAllSources(_ context.Context) ([]driving.VerifySummary, error) {
	return m.summaries, nil
}

var _ driving.ChangeDetector = (*mockChangeDetector)(nil)

type mockChangeDetector struct {
	events    []domain.ChangeEvent
	detectErr error
	results   []domain.SourceChanges
	recent    []domain.ChangeEvent
}

func (m *mockChangeDetector) DetectChanges(_ context.Context, _ string) ([]domain.ChangeEvent, error) {
	return m.events, m.detectErr
}

func (m *mockChangeDetector) DetectChangesAllSources(_ context.Context) ([]domain.SourceChanges, error) {
	return m.results, nil
}

func (m *mockChangeDetector) RecentChanges(_ context.Context, _ string, _ time.Time) ([]domain.ChangeEvent, error) {
	return m.recent, nil
}

var _ driving.SchedulerControl = (*mockSchedulerControl)(nil)

type mockSchedulerControl struct {
	tasks     []domain.ScheduledTask
	result    *domain.TaskResult
	runErr    error
	runTaskID string
}

func (m *mockSchedulerControl) RunTaskNow(_ context.Context, taskID string) (*domain.TaskResult, error) {
	m.runTaskID = taskID
	return m.result, m.runErr
}

func (m *mockSchedulerControl) Tasks(_ context.Context) ([]domain.ScheduledTask, error) {
	return m.tasks, nil
}

var _ driven.Structurer = (*mockStructurer)(nil)

type mockStructurer struct {
	schema     json.RawMessage
	issues     []string
	analyzeErr error
	records    []domain.Record
	extractErr error

	analyzedRaw []byte
}

func (m *mockStructurer) Analyze(_ context.Context, raw []byte) (json.RawMessage, []string, error) {
	m.analyzedRaw = raw
	return m.schema, m.issues, m.analyzeErr
}

func (m *mockStructurer) Extract(_ context.Context, _ []byte, _ json.RawMessage) ([]domain.Record, error) {
	return m.records, m.extractErr
}

// setupTestServices swaps the package-level services for test doubles
// and returns a cleanup that restores the originals.
func setupTestServices(t *testing.T) func() {
	t.Helper()

	old := Services{
		DownloadManager:  downloadManager,
		IntegrityChecker: integrityChecker,
		ChangeDetector:   changeDetector,
		SchedulerControl: schedulerControl,
		SourceStore:      sourceStore,
		RecordStore:      recordStore,
		ConfigStore:      configStore,
		Structurer:       structurer,
	}

	score := 1.0
	sources := memory.NewSourceStore()
	err := sources.Save(context.Background(), &domain.Source{
		ID:                "src-1",
		URL:               "https://api.example.com/items",
		Type:              domain.SourceTypeAPI,
		Status:            domain.StatusCompleted,
		TotalRecords:      10,
		DownloadedRecords: 10,
	})
	require.NoError(t, err)

	records := memory.NewRecordStore(nil)
	err = records.CommitPage(context.Background(), &domain.Source{
		ID:   "src-1",
		URL:  "https://api.example.com/items",
		Type: domain.SourceTypeAPI,
	}, []domain.Record{
		{ID: "doc-1", Raw: []byte(`{"name": "alpha"}`)},
	})
	require.NoError(t, err)

	config, err := configfile.NewConfigStore(t.TempDir())
	require.NoError(t, err)

	SetServices(Services{
		DownloadManager: &mockDownloadManager{
			registerID: "src-1",
			status: &driving.DownloadStatus{
				SourceID:          "src-1",
				Status:            domain.StatusCompleted,
				TotalRecords:      10,
				DownloadedRecords: 10,
			},
			stats: &driving.RegistryStats{
				TotalSources:      1,
				ByStatus:          map[domain.SourceStatus]int{domain.StatusCompleted: 1},
				ByType:            map[domain.SourceType]int{domain.SourceTypeAPI: 1},
				DownloadedRecords: 10,
			},
		},
		IntegrityChecker: &mockIntegrityChecker{
			report: &domain.IntegrityReport{
				SourceID: "src-1",
				Score:    &score,
				Verified: 10,
			},
			summaries: []driving.VerifySummary{
				{SourceID: "src-1", Score: &score},
			},
		},
		ChangeDetector: &mockChangeDetector{
			events: []domain.ChangeEvent{
				{SourceID: "src-1", DocumentID: "doc-1", Type: domain.ChangeCreated},
			},
			results: []domain.SourceChanges{
				{SourceID: "src-1", Events: []domain.ChangeEvent{
					{SourceID: "src-1", DocumentID: "doc-1", Type: domain.ChangeCreated},
				}},
			},
			recent: []domain.ChangeEvent{
				{SourceID: "src-1", DocumentID: "doc-1", Type: domain.ChangeUpdated, ChangedAt: time.Now()},
			},
		},
		SchedulerControl: &mockSchedulerControl{
			tasks: []domain.ScheduledTask{
				{
					ID:       "integrity-sweep",
					Name:     "Integrity Sweep",
					Interval: 24 * time.Hour,
					Status:   domain.TaskPending,
					Enabled:  true,
				},
			},
			result: &domain.TaskResult{
				TaskID:         "integrity-sweep",
				StartedAt:      time.Now(),
				EndedAt:        time.Now().Add(time.Second),
				Success:        true,
				ItemsProcessed: 3,
			},
		},
		SourceStore: sources,
		RecordStore: records,
		ConfigStore: config,
		Structurer: &mockStructurer{
			schema:  json.RawMessage(`{"fields": ["name"]}`),
			records: []domain.Record{{ID: "rec-1", Fields: map[string]any{"name": "alpha"}}},
		},
	})

	return func() {
		SetServices(old)
	}
}

// ==================== Root Command Tests ====================

func TestRootCmd_Use(t *testing.T) {
	assert.Equal(t, "harvest", rootCmd.Use)
}

func TestRootCmd_Short(t *testing.T) {
	assert.Equal(t, "Resumable data-ingestion for training corpora", rootCmd.Short)
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	commands := rootCmd.Commands()
	commandNames := make([]string, 0, len(commands))
	for _, cmd := range commands {
		commandNames = append(commandNames, cmd.Name())
	}

	assert.Contains(t, commandNames, "source")
	assert.Contains(t, commandNames, "download")
	assert.Contains(t, commandNames, "analyze")
	assert.Contains(t, commandNames, "verify")
	assert.Contains(t, commandNames, "changes")
	assert.Contains(t, commandNames, "task")
	assert.Contains(t, commandNames, "config")
	assert.Contains(t, commandNames, "run")
	assert.Contains(t, commandNames, "version")
}

func TestRootCmd_HasVerboseFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, flag, "verbose flag should exist")
	assert.Equal(t, "v", flag.Shorthand)
	assert.Equal(t, "false", flag.DefValue)
}

func TestSetVersion(t *testing.T) {
	old := version
	defer func() {
		version = old
	}()

	SetVersion("1.2.3")
	assert.Equal(t, "1.2.3", version)

	// Empty string keeps the current value.
	SetVersion("")
	assert.Equal(t, "1.2.3", version)
}

func TestSetServices(t *testing.T) {
	cleanup := setupTestServices(t)
	defer cleanup()

	assert.NotNil(t, downloadManager)
	assert.NotNil(t, integrityChecker)
	assert.NotNil(t, changeDetector)
	assert.NotNil(t, schedulerControl)
	assert.NotNil(t, sourceStore)
	assert.NotNil(t, recordStore)
	assert.NotNil(t, configStore)
	assert.NotNil(t, structurer)
}
