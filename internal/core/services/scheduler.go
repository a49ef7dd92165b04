package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driving"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// tickInterval is how often the scheduler polls the task table.
const tickInterval = 1 * time.Minute

// historyKeep is how many results per task survive pruning.
const historyKeep = 100

// datasetChangeThreshold is the minimum number of accumulated change
// events before the incremental-dataset task cuts a new version.
const datasetChangeThreshold = 100

// Ensure Scheduler implements the control interface.
var _ driving.SchedulerControl = (*Scheduler)(nil)

// Scheduler manages background task execution. Task state lives in
// the store so intervals survive restarts.
type Scheduler struct {
	config    domain.SchedulerConfig
	store     driven.SchedulerStore
	checker   driving.IntegrityChecker
	detector  driving.ChangeDetector
	changes   driven.ChangeStore
	versioner driven.DatasetVersioner

	// now is replaceable in tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	active  map[string]bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler with configuration.
func NewScheduler(
	config domain.SchedulerConfig,
	store driven.SchedulerStore,
	checker driving.IntegrityChecker,
	detector driving.ChangeDetector,
	changes driven.ChangeStore,
	versioner driven.DatasetVersioner,
) *Scheduler {
	return &Scheduler{
		config:    config,
		store:     store,
		checker:   checker,
		detector:  detector,
		changes:   changes,
		versioner: versioner,
		now:       time.Now,
		active:    make(map[string]bool),
	}
}

// Start begins the scheduler loop. This method blocks until Stop is
// called or the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		logger.Info("Scheduler disabled by configuration")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil // Already running
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.initialiseTasks(ctx); err != nil {
		logger.Warn("Scheduler: failed to initialise tasks: %v", err)
	}

	// Check for due tasks immediately on startup, then on each tick.
	s.CheckDueTasks(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.CheckDueTasks(ctx)
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for in-flight
// tasks to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RunTaskNow bypasses the interval for an on-demand execution. The
// single-concurrency rule still applies.
func (s *Scheduler) RunTaskNow(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		cfg := s.config.GetTaskConfig(taskID)
		if cfg.Interval == 0 {
			return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
		}
		task = &domain.ScheduledTask{
			ID:       taskID,
			Name:     taskName(taskID),
			Interval: cfg.Interval,
			Enabled:  cfg.Enabled,
		}
	}

	if !s.tryAcquire(taskID) {
		return nil, fmt.Errorf("%w: task %s", domain.ErrSyncInProgress, taskID)
	}
	defer s.release(taskID)

	return s.execute(ctx, task), nil
}

// Tasks returns the current task table.
func (s *Scheduler) Tasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.store.ListTasks(ctx)
}

// CheckDueTasks finds and launches tasks whose NextRun has arrived.
func (s *Scheduler) CheckDueTasks(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		logger.Warn("Scheduler: failed to list tasks: %v", err)
		return
	}

	now := s.now()
	for i := range tasks {
		task := tasks[i]
		if !task.Enabled {
			continue
		}
		if task.NextRun.IsZero() || !task.NextRun.After(now) {
			s.launch(ctx, &task)
		}
	}
}

// initialiseTasks ensures all configured tasks exist in the store.
func (s *Scheduler) initialiseTasks(ctx context.Context) error {
	for _, id := range []string{
		domain.TaskIDIntegritySweep,
		domain.TaskIDChangeDetection,
		domain.TaskIDIncrementalDataset,
	} {
		cfg := s.config.GetTaskConfig(id)
		if !cfg.Enabled {
			continue
		}
		if err := s.ensureTask(ctx, id, taskName(id), cfg); err != nil {
			return err
		}
	}
	return nil
}

// ensureTask creates or updates a task in the store.
func (s *Scheduler) ensureTask(ctx context.Context, id, name string, cfg domain.TaskConfig) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if task == nil {
		task = &domain.ScheduledTask{
			ID:       id,
			Name:     name,
			Interval: cfg.Interval,
			Status:   domain.TaskPending,
			Enabled:  cfg.Enabled,
			NextRun:  s.now().Add(cfg.Interval),
		}
	} else {
		// Recalculate next run when the interval changed.
		if task.Interval != cfg.Interval {
			task.Interval = cfg.Interval
			task.NextRun = s.now().Add(cfg.Interval)
		}
		task.Enabled = cfg.Enabled
	}

	return s.store.SaveTask(ctx, task)
}

// launch runs a due task in the background, skipping the tick when a
// prior run of the same task is still in flight.
func (s *Scheduler) launch(ctx context.Context, task *domain.ScheduledTask) {
	if !s.tryAcquire(task.ID) {
		logger.Info("Scheduler: task %s still running, skipping tick", task.ID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(task.ID)
		s.execute(ctx, task)
	}()
}

// execute runs a single task and persists the outcome. A failing task
// is re-armed for its next interval, never halted.
func (s *Scheduler) execute(ctx context.Context, task *domain.ScheduledTask) *domain.TaskResult {
	result := &domain.TaskResult{
		TaskID:    task.ID,
		StartedAt: s.now(),
	}

	task.Status = domain.TaskRunning
	if err := s.store.SaveTask(ctx, task); err != nil {
		logger.Warn("Scheduler: failed to save task %s: %v", task.ID, err)
	}

	var err error
	switch task.ID {
	case domain.TaskIDIntegritySweep:
		result.ItemsProcessed, err = s.runIntegritySweep(ctx)
	case domain.TaskIDChangeDetection:
		result.ItemsProcessed, err = s.runChangeDetection(ctx)
	case domain.TaskIDIncrementalDataset:
		result.ItemsProcessed, err = s.runIncrementalDataset(ctx, task)
	default:
		err = fmt.Errorf("unknown task ID: %s", task.ID)
	}

	result.EndedAt = s.now()
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		task.Status = domain.TaskFailed
		task.LastError = err.Error()
		task.FailureCount++
		logger.Warn("Scheduler: task %s failed: %v", task.ID, err)
	} else {
		result.Success = true
		task.Status = domain.TaskCompleted
		task.LastError = ""
		task.LastSuccess = result.EndedAt
		task.SuccessCount++
	}

	task.LastRun = result.StartedAt
	task.NextRun = result.EndedAt.Add(task.Interval)

	if saveErr := s.store.SaveTask(ctx, task); saveErr != nil {
		logger.Warn("Scheduler: failed to save task %s: %v", task.ID, saveErr)
	}
	if recordErr := s.store.RecordResult(ctx, result); recordErr != nil {
		logger.Warn("Scheduler: failed to record result for %s: %v", task.ID, recordErr)
	}
	if pruneErr := s.store.PruneHistory(ctx, historyKeep); pruneErr != nil {
		logger.Warn("Scheduler: failed to prune history: %v", pruneErr)
	}

	return result
}

// runIntegritySweep verifies every source.
func (s *Scheduler) runIntegritySweep(ctx context.Context) (int, error) {
	if s.checker == nil {
		return 0, nil
	}
	summaries, err := s.checker.VerifyAllSources(ctx)
	if err != nil {
		return 0, err
	}
	return len(summaries), nil
}

// runChangeDetection scans every source for changes.
func (s *Scheduler) runChangeDetection(ctx context.Context) (int, error) {
	if s.detector == nil {
		return 0, nil
	}
	results, err := s.detector.DetectChangesAllSources(ctx)
	if err != nil {
		return 0, err
	}
	detected := 0
	for i := range results {
		detected += len(results[i].Events)
	}
	return detected, nil
}

// runIncrementalDataset cuts a new dataset version when enough change
// events have accumulated since the task's last success.
func (s *Scheduler) runIncrementalDataset(ctx context.Context, task *domain.ScheduledTask) (int, error) {
	if s.versioner == nil || s.changes == nil {
		return 0, nil
	}

	events, err := s.changes.Recent(ctx, "", task.LastSuccess)
	if err != nil {
		return 0, fmt.Errorf("read change log: %w", err)
	}
	if len(events) < datasetChangeThreshold {
		logger.Info("Scheduler: %d changes since last dataset, below threshold %d",
			len(events), datasetChangeThreshold)
		return 0, nil
	}

	baseID := ""
	base, err := s.versioner.LatestReady(ctx)
	switch {
	case err == nil:
		baseID = base.ID
	case errors.Is(err, domain.ErrNotFound):
		// First version has no base.
	default:
		return 0, fmt.Errorf("latest dataset version: %w", err)
	}

	samples := make([]domain.DatasetSample, 0, len(events))
	for i := range events {
		samples = append(samples, domain.DatasetSample{
			DocumentID:  events[i].DocumentID,
			SourceID:    events[i].SourceID,
			ChangeType:  events[i].Type,
			ContentHash: events[i].NewHash,
		})
	}

	version, err := s.versioner.CreateIncremental(ctx, baseID, samples)
	if err != nil {
		return 0, fmt.Errorf("create incremental version: %w", err)
	}
	logger.Info("Scheduler: cut dataset version %s with %d samples", version.ID, len(samples))
	return len(samples), nil
}

// tryAcquire claims exclusive execution of a task.
func (s *Scheduler) tryAcquire(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[taskID] {
		return false
	}
	s.active[taskID] = true
	return true
}

func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, taskID)
}

// taskName maps a built-in task ID to its display name.
func taskName(taskID string) string {
	switch taskID {
	case domain.TaskIDIntegritySweep:
		return "Integrity Sweep"
	case domain.TaskIDChangeDetection:
		return "Change Detection"
	case domain.TaskIDIncrementalDataset:
		return "Incremental Dataset"
	default:
		return taskID
	}
}
