package driving

import (
	"context"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// SchedulerControl exposes on-demand execution and inspection of the
// scheduler's task table.
type SchedulerControl interface {
	// RunTaskNow bypasses the interval for an on-demand execution,
	// subject to the same single-concurrency rule as scheduled runs.
	RunTaskNow(ctx context.Context, taskID string) (*domain.TaskResult, error)

	// Tasks returns the current task table.
	Tasks(ctx context.Context) ([]domain.ScheduledTask, error)
}
