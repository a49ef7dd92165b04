package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and run scheduled tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the scheduled task table",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskRunCmd = &cobra.Command{
	Use:   "run [task-id]",
	Short: "Run a scheduled task immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRun,
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRunCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskList(cmd *cobra.Command, _ []string) error {
	if schedulerControl == nil {
		return errors.New("scheduler not configured")
	}

	ctx := context.Background()
	tasks, err := schedulerControl.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(tasks) == 0 {
		cmd.Println("No scheduled tasks.")
		return nil
	}

	for i := range tasks {
		t := &tasks[i]
		cmd.Printf("  %s (%s)\n", t.ID, t.Name)
		cmd.Printf("    Interval: %s  Enabled: %t  Status: %s\n", t.Interval, t.Enabled, t.Status)
		if !t.LastRun.IsZero() {
			cmd.Printf("    Last run: %s\n", t.LastRun.Format("2006-01-02 15:04:05"))
		}
		if !t.NextRun.IsZero() {
			cmd.Printf("    Next run: %s\n", t.NextRun.Format("2006-01-02 15:04:05"))
		}
		cmd.Printf("    Runs: %d ok, %d failed\n", t.SuccessCount, t.FailureCount)
		if t.LastError != "" {
			cmd.Printf("    Last error: %s\n", t.LastError)
		}
		cmd.Println()
	}

	return nil
}

func runTaskRun(cmd *cobra.Command, args []string) error {
	if schedulerControl == nil {
		return errors.New("scheduler not configured")
	}

	taskID := args[0]
	ctx := context.Background()

	cmd.Printf("Running task %s...\n", taskID)
	result, err := schedulerControl.RunTaskNow(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task failed to start: %w", err)
	}

	if result.Success {
		cmd.Printf("Task %s completed: %d items processed in %s.\n",
			taskID, result.ItemsProcessed, result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
	} else {
		cmd.Printf("Task %s failed: %s\n", taskID, result.Error)
	}

	return nil
}
