package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Detect and inspect document changes",
}

var changesDetectCmd = &cobra.Command{
	Use:   "detect [source-id]",
	Short: "Scan sources for changed documents",
	Long: `Diffs the current source state against the stored fingerprints and
logs created, updated and deleted records. Without a source ID, every
registered source is scanned.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChangesDetect,
}

var changesListCmd = &cobra.Command{
	Use:   "list [source-id]",
	Short: "Show recent changes from the change log",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChangesList,
}

// changesSince is the look-back window for changes list.
var changesSince time.Duration

func init() {
	changesListCmd.Flags().DurationVarP(&changesSince, "since", "s", 24*time.Hour, "Look-back window")

	changesCmd.AddCommand(changesDetectCmd)
	changesCmd.AddCommand(changesListCmd)
	rootCmd.AddCommand(changesCmd)
}

func runChangesDetect(cmd *cobra.Command, args []string) error {
	if changeDetector == nil {
		return errors.New("change detector not configured")
	}

	ctx := context.Background()

	if len(args) > 0 {
		sourceID := args[0]
		events, err := changeDetector.DetectChanges(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("change detection failed: %w", err)
		}

		if len(events) == 0 {
			cmd.Printf("No changes in source %s.\n", sourceID)
			return nil
		}
		for i := range events {
			cmd.Printf("  %-8s %s\n", events[i].Type, events[i].DocumentID)
		}
		cmd.Printf("Total: %d changes\n", len(events))
		return nil
	}

	results, err := changeDetector.DetectChangesAllSources(ctx)
	if err != nil {
		return fmt.Errorf("change detection failed: %w", err)
	}

	total := 0
	for i := range results {
		r := &results[i]
		if r.Err != nil {
			cmd.Printf("  %s  error: %v\n", r.SourceID, r.Err)
			continue
		}
		cmd.Printf("  %s  %d changes\n", r.SourceID, len(r.Events))
		total += len(r.Events)
	}
	cmd.Printf("Total: %d changes across %d sources\n", total, len(results))
	return nil
}

func runChangesList(cmd *cobra.Command, args []string) error {
	if changeDetector == nil {
		return errors.New("change detector not configured")
	}

	sourceID := ""
	if len(args) > 0 {
		sourceID = args[0]
	}
	since := time.Now().Add(-changesSince)
	ctx := context.Background()

	events, err := changeDetector.RecentChanges(ctx, sourceID, since)
	if err != nil {
		return fmt.Errorf("failed to read change log: %w", err)
	}

	if len(events) == 0 {
		cmd.Println("No changes in the window.")
		return nil
	}

	for i := range events {
		ev := &events[i]
		cmd.Printf("  %s  %-8s %s  (source %s)\n",
			ev.ChangedAt.Format("2006-01-02 15:04:05"), ev.Type, ev.DocumentID, ev.SourceID)
	}
	cmd.Printf("Total: %d changes\n", len(events))
	return nil
}
