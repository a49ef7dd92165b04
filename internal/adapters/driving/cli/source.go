package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage registered data sources",
	Long:  `Register, list, inspect, or remove data sources.`,
}

var sourceAddCmd = &cobra.Command{
	Use:   "add [type] [url]",
	Short: "Register a new data source",
	Long: `Registers a URL as a data source. Type is one of: api, file, web, rss.
Adapter options are passed as repeated --meta key=value flags.`,
	Args: cobra.ExactArgs(2),
	RunE: runSourceAdd,
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	Args:  cobra.NoArgs,
	RunE:  runSourceList,
}

var sourceStatusCmd = &cobra.Command{
	Use:   "status [source-id]",
	Short: "Show download progress for a source",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceStatus,
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove [source-id]",
	Short: "Remove a source and its data",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceRemove,
}

// sourceMeta holds repeated --meta key=value flags for source add.
var sourceMeta []string

func init() {
	sourceAddCmd.Flags().StringArrayVarP(&sourceMeta, "meta", "m", nil, "Adapter option as key=value (repeatable)")

	sourceCmd.AddCommand(sourceAddCmd)
	sourceCmd.AddCommand(sourceListCmd)
	sourceCmd.AddCommand(sourceStatusCmd)
	sourceCmd.AddCommand(sourceRemoveCmd)
	rootCmd.AddCommand(sourceCmd)
}

func runSourceAdd(cmd *cobra.Command, args []string) error {
	if downloadManager == nil {
		return errors.New("download manager not configured")
	}

	sourceType := domain.SourceType(args[0])
	url := args[1]
	ctx := context.Background()

	metadata, err := parseMeta(sourceMeta)
	if err != nil {
		return err
	}

	id, err := downloadManager.Register(ctx, url, sourceType, metadata)
	if err != nil {
		return fmt.Errorf("failed to register source: %w", err)
	}

	cmd.Printf("Source registered: %s\n", id)
	return nil
}

func runSourceList(cmd *cobra.Command, _ []string) error {
	if sourceStore == nil {
		return errors.New("source store not configured")
	}

	ctx := context.Background()
	sources, err := sourceStore.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}

	if len(sources) == 0 {
		cmd.Println("No sources registered.")
		return nil
	}

	cmd.Println("Registered sources:")
	cmd.Println()
	for i := range sources {
		s := &sources[i]
		cmd.Printf("  %s\n", s.ID)
		cmd.Printf("    URL:    %s\n", s.URL)
		cmd.Printf("    Type:   %s\n", s.Type)
		cmd.Printf("    Status: %s\n", s.Status)
		cmd.Printf("    Records: %s\n", progressString(s.DownloadedRecords, s.TotalRecords))
		cmd.Println()
	}

	cmd.Printf("Total: %d sources\n", len(sources))
	return nil
}

func runSourceStatus(cmd *cobra.Command, args []string) error {
	if downloadManager == nil {
		return errors.New("download manager not configured")
	}

	sourceID := args[0]
	ctx := context.Background()

	status, err := downloadManager.Status(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	cmd.Printf("Source: %s\n\n", status.SourceID)
	cmd.Printf("  Status:  %s\n", status.Status)
	if status.Running {
		cmd.Println("  Download in progress")
	}
	cmd.Printf("  Records: %s\n", progressString(status.DownloadedRecords, status.TotalRecords))
	if status.RetryCount > 0 {
		cmd.Printf("  Retries: %d\n", status.RetryCount)
	}
	if status.LastError != "" {
		cmd.Printf("  Last error: %s\n", status.LastError)
	}

	return nil
}

func runSourceRemove(cmd *cobra.Command, args []string) error {
	if sourceStore == nil {
		return errors.New("source store not configured")
	}

	sourceID := args[0]
	ctx := context.Background()

	if err := sourceStore.Delete(ctx, sourceID); err != nil {
		return fmt.Errorf("failed to remove source: %w", err)
	}

	cmd.Printf("Source %s removed.\n", sourceID)
	return nil
}

// parseMeta splits key=value flag values into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta value %q, expected key=value", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}

// progressString renders downloaded/total, hiding an unknown total.
func progressString(downloaded, total int64) string {
	if total < 0 {
		return fmt.Sprintf("%d", downloaded)
	}
	return fmt.Sprintf("%d / %d", downloaded, total)
}
