package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [source-id]",
	Short: "Infer a schema for a source's raw content",
	Long: `Sends a sample of the source's stored raw records to the external
structuring service and prints the inferred schema, along with any
issues that would prevent extraction.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

// analyzeExtract also extracts structured records with the inferred
// schema.
var analyzeExtract bool

func init() {
	analyzeCmd.Flags().BoolVarP(&analyzeExtract, "extract", "e", false, "Extract structured records using the inferred schema")

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if structurer == nil {
		return errors.New("structurer not configured; set structurer.base_url")
	}
	if recordStore == nil {
		return errors.New("record store not configured")
	}

	sourceID := args[0]
	ctx := context.Background()

	raw, err := rawSample(ctx, sourceID)
	if err != nil {
		return err
	}

	schema, issues, err := structurer.Analyze(ctx, raw)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	cmd.Printf("Schema for source %s:\n%s\n", sourceID, indentJSON(schema))
	for _, issue := range issues {
		cmd.Printf("  issue: %s\n", issue)
	}

	if !analyzeExtract {
		return nil
	}

	records, err := structurer.Extract(ctx, raw, schema)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	for i := range records {
		cmd.Printf("  %s\n", records[i].ID)
	}
	cmd.Printf("Extracted %d records.\n", len(records))
	return nil
}

// rawSample returns the first stored record carrying raw bytes.
// Structured records were already parsed by their adapter and have
// nothing for the structurer to infer.
func rawSample(ctx context.Context, sourceID string) ([]byte, error) {
	records, err := recordStore.List(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	for i := range records {
		if len(records[i].Raw) > 0 {
			return records[i].Raw, nil
		}
	}
	return nil, fmt.Errorf("source %s has no raw content to analyze", sourceID)
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
