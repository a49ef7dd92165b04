package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [source-id]",
	Short: "Verify content integrity",
	Long: `Compares canonical content digests against stored fingerprints and
reports missing, mismatched and new records. Without a source ID,
every registered source is verified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if integrityChecker == nil {
		return errors.New("integrity checker not configured")
	}

	ctx := context.Background()

	if len(args) > 0 {
		return verifyOne(ctx, cmd, args[0])
	}
	return verifyAll(ctx, cmd)
}

func verifyOne(ctx context.Context, cmd *cobra.Command, sourceID string) error {
	report, err := integrityChecker.VerifySource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	cmd.Printf("Source: %s\n\n", report.SourceID)
	cmd.Printf("  Score:      %s\n", scoreString(report.Score))
	cmd.Printf("  Verified:   %d\n", report.Verified)
	cmd.Printf("  Missing:    %d\n", len(report.Missing))
	cmd.Printf("  Mismatched: %d\n", len(report.Mismatched))
	cmd.Printf("  New:        %d\n", len(report.Extra))

	for _, id := range report.Missing {
		cmd.Printf("  missing    %s\n", id)
	}
	for _, id := range report.Mismatched {
		cmd.Printf("  mismatched %s\n", id)
	}

	return nil
}

func verifyAll(ctx context.Context, cmd *cobra.Command) error {
	summaries, err := integrityChecker.VerifyAllSources(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if len(summaries) == 0 {
		cmd.Println("No sources registered.")
		return nil
	}

	cmd.Println("Integrity sweep:")
	cmd.Println()
	for i := range summaries {
		s := &summaries[i]
		if s.Err != nil {
			cmd.Printf("  %s  error: %v\n", s.SourceID, s.Err)
			continue
		}
		cmd.Printf("  %s  score %s  (%d missing, %d mismatched, %d new)\n",
			s.SourceID, scoreString(s.Score), s.Missing, s.Mismatched, s.Extra)
	}

	return nil
}

// scoreString renders a nullable integrity score. A nil score is
// unknown, not zero.
func scoreString(score *float64) string {
	if score == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *score)
}
