// Package cli implements the harvest command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driving"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// version is set at build time via ldflags.
var version = "dev"

// Services injected by the composition root. Tests swap these for
// mocks.
var (
	downloadManager  driving.DownloadManager
	integrityChecker driving.IntegrityChecker
	changeDetector   driving.ChangeDetector
	schedulerControl driving.SchedulerControl
	sourceStore      driven.SourceStore
	recordStore      driven.RecordStore
	configStore      driven.ConfigStore
	structurer       driven.Structurer
)

// verbose is the global verbosity flag.
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Resumable data-ingestion for training corpora",
	Long: `harvest registers external data sources (APIs, files, web tables,
RSS feeds), downloads them page by page with resumable cursors,
verifies content integrity and tracks changes over time.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.SetVerbose(verbose)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
}

// Services bundles everything the commands need. Structurer is
// optional; commands needing it fail with a configuration hint when
// it is absent.
type Services struct {
	DownloadManager  driving.DownloadManager
	IntegrityChecker driving.IntegrityChecker
	ChangeDetector   driving.ChangeDetector
	SchedulerControl driving.SchedulerControl
	SourceStore      driven.SourceStore
	RecordStore      driven.RecordStore
	ConfigStore      driven.ConfigStore
	Structurer       driven.Structurer
}

// SetServices wires service implementations into the command tree.
func SetServices(s Services) {
	downloadManager = s.DownloadManager
	integrityChecker = s.IntegrityChecker
	changeDetector = s.ChangeDetector
	schedulerControl = s.SchedulerControl
	sourceStore = s.SourceStore
	recordStore = s.RecordStore
	configStore = s.ConfigStore
	structurer = s.Structurer
}

// SetVersion overrides the build version string.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
