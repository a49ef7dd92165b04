// Command harvest is the data-ingestion CLI.
package main

import (
	"fmt"
	"os"
	"time"

	configfile "github.com/custodia-labs/harvest-cli/internal/adapters/driven/config/file"
	"github.com/custodia-labs/harvest-cli/internal/adapters/driven/storage/sqlite"
	structurerhttp "github.com/custodia-labs/harvest-cli/internal/adapters/driven/structurer/http"
	"github.com/custodia-labs/harvest-cli/internal/adapters/driving/cli"
	"github.com/custodia-labs/harvest-cli/internal/adapters/driving/watch"
	"github.com/custodia-labs/harvest-cli/internal/connectors"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/services"
	"github.com/custodia-labs/harvest-cli/internal/ratelimit"
)

// version is overridden at build time via
// -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config, err := configfile.NewConfigStore("")
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}

	store, err := sqlite.NewStore("")
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Limit:  config.IntOr(configfile.KeyRateLimitPerMinute, ratelimit.DefaultLimit),
		Window: time.Minute,
	})
	factory := connectors.NewFactory(limiter,
		config.DurationOr(configfile.KeyDownloadTimeout, 30*time.Second))

	sources := store.SourceStore()
	records := store.RecordStore()
	fingerprints := store.FingerprintStore()
	snapshots := store.SnapshotStore()
	changes := store.ChangeStore()

	manager := services.NewDownloadManager(sources, records, factory, services.DefaultRetryPolicy())
	checker := services.NewIntegrityChecker(sources, records, fingerprints, snapshots, factory)
	detector := services.NewChangeDetector(sources, fingerprints, snapshots, changes, factory)

	schedCfg := domain.DefaultSchedulerConfig()
	if enabled, ok := config.Get(configfile.KeySchedulerEnabled); ok {
		if b, isBool := enabled.(bool); isBool {
			schedCfg.Enabled = b
		}
	}
	scheduler := services.NewScheduler(schedCfg, store.SchedulerStore(),
		checker, detector, changes, store.DatasetStore())

	watcher, err := watch.New(sources, detector)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// The structuring service is optional; without a base URL the
	// analyze command reports it as unconfigured.
	var structurer driven.Structurer
	if baseURL := config.GetString(configfile.KeyStructurerBaseURL); baseURL != "" {
		structurer, err = structurerhttp.New(structurerhttp.Config{
			BaseURL: baseURL,
			APIKey:  config.GetString(configfile.KeyStructurerAPIKey),
			Timeout: config.DurationOr(configfile.KeyStructurerTimeout, structurerhttp.DefaultTimeout),
		})
		if err != nil {
			return fmt.Errorf("configuring structurer: %w", err)
		}
	}

	cli.SetVersion(version)
	cli.SetServices(cli.Services{
		DownloadManager:  manager,
		IntegrityChecker: checker,
		ChangeDetector:   detector,
		SchedulerControl: scheduler,
		SourceStore:      sources,
		RecordStore:      records,
		ConfigStore:      config,
		Structurer:       structurer,
	})
	cli.SetRunners(scheduler, watcher)

	return cli.Execute()
}
