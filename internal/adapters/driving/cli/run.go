package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived background component: the scheduler loop or
// the file watcher. Start blocks until the context is cancelled.
type Runner interface {
	Start(ctx context.Context) error
}

// runners are started by the run command.
var runners []Runner

// SetRunners wires background components into the run command.
func SetRunners(r ...Runner) {
	runners = r
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and file watcher until interrupted",
	Long: `Starts the background scheduler (integrity sweeps, change detection,
incremental dataset builds) and the local file watcher, and blocks
until interrupted.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	if len(runners) == 0 {
		return errors.New("no background components configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Println("Running; press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		runner := r
		g.Go(func() error {
			err := runner.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	cmd.Println("Stopped.")
	return nil
}
