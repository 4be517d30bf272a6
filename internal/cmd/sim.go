package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/coordination"
	"github.com/capmesh/capmesh/internal/logging"
	"github.com/capmesh/capmesh/internal/sim"
	"github.com/capmesh/capmesh/internal/tui"
)

var (
	simWatch bool
	simTUI   bool
)

var simCmd = &cobra.Command{
	Use:   "sim <scenario.yaml>",
	Short: "Run a scheduler simulation from a scenario file",
	Long: `Run the full scheduler against a scripted scenario: the file declares
workers (capabilities, scores, capacity, optional failure point) and
work sources that submit tasks on an interval. With --watch the
scenario file is reloaded on change; with --tui a live status view
replaces the final printed report.`,
	Args: cobra.ExactArgs(1),
	RunE: runSim,
}

func init() {
	simCmd.Flags().BoolVar(&simWatch, "watch", false, "reload the scenario file when it changes")
	simCmd.Flags().BoolVar(&simTUI, "tui", false, "show a live status view while the simulation runs")
	rootCmd.AddCommand(simCmd)
}

func runSim(cmd *cobra.Command, args []string) error {
	scenario, err := sim.LoadScenario(args[0])
	if err != nil {
		return fmt.Errorf("failed to load scenario: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	hub, err := coordination.NewHub(cfg,
		coordination.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer hub.Stop()

	runner := sim.NewRunner(hub, scenario, sim.WithLogger(logger))

	if simWatch {
		go func() {
			if err := runner.Watch(ctx, args[0]); err != nil {
				logger.Warn("scenario watch stopped", "error", err)
			}
		}()
	}

	if simTUI {
		runDone := make(chan error, 1)
		go func() { runDone <- runner.Run(ctx) }()
		if err := tui.Run(hub, cfg.Flow.RefreshInterval()); err != nil {
			cancel()
			<-runDone
			return err
		}
		cancel()
		if err := <-runDone; err != nil && ctx.Err() == nil {
			return err
		}
		printCounters(runner.Counters())
		return nil
	}

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Println(tui.RenderStatus(hub.GetStatus()))
	printCounters(runner.Counters())
	return nil
}

func printCounters(c sim.Counters) {
	fmt.Printf("submitted %d, won %d, no winner %d, rejected %d, completed %d\n",
		c.Submitted, c.Won, c.NoWinner, c.TasksRejected, c.Completed)
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NewLogger("", cfg.Logging.Level)
	}
	dir := cfg.Logging.Dir
	if dir == "" {
		dir = config.ConfigDir()
	}
	return logging.NewLogger(dir, cfg.Logging.Level)
}
