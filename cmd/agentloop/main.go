// Package main implements the agentloop CLI: a resumable loop that
// drives the claude worker through an ordered task list.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentloop/agentloop/internal/checkpoint"
	"github.com/agentloop/agentloop/internal/claude"
	"github.com/agentloop/agentloop/internal/config"
	"github.com/agentloop/agentloop/internal/engine"
	"github.com/agentloop/agentloop/internal/failure"
	"github.com/agentloop/agentloop/internal/logging"
	"github.com/agentloop/agentloop/internal/session"
	"github.com/agentloop/agentloop/internal/state"
	"github.com/agentloop/agentloop/internal/tasklist"
)

var (
	// configPath is the optional YAML config file.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, engine.ErrInterrupted) {
			// conventional exit code for SIGINT
			os.Exit(130)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentloop",
	Short: "Drive the claude worker through an ordered task list",
	Long: `agentloop executes a markdown task list one item at a time with the
claude CLI, isolating each attempt in a jj checkpoint. Runs are
resumable: state is persisted after every step, an interrupted run
picks up where it left off, and completed items are never re-executed.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <task-list>",
	Short: "Execute the task list, resuming a previous run if one exists",
	Long: `Execute every item in the task list in order.

The list is markdown: "## Group" headers delimit session groups, "-"
bullets are work items. If a previous run exists for the same list
content, completed and failed items are skipped and interrupted items
are retried.

Examples:
  # Start or resume a run
  agentloop run tasks.md

  # With a config file
  agentloop run --config agentloop.yaml tasks.md`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	entries, hash, err := tasklist.ParseFile(args[0])
	if err != nil {
		return err
	}

	store := state.NewStore(statePath(cfg), logger)
	if store.Exists() {
		run, err := store.Load(hash)
		if err != nil {
			if errors.Is(err, state.ErrListChanged) {
				return fmt.Errorf("%w: run 'agentloop reset' to discard the previous run", err)
			}
			return err
		}
		if stuck := run.StuckRunning(); len(stuck) > 0 {
			return fmt.Errorf("items %v were left running by a hard kill; "+
				"inspect with 'agentloop status', then 'agentloop reset'", itemNumbers(stuck))
		}
	} else {
		items := make([]state.Item, len(entries))
		for i, e := range entries {
			items[i] = state.Item{Group: e.Group, Text: e.Text}
		}
		if _, err := store.Create(hash, items); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	inflight := engine.NewInflight()
	handler := engine.NewInterruptHandler(cancel, inflight, logger)
	handler.Watch(os.Interrupt, syscall.SIGTERM)

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	checkpointBinary := ""
	if cfg.Checkpoint.Enabled {
		checkpointBinary = cfg.Checkpoint.Binary
	}
	checkpoints := checkpoint.NewManager(ctx, checkpointBinary, workDir, logger)

	invoker := claude.NewInvoker(cfg.Worker.Binary, logger)
	analyst := failure.NewAnalyst(invoker, cfg.Worker.AnalystModel, cfg.Worker.Timeout.Duration(), logger)
	sessions := session.NewManager(invoker, cfg.Worker.Model,
		cfg.Session.CompactionThreshold, cfg.Session.SummaryWords,
		cfg.Worker.Timeout.Duration(), logger)

	eng := engine.New(
		engine.Config{
			Model:         cfg.Worker.Model,
			FallbackModel: cfg.Worker.FallbackModel,
			MaxAttempts:   cfg.Retry.MaxAttempts,
			WorkerTimeout: cfg.Worker.Timeout.Duration(),
			LogDir:        filepath.Join(cfg.StateDir, "logs"),
		},
		engine.Deps{
			Store:       store,
			Checkpoints: checkpoints,
			Invoker:     invoker,
			Analyst:     analyst,
			Sessions:    sessions,
			Inflight:    inflight,
			Logger:      logger,
		},
	)

	sum, runErr := eng.Run(ctx)
	if runErr != nil && !errors.Is(runErr, engine.ErrInterrupted) {
		return runErr
	}
	fmt.Fprint(cmd.OutOrStdout(), renderSummary(sum, store.Run()))
	return runErr
}

func statePath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, "run.json")
}

// itemNumbers converts zero-based indexes to the 1-based numbers shown
// to users.
func itemNumbers(indexes []int) []int {
	nums := make([]int, len(indexes))
	for i, idx := range indexes {
		nums[i] = idx + 1
	}
	return nums
}
