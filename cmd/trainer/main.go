package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/pkg/trainer"
)

var (
	configPath string
	logLevel   string
	statsJSON  bool
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trainer",
		Short:         "Real-time conversational training service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(logLevel)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect session snapshots",
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Report live and expired snapshot counts",
		RunE:  runSnapshotStats,
	}
	stats.Flags().BoolVar(&statsJSON, "json", false, "print stats as JSON")
	snapshots.AddCommand(stats)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and REST server",
		RunE:  runServe,
	}, snapshots)
	return root
}

// setupLogger installs a JSON slog handler as the default logger.
func setupLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	t, err := trainer.New(
		trainer.WithLogger(logger),
		trainer.WithFileConfig(configPath),
	)
	if err != nil {
		return fmt.Errorf("create trainer: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := t.Run(ctx); err != nil {
		logger.Error("trainer stopped", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func runSnapshotStats(cmd *cobra.Command, args []string) error {
	// Keep stdout clean for the report.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	t, err := trainer.New(
		trainer.WithLogger(logger),
		trainer.WithFileConfig(configPath),
	)
	if err != nil {
		return fmt.Errorf("create trainer: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	defer t.Shutdown(ctx)

	stats, err := t.SnapshotStats(ctx)
	if err != nil {
		return fmt.Errorf("snapshot stats: %w", err)
	}

	out := cmd.OutOrStdout()
	if statsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	fmt.Fprintf(out, "active:  %d\n", stats.ActiveCount)
	fmt.Fprintf(out, "expired: %d\n", stats.ExpiredCount)
	if stats.ActiveCount > 0 {
		fmt.Fprintf(out, "oldest:  %s\n", stats.OldestAge.Round(time.Second))
		fmt.Fprintf(out, "newest:  %s\n", stats.NewestAge.Round(time.Second))
	}
	return nil
}
