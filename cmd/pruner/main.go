// Package main is the entry point for the one-shot path history pruner.
// It deletes PostgreSQL path points older than the horizon and exits, for
// deployments that schedule pruning outside the relay process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/livetrack/internal/config"
	"github.com/onnwee/livetrack/internal/db"
	"github.com/onnwee/livetrack/internal/history"
	"github.com/onnwee/livetrack/internal/middleware"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to an optional YAML config file")
	horizon := flag.Duration("horizon", 0, "override the history horizon (e.g. 12h)")
	flag.Parse()

	if *help {
		fmt.Println("livetrack path history pruner")
		fmt.Println()
		fmt.Println("Usage: pruner [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}
	if *horizon > 0 {
		cfg.HistoryHorizon = *horizon
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	removed, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("prune failed", "error", err)
		os.Exit(1)
	}
	logger.Info("prune complete", "removed", removed, "horizon", cfg.HistoryHorizon.String())
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (int64, error) {
	if cfg.DatabaseURL == "" {
		return 0, fmt.Errorf("DATABASE_URL is required")
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultOptions())
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return 0, err
	}

	store := history.NewPostgresStore(conn, history.Options{Horizon: cfg.HistoryHorizon})
	cutoff := time.Now().Add(-cfg.HistoryHorizon)

	removed, err := store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune path history: %w", err)
	}
	logger.Debug("pruned path history", "older_than", cutoff)
	return removed, nil
}
