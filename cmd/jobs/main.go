package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quistapp/keygate/internal/config"
	"github.com/quistapp/keygate/internal/jobs"
	"github.com/quistapp/keygate/internal/logging"
	"github.com/quistapp/keygate/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout).With().Str("service", "keygate-jobs").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping db")
	}

	st := store.New(pool)
	runner := jobs.NewRunner(logger, jobs.UsageRetention(st, cfg.UsageRetention, jobs.DefaultRetentionInterval, logger))
	runner.Start(ctx)

	logger.Info().Dur("retention", cfg.UsageRetention).Msg("jobs worker started")
	<-ctx.Done()
	runner.Wait()
	logger.Info().Msg("jobs worker stopped")
}
