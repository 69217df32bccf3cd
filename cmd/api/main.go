package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quistapp/keygate/internal/api"
	"github.com/quistapp/keygate/internal/auth"
	"github.com/quistapp/keygate/internal/capture"
	"github.com/quistapp/keygate/internal/config"
	"github.com/quistapp/keygate/internal/jobs"
	"github.com/quistapp/keygate/internal/license"
	"github.com/quistapp/keygate/internal/logging"
	"github.com/quistapp/keygate/internal/relay"
	"github.com/quistapp/keygate/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("keygate stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	sessions := auth.NewSessions(cfg.SessionSecret, cfg.SessionMaxAge)
	throttle := auth.NewLoginThrottle(cfg.LoginMaxAttempts, cfg.LoginWindow)
	authn := auth.NewAuthenticator(st, auth.NewHasher(0), sessions, throttle, logger)
	if err := authn.SeedAdmin(ctx, cfg.AdminUser, cfg.AdminPassword); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if cfg.WeakAdminPassword() {
		logger.Warn().Str("username", cfg.AdminUser).Msg("admin password is weak; set KEYGATE_ADMIN_PASSWORD")
	}

	gateway := license.NewGateway(st, license.NewCodeGenerator(cfg.KeyPrefix), logger)
	coord := capture.NewCoordinator(nil, logger)
	hub := relay.NewHub(coord, cfg.RelayPingInterval, logger)
	coord.SetSender(hub)

	handler := api.NewRouter(cfg, api.Dependencies{
		Store:    st,
		Licenses: gateway,
		Auth:     authn,
		Sessions: sessions,
		Hub:      hub,
		Capture:  coord,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	runner := jobs.NewRunner(logger, backgroundJobs(cfg, sessions, throttle, logger)...)
	runner.Start(gctx)
	hub.Start()

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("keygate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Shutdown does not track hijacked relay connections; the hub closes them.
		hub.Stop()
		return err
	})

	err = g.Wait()
	runner.Wait()
	return err
}

// backgroundJobs lists the in-process maintenance loops. Usage retention runs
// in the separate jobs worker.
func backgroundJobs(cfg config.Config, sessions *auth.Sessions, throttle *auth.LoginThrottle, logger zerolog.Logger) []jobs.Job {
	return []jobs.Job{
		jobs.SessionSweep(sessions, cfg.SessionSweepInterval, logger),
		jobs.LoginThrottlePrune(throttle, cfg.LoginWindow),
	}
}
