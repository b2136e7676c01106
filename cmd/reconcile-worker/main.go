package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/appointment"
	"github.com/hackgods/nutrition-scheduling/internal/config"
	"github.com/hackgods/nutrition-scheduling/internal/db"
	"github.com/hackgods/nutrition-scheduling/internal/logging"
	"github.com/hackgods/nutrition-scheduling/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.IsDev(), cfg.LogLevel).With().Str("component", "reconcile-worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("lock_grace", cfg.LockGrace).
		Msg("reconcile worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCtx, cancelConn := context.WithTimeout(rootCtx, 10*time.Second)
	backend, err := db.Open(connCtx, cfg, logger)
	cancelConn()
	if err != nil {
		logger.Fatal().Err(err).Msg("store connection error")
	}
	defer backend.Close()

	// the worker never books, so confirmations are only logged
	svc := appointment.New(backend.Store, notify.NewLogNotifier(logger), cfg, logger)

	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	report, err := svc.Reconcile(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("reconcile run error")
		return
	}
	logger.Info().
		Int("appointments", report.Appointments).
		Int("indexes_repaired", report.IndexesRepaired).
		Int("locks_released", report.LocksReleased).
		Int("missing_locks", report.MissingLocks).
		Dur("took", time.Since(start)).
		Msg("reconcile run complete")
}
