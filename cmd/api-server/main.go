package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/api"
	"github.com/hackgods/nutrition-scheduling/internal/appointment"
	"github.com/hackgods/nutrition-scheduling/internal/config"
	"github.com/hackgods/nutrition-scheduling/internal/db"
	"github.com/hackgods/nutrition-scheduling/internal/logging"
	"github.com/hackgods/nutrition-scheduling/internal/notify"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.IsDev(), cfg.LogLevel).With().Str("component", "api-server").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("backend", cfg.StoreBackend).
		Str("version", version).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCtx, cancelConn := context.WithTimeout(rootCtx, 10*time.Second)
	backend, err := db.Open(connCtx, cfg, logger)
	cancelConn()
	if err != nil {
		logger.Fatal().Err(err).Msg("store connection error")
	}
	defer backend.Close()

	notifier := notify.NewAsync(newNotifier(cfg, logger), cfg.NotifyTimeout, logger)
	svc := appointment.New(backend.Store, notifier, cfg, logger)

	var limiter *api.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(rootCtx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET is empty, requests are not authenticated")
	}

	srv := api.NewServer(":"+cfg.HTTPPort, api.NewRouter(api.RouterConfig{
		Service:     svc,
		Health:      backend,
		Backend:     backend.Name,
		Env:         cfg.Env,
		Version:     version,
		JWTSecret:   cfg.JWTSecret,
		RateLimiter: limiter,
		Logger:      logger,
	}))

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown")
	}

	// notifications get their own window after the last request is done
	waitCtx, cancelWait := context.WithTimeout(context.Background(), cfg.NotifyTimeout)
	defer cancelWait()
	if err := notifier.Wait(waitCtx); err != nil {
		logger.Warn().Err(err).Msg("pending notifications dropped")
	}

	logger.Info().Msg("api-server stopped")
}

func newNotifier(cfg config.Config, logger zerolog.Logger) notify.Notifier {
	if cfg.Notifier == config.NotifierSendGrid {
		return notify.NewSendGridNotifier(cfg.SendGridAPIKey, cfg.NotifyFromEmail, cfg.NotifyFromName)
	}
	return notify.NewLogNotifier(logger)
}
