package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/config"
	"github.com/hackgods/nutrition-scheduling/internal/kvstore"
	redisclient "github.com/hackgods/nutrition-scheduling/internal/redis"
)

// Backend is the configured store plus what it needs to stay healthy.
type Backend struct {
	Name  string
	Store kvstore.Store

	checks  map[string]func(context.Context) error
	closers []func()
}

// Open connects the store selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{Name: cfg.StoreBackend, checks: map[string]func(context.Context) error{}}

	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, err
		}
		b.Store = kvstore.NewRedisStore(rdb, cfg.RedisKeyPrefix)
		b.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		b.closers = append(b.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing redis")
			}
		})

	case config.BackendPostgres:
		pool, err := ConnectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store, err := kvstore.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		b.Store = store
		b.checks["postgres"] = pool.Ping
		b.closers = append(b.closers, pool.Close)

	case config.BackendSQLite:
		store, err := kvstore.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.Store = store
		b.checks["sqlite"] = readCheck(store)

	case config.BackendMemory:
		b.Store = kvstore.NewMemoryStore()
		b.checks["memory"] = readCheck(b.Store)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	logger.Info().Str("backend", b.Name).Msg("store connected")
	return b, nil
}

// Wrap exposes an existing store as a Backend, mostly for tests.
func Wrap(name string, store kvstore.Store) *Backend {
	return &Backend{
		Name:   name,
		Store:  store,
		checks: map[string]func(context.Context) error{name: readCheck(store)},
	}
}

func readCheck(store kvstore.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		_, _, err := store.Read(ctx, "health/ping")
		return err
	}
}

// Check runs every dependency check and returns the results by name.
func (b *Backend) Check(ctx context.Context) map[string]error {
	names := make([]string, 0, len(b.checks))
	for name := range b.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]error, len(names))
	for _, name := range names {
		out[name] = b.checks[name](ctx)
	}
	return out
}

// Close closes the store and then the connections beneath it.
func (b *Backend) Close() {
	if b.Store != nil {
		_ = b.Store.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
