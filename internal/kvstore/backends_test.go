package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreSuite(t, s, "mem")
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Close()
	if _, _, err := s.Read(context.Background(), "a"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s, "sqlite")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	s := NewRedisStore(rdb, "nutri-test:")
	runStoreSuite(t, s, uuid.NewString())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("postgres store: %v", err)
	}
	runStoreSuite(t, s, uuid.NewString())
}

func TestEscapeGlob(t *testing.T) {
	got := escapeGlob(`a*b?c[d]\e`)
	want := `a\*b\?c\[d\]\\e`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
