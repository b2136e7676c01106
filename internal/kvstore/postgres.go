package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgChannel = "kv_changes"
	// NOTIFY payloads must stay under 8000 bytes
	pgNotifyLimit = 7900
)

// PostgresStore keeps every path as a row of kv_entries. Changes are
// announced with NOTIFY carrying the path and the value; values too large
// for a payload are announced by path and read back by the listener.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore ensures the schema exists. The pool is owned by the caller.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			path       TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create kv_entries: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	if err := validatePath(path); err != nil {
		return nil, false, err
	}
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_entries WHERE path = $1`, path).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", path, err)
	}
	return v, true, nil
}

func (s *PostgresStore) List(ctx context.Context, path string) (map[string][]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT path, value
		FROM kv_entries
		WHERE path LIKE $1 ESCAPE '\'
	`, escapeLike(path)+"/%")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var p string
		var v []byte
		if err := rows.Scan(&p, &v); err != nil {
			return nil, err
		}
		out[p] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Write sends all paths as one batch. Postgres runs a batch as an implicit
// transaction, so this backend never reports a partial write.
func (s *PostgresStore) Write(ctx context.Context, values map[string][]byte) error {
	for p := range values {
		if err := validatePath(p); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	for _, p := range sortedPaths(values) {
		queueMutation(batch, p, values[p])
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("write %d paths: %w", len(values), err)
		}
	}
	return nil
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, path string, pred Predicate, newValue []byte) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var cur []byte
	exists := true
	err = tx.QueryRow(ctx, `SELECT value FROM kv_entries WHERE path = $1 FOR UPDATE`, path).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("lock %s: %w", path, err)
	}

	if !pred(cur, exists) {
		return false, nil
	}

	switch {
	case newValue == nil:
		_, err = tx.Exec(ctx, `DELETE FROM kv_entries WHERE path = $1`, path)
	case exists:
		_, err = tx.Exec(ctx, `UPDATE kv_entries SET value = $2, updated_at = now() WHERE path = $1`, path, newValue)
	default:
		// FOR UPDATE locks nothing when the row is missing, so a
		// concurrent insert is settled by the primary key.
		tag, insErr := tx.Exec(ctx, `
			INSERT INTO kv_entries (path, value, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (path) DO NOTHING
		`, path, newValue)
		if insErr != nil {
			return false, fmt.Errorf("insert %s: %w", path, insErr)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}
	if err != nil {
		return false, fmt.Errorf("compare and set %s: %w", path, err)
	}

	note := encodeChange(Change{Path: path, Value: newValue}, pgNotifyLimit)
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, note); err != nil {
		return false, fmt.Errorf("notify %s: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, prefix string, fn func(Change)) (func(), error) {
	if prefix != "" {
		if err := validatePath(prefix); err != nil {
			return nil, err
		}
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer func() {
			if !conn.Conn().IsClosed() {
				_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			}
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				return
			}
			note, err := decodeChange(n.Payload)
			if err != nil || !under(note.Path, prefix) {
				continue
			}
			if note.Ref {
				v, _, err := s.Read(subCtx, note.Path)
				if err != nil {
					continue
				}
				fn(Change{Path: note.Path, Value: v})
				continue
			}
			fn(note.change())
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}, nil
}

func (s *PostgresStore) Close() error {
	return nil
}

func queueMutation(batch *pgx.Batch, path string, value []byte) {
	if value == nil {
		batch.Queue(`DELETE FROM kv_entries WHERE path = $1`, path)
	} else {
		batch.Queue(`
			INSERT INTO kv_entries (path, value, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		`, path, value)
	}
	batch.Queue(`SELECT pg_notify($1, $2)`, pgChannel, encodeChange(Change{Path: path, Value: value}, pgNotifyLimit))
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}
