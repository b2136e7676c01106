package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node file backed store. One connection
// serializes every statement; subscriptions are in-process only.
type SQLiteStore struct {
	db *sql.DB

	// writeMu orders mutation and publication together
	writeMu sync.Mutex
	hub     *hub
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db, hub: newHub()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_entries (
			path       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (s *SQLiteStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	if err := validatePath(path); err != nil {
		return nil, false, err
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE path = ?`, path).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", path, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, path string) (map[string][]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, value FROM kv_entries WHERE path LIKE ? ESCAPE '\'`,
		escapeLike(path)+"/%")
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
	return out, rows.Err()
}

// Write applies each path with its own statement, so a failure part way
// through leaves the earlier paths written.
func (s *SQLiteStore) Write(ctx context.Context, values map[string][]byte) error {
	for p := range values {
		if err := validatePath(p); err != nil {
			return err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	failed := make(map[string]error)
	var changes []Change
	for _, p := range sortedPaths(values) {
		if err := s.apply(ctx, s.db, p, values[p]); err != nil {
			failed[p] = err
			continue
		}
		changes = append(changes, Change{Path: p, Value: values[p]})
	}

	s.hub.publish(changes...)
	return writeResult(len(values), failed)
}

func (s *SQLiteStore) CompareAndSet(ctx context.Context, path string, pred Predicate, newValue []byte) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var cur []byte
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE path = ?`, path).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("select %s: %w", path, err)
	}

	if !pred(cur, exists) {
		return false, nil
	}
	if err := s.apply(ctx, tx, path, newValue); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	s.hub.publish(Change{Path: path, Value: newValue})
	return true, nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, prefix string, fn func(Change)) (func(), error) {
	if prefix != "" {
		if err := validatePath(prefix); err != nil {
			return nil, err
		}
	}
	unsubscribe := s.hub.add(prefix, fn)
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			unsubscribe()
		}()
	}
	return unsubscribe, nil
}

func (s *SQLiteStore) Close() error {
	s.hub.clear()
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) apply(ctx context.Context, ex execer, path string, value []byte) error {
	var err error
	if value == nil {
		_, err = ex.ExecContext(ctx, `DELETE FROM kv_entries WHERE path = ?`, path)
	} else {
		_, err = ex.ExecContext(ctx, `
			INSERT INTO kv_entries (path, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		`, path, value)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
