package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid store path")
	ErrClosed      = errors.New("store is closed")
	ErrContention  = errors.New("compare and set gave up under contention")
)

// Change is delivered to subscribers for every write under their prefix.
// Value is nil when the path was deleted.
type Change struct {
	Path  string `json:"path"`
	Value []byte `json:"value,omitempty"`
}

// Deleted reports whether the change removed the path.
func (c Change) Deleted() bool {
	return c.Value == nil
}

// Predicate decides whether CompareAndSet may replace the current value.
type Predicate func(current []byte, exists bool) bool

// IfAbsent only allows a write when nothing is stored at the path.
func IfAbsent(_ []byte, exists bool) bool {
	return !exists
}

// Store is the shared key-value store the scheduling core runs against.
// Paths are slash separated ("slotLocks/n1/2024-06-01/1400").
type Store interface {
	// Read returns the value at path and whether it exists.
	Read(ctx context.Context, path string) ([]byte, bool, error)

	// List returns every entry stored beneath path, keyed by full path.
	List(ctx context.Context, path string) (map[string][]byte, error)

	// Write stores every path in values. A nil value deletes the path.
	// The paths are not written as one transaction; when only some of
	// them fail the error is a *PartialWriteError.
	Write(ctx context.Context, values map[string][]byte) error

	// CompareAndSet atomically evaluates pred against the current value at
	// path and, when it holds, replaces it with newValue (nil deletes).
	CompareAndSet(ctx context.Context, path string, pred Predicate, newValue []byte) (bool, error)

	// Subscribe calls fn for every change at or beneath prefix, in the
	// order the store applied them. fn must not write to the store.
	Subscribe(ctx context.Context, prefix string, fn func(Change)) (unsubscribe func(), err error)

	Close() error
}

// PartialWriteError reports a multi-path write where some paths were stored
// and others were not.
type PartialWriteError struct {
	Failed    map[string]error
	Attempted int
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d of %d paths failed (%s)",
		len(e.Failed), e.Attempted, strings.Join(e.FailedPaths(), ", "))
}

// FailedPaths returns the failed paths in sorted order.
func (e *PartialWriteError) FailedPaths() []string {
	paths := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// writeResult turns per-path failures into the error Write returns.
func writeResult(attempted int, failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	pwe := &PartialWriteError{Failed: failed, Attempted: attempted}
	if len(failed) == attempted {
		// nothing landed, so report the first cause as a plain failure
		return fmt.Errorf("write %d paths: %w", attempted, failed[pwe.FailedPaths()[0]])
	}
	return pwe
}

// IsPartialWrite reports whether err is a *PartialWriteError.
func IsPartialWrite(err error) (*PartialWriteError, bool) {
	var pwe *PartialWriteError
	if errors.As(err, &pwe) {
		return pwe, true
	}
	return nil, false
}

// Join builds a store path from its segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Base returns the last segment of a path.
func Base(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

// under reports whether path equals prefix or lies beneath it.
func under(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func sortedPaths(values map[string][]byte) []string {
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// changeNote is a Change as it travels over a pub/sub channel. Ref marks a
// note whose value was too large to carry, so the listener reads it back.
type changeNote struct {
	Path    string `json:"path"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Ref     bool   `json:"ref,omitempty"`
}

// encodeChange renders c for a channel. A limit of zero means unbounded.
func encodeChange(c Change, limit int) string {
	n := changeNote{Path: c.Path, Value: c.Value, Deleted: c.Deleted()}
	b, _ := json.Marshal(n)
	if limit > 0 && len(b) > limit {
		n.Value, n.Ref = nil, true
		b, _ = json.Marshal(n)
	}
	return string(b)
}

func decodeChange(payload string) (changeNote, error) {
	var n changeNote
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return changeNote{}, fmt.Errorf("decode change: %w", err)
	}
	if n.Path == "" {
		return changeNote{}, fmt.Errorf("decode change: %w", ErrInvalidPath)
	}
	if !n.Deleted && !n.Ref && n.Value == nil {
		n.Value = []byte{}
	}
	return n, nil
}

func (n changeNote) change() Change {
	if n.Deleted {
		return Change{Path: n.Path}
	}
	return Change{Path: n.Path, Value: n.Value}
}
