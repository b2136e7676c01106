package kvstore

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process. It backs tests and the
// single-binary "memory" backend.
type MemoryStore struct {
	// writeMu orders mutation and publication together
	writeMu sync.Mutex

	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	hub *hub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		hub:  newHub(),
	}
}

func (s *MemoryStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	if err := validatePath(path); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[path]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *MemoryStore) List(ctx context.Context, path string) (map[string][]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte)
	for p, v := range s.data {
		if p != path && under(p, path) {
			out[p] = clone(v)
		}
	}
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, values map[string][]byte) error {
	for p := range values {
		if err := validatePath(p); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	changes := make([]Change, 0, len(values))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, p := range sortedPaths(values) {
		v := values[p]
		if v == nil {
			delete(s.data, p)
		} else {
			s.data[p] = clone(v)
		}
		changes = append(changes, Change{Path: p, Value: clone(v)})
	}
	s.mu.Unlock()

	s.hub.publish(changes...)
	return nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, path string, pred Predicate, newValue []byte) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	cur, exists := s.data[path]
	if !pred(clone(cur), exists) {
		s.mu.Unlock()
		return false, nil
	}
	if newValue == nil {
		delete(s.data, path)
	} else {
		s.data[path] = clone(newValue)
	}
	s.mu.Unlock()

	s.hub.publish(Change{Path: path, Value: clone(newValue)})
	return true, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, prefix string, fn func(Change)) (func(), error) {
	if prefix != "" {
		if err := validatePath(prefix); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
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

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.clear()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
