package kvstore

import (
	"sync"
)

// hub fans changes out to in-process subscribers. Callers serialize
// publish so subscribers observe changes in the order they were applied.
type hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

type subscription struct {
	prefix string
	fn     func(Change)
}

func newHub() *hub {
	return &hub{subs: make(map[int]subscription)}
}

func (h *hub) add(prefix string, fn func(Change)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscription{prefix: prefix, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(changes ...Change) {
	h.mu.RLock()
	subs := make([]subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, c := range changes {
		for _, s := range subs {
			if under(c.Path, s.prefix) {
				s.fn(c)
			}
		}
	}
}

func (h *hub) clear() {
	h.mu.Lock()
	h.subs = make(map[int]subscription)
	h.mu.Unlock()
}
