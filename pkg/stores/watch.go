package stores

import (
	"context"
	"sync"
)

// changeHub fans committed writes out to in-process subscribers. Delivery is
// best-effort: a subscriber that stops draining its channel loses changes
// rather than blocking writers. Durable observation goes through
// ListChangedSince instead.
type changeHub struct {
	mu     sync.RWMutex
	subs   map[int]chan Change
	nextID int
	closed bool
}

func newChangeHub() *changeHub {
	return &changeHub{
		subs: make(map[int]chan Change),
	}
}

func (h *changeHub) publish(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- c:
		default:
			// Subscriber is not keeping up; drop rather than block the write path.
		}
	}
}

func (h *changeHub) subscribe() (int, chan Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Change, 64)
	h.subs[id] = ch
	return id, ch
}

func (h *changeHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *changeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Watch subscribes to in-process change notifications for every committed
// write. The returned cancel function must be called to release the
// subscription; cancelling the context does the same.
func (s *SQLiteStore) Watch(ctx context.Context) (<-chan Change, func()) {
	id, ch := s.changes.subscribe()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.changes.unsubscribe(id)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}
