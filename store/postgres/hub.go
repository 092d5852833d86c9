package postgres

import (
	"context"
	"sync"
)

// hub fans collection change signals out to watchers.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

func newHub() *hub {
	return &hub{
		watchers: map[string]map[chan struct{}]struct{}{},
	}
}

func (h *hub) watch(ctx context.Context, closeCh <-chan struct{}, coll string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.watchers[coll] == nil {
		h.watchers[coll] = map[chan struct{}]struct{}{}
	}
	h.watchers[coll][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-closeCh:
		}

		h.mu.Lock()
		delete(h.watchers[coll], ch)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// signal notifies the watchers of the collection, coalescing signals
// a watcher has not consumed yet.
func (h *hub) signal(coll string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.watchers[coll] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
