package session

import (
	"slices"
	"sync"
)

// watchers is a registry of change callbacks shared by both stores
type watchers struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func()
}

func (w *watchers) add(fn func()) func() {
	w.mu.Lock()
	if w.fns == nil {
		w.fns = make(map[uint64]func())
	}
	w.next++
	id := w.next
	w.fns[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

// notify calls every watcher in registration order without holding the lock
func (w *watchers) notify() {
	w.mu.Lock()
	ids := make([]uint64, 0, len(w.fns))
	for id := range w.fns {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, w.fns[id])
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (w *watchers) clear() {
	w.mu.Lock()
	w.fns = nil
	w.mu.Unlock()
}
