// Package asynchook runs kvcache.Hooks on background workers.
//
// The cache calls hooks on hot paths. Wrapping a slow implementation here moves
// it off those paths; when the queue is full the call is dropped and counted.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{ConflictEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	c, _ := kvcache.New[User](kvcache.Options[User]{
//	    Store: st,
//	    Codec: codec.JSON[User]{},
//	    Hooks: hooks,
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/kvcache"
)

type Hooks struct {
	inner   kvcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ kvcache.Hooks = (*Hooks)(nil)

func New(inner kvcache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = kvcache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued calls and stops the workers. Later calls are dropped.
func (h *Hooks) Close() error {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
	return nil
}

// Dropped returns how many calls were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) ConflictRetry(k string) { h.try(func() { h.inner.ConflictRetry(k) }) }
func (h *Hooks) LockContended(k string) { h.try(func() { h.inner.LockContended(k) }) }
func (h *Hooks) EnumerationSkipped(k string) {
	h.try(func() { h.inner.EnumerationSkipped(k) })
}
func (h *Hooks) ListenerFailed(k string, err error) {
	h.try(func() { h.inner.ListenerFailed(k, err) })
}
func (h *Hooks) LoadFailed(k string, err error) { h.try(func() { h.inner.LoadFailed(k, err) }) }
func (h *Hooks) WriteThroughFailed(k, op string, err error) {
	h.try(func() { h.inner.WriteThroughFailed(k, op, err) })
}
