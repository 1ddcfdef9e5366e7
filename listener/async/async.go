// Package async delivers kvcache events on a background worker.
//
// Synchronous listeners run on the caller of the cache operation. Wrap a slow
// listener in a Listener from this package to move it off that path. Batches
// are queued whole and delivered in order; when the queue is full the batch is
// dropped and counted.
package async

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/kvcache"
)

type Options struct {
	// QueueLen bounds the pending batches; 0 => 256.
	QueueLen int
	// OnError receives errors returned by the wrapped listener.
	OnError func(error)
}

// Listener wraps another listener. It implements io.Closer so the cache
// drains it on Close.
type Listener[V any] struct {
	inner   kvcache.Listener[V]
	onError func(error)
	q       chan []kvcache.Event[V]
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	dropped atomic.Uint64
}

var (
	_ kvcache.Listener[int] = (*Listener[int])(nil)
	_ io.Closer             = (*Listener[int])(nil)
)

func New[V any](inner kvcache.Listener[V], opts Options) *Listener[V] {
	if opts.QueueLen <= 0 {
		opts.QueueLen = 256
	}
	l := &Listener[V]{
		inner:   inner,
		onError: opts.OnError,
		q:       make(chan []kvcache.Event[V], opts.QueueLen),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Listener[V]) run() {
	defer close(l.done)
	for batch := range l.q {
		if err := l.inner.OnEvents(context.Background(), batch); err != nil && l.onError != nil {
			l.onError(err)
		}
	}
}

// OnEvents queues a copy of events and returns immediately.
func (l *Listener[V]) OnEvents(_ context.Context, events []kvcache.Event[V]) error {
	batch := append([]kvcache.Event[V](nil), events...)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return nil
	}
	select {
	case l.q <- batch:
	default:
		l.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of discarded batches.
func (l *Listener[V]) Dropped() uint64 { return l.dropped.Load() }

// Close delivers what is queued and stops the worker.
func (l *Listener[V]) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.q)
		l.mu.Unlock()
	})
	<-l.done
	if c, ok := l.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
