package kvcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// EventType classifies an entry event.
type EventType uint8

const (
	Created EventType = iota + 1
	Updated
	Removed
	// Expired is reserved for stores that report expirations; the cache itself
	// never observes an expiry and does not produce it.
	Expired
)

func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event describes one logical change to an entry.
// For Removed, Value is the removed value. OldValue is only set for listeners
// registered with OldValueRequired.
type Event[V any] struct {
	Type        EventType
	Key         string
	Value       V
	OldValue    V
	HasOldValue bool
	Source      Cache[V]
}

// Listener receives the events of one operation, in production order.
type Listener[V any] interface {
	OnEvents(ctx context.Context, events []Event[V]) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc[V any] func(ctx context.Context, events []Event[V]) error

func (f ListenerFunc[V]) OnEvents(ctx context.Context, events []Event[V]) error {
	return f(ctx, events)
}

// ListenerConfig registers a Listener. The config pointer is the registration
// identity used by DeregisterListener.
type ListenerConfig[V any] struct {
	Listener Listener[V]
	// Types limits delivery to these event types; empty means all.
	Types []EventType
	// Filter drops events it returns false for; nil accepts everything.
	Filter func(Event[V]) bool
	// OldValueRequired keeps Event.OldValue populated.
	OldValueRequired bool
}

func (lc *ListenerConfig[V]) accepts(ev Event[V]) bool {
	if len(lc.Types) > 0 {
		ok := false
		for _, t := range lc.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return lc.Filter == nil || lc.Filter(ev)
}

// registry is a copy-on-write list of listener configs. Dispatch reads a
// snapshot without locking; mutations serialize on mu.
type registry[V any] struct {
	mu   sync.Mutex
	list atomic.Pointer[[]*ListenerConfig[V]]
}

func (r *registry[V]) snapshot() []*ListenerConfig[V] {
	if p := r.list.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *registry[V]) add(lc *ListenerConfig[V]) error {
	if lc == nil || lc.Listener == nil {
		return invalidArg("listener config and listener must be set")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot()
	for _, x := range cur {
		if x == lc {
			return invalidArg("listener config already registered")
		}
	}
	next := make([]*ListenerConfig[V], 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, lc)
	r.list.Store(&next)
	return nil
}

func (r *registry[V]) remove(lc *ListenerConfig[V]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot()
	next := make([]*ListenerConfig[V], 0, len(cur))
	for _, x := range cur {
		if x != lc {
			next = append(next, x)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	r.list.Store(&next)
	return true
}

func (c *cache[V]) RegisterListener(lc *ListenerConfig[V]) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.listeners.add(lc)
}

func (c *cache[V]) DeregisterListener(lc *ListenerConfig[V]) {
	if lc == nil {
		return
	}
	if c.listeners.remove(lc) {
		c.log.Debug("listener deregistered", Fields{"cache": c.name})
	}
}

// batch collects the events of one logical operation. Bulk operations queue
// from several goroutines, hence the mutex.
type batch[V any] struct {
	c      *cache[V]
	mu     sync.Mutex
	events []Event[V]
}

func (c *cache[V]) newBatch() *batch[V] { return &batch[V]{c: c} }

func (b *batch[V]) queue(ev Event[V]) {
	ev.Source = b.c
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

// dispatch delivers the queued events and empties the batch.
func (b *batch[V]) dispatch(ctx context.Context) {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.mu.Unlock()
	if len(events) == 0 {
		return
	}
	b.c.deliver(ctx, events)
}

// queueAndDispatch is the single-event shortcut used by single-key operations.
func (c *cache[V]) queueAndDispatch(ctx context.Context, ev Event[V]) {
	b := c.newBatch()
	b.queue(ev)
	b.dispatch(ctx)
}

func (c *cache[V]) deliver(ctx context.Context, events []Event[V]) {
	for _, lc := range c.listeners.snapshot() {
		if n, err := deliverTo(ctx, lc, events); err != nil {
			c.log.Warn("listener failed", Fields{"cache": c.name, "key": events[0].Key, "events": n, "err": err})
			c.hooks.ListenerFailed(events[0].Key, err)
		}
	}
}

// deliverTo filters events for lc and hands them over. Panics raised by the
// Filter or the Listener are returned as errors. n is the number of events
// that passed the filter.
func deliverTo[V any](ctx context.Context, lc *ListenerConfig[V], events []Event[V]) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	var out []Event[V]
	for _, ev := range events {
		if !lc.accepts(ev) {
			continue
		}
		if !lc.OldValueRequired {
			var zero V
			ev.OldValue, ev.HasOldValue = zero, false
		}
		out = append(out, ev)
	}
	if len(out) == 0 {
		return 0, nil
	}
	return len(out), lc.Listener.OnEvents(ctx, out)
}

// event builds an event with the old value attached when there is one.
func event[V any](t EventType, key string, value V, old V, hasOld bool) Event[V] {
	return Event[V]{Type: t, Key: key, Value: value, OldValue: old, HasOldValue: hasOld}
}
