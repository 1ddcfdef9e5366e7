package kvcache

import (
	"context"

	"github.com/unkn0wn-root/kvcache/store"
)

// Iterator walks every entry of the cache once, fetching lazily as Next is
// called. It is not restartable. Each visited entry counts as a hit and has its
// access lifetime applied.
//
//	it, err := cache.Iterator(ctx)
//	if err != nil { ... }
//	defer it.Close()
//	for it.Next(ctx) {
//		item := it.Item()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[V any] struct {
	c    *cache[V]
	keys store.KeyIterator
	item *Item[V]
	err  error
	done bool
}

// Item is the entry the iterator is positioned on.
type Item[V any] struct {
	Key   string
	Value V

	it      *Iterator[V]
	sk      string
	removed bool
}

func (c *cache[V]) Iterator(ctx context.Context) (*Iterator[V], error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	keys, err := c.keys(ctx, "iterator")
	if err != nil {
		return nil, err
	}
	return &Iterator[V]{c: c, keys: keys}, nil
}

// Next advances to the next live entry. It returns false at the end or on
// error; check Err afterwards.
func (it *Iterator[V]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	it.item = nil
	c := it.c
	for {
		if err := c.checkOpen(); err != nil {
			return it.stop(err)
		}
		sk, ok, err := it.keys.Next(ctx)
		if err != nil {
			return it.stop(c.fail("iterator", "", err))
		}
		if !ok {
			return it.stop(nil)
		}
		key, mine := c.userKey(sk)
		if !mine {
			continue
		}

		st := c.recorder()
		start := st.start()
		e, found, err := c.store.Get(ctx, sk)
		if err != nil {
			return it.stop(c.fail("iterator", key, err))
		}
		if !found {
			c.hooks.EnumerationSkipped(key)
			continue
		}
		v, err := c.codec.Decode(e.Value)
		if err != nil {
			return it.stop(c.fail("iterator", key, err))
		}
		if err := c.touchIfNeeded(ctx, sk); err != nil {
			return it.stop(c.fail("iterator", key, err))
		}
		st.hit(1)
		st.getTime(start)

		it.item = &Item[V]{Key: key, Value: v, it: it, sk: sk}
		return true
	}
}

func (it *Iterator[V]) stop(err error) bool {
	it.err = err
	it.done = true
	_ = it.keys.Close()
	return false
}

// Item returns the current entry; nil before the first Next or after the end.
func (it *Iterator[V]) Item() *Item[V] { return it.item }

func (it *Iterator[V]) Err() error { return it.err }

func (it *Iterator[V]) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	it.item = nil
	return it.keys.Close()
}

// Remove deletes the entry from the cache. It counts as an eviction and emits
// Removed unless the entry was already gone.
func (i *Item[V]) Remove(ctx context.Context) error {
	c := i.it.c
	if err := c.checkOpen(); err != nil {
		return err
	}
	if i.removed {
		return invalidArg("entry %q already removed", i.Key)
	}
	st := c.recorder()
	start := st.start()

	res, err := c.store.Delete(ctx, i.sk, 0)
	if err != nil {
		return c.fail("iterator remove", i.Key, err)
	}
	i.removed = true
	if res.Outcome != store.OK {
		return nil
	}
	c.queueAndDispatch(ctx, event(Removed, i.Key, i.Value, i.Value, true))
	c.deleteThrough(ctx, i.Key)
	st.eviction(1)
	st.removeTime(start)
	return nil
}
