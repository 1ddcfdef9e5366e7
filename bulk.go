package kvcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/kvcache/expiry"
	"github.com/unkn0wn-root/kvcache/store"
)

// LoadAll loads keys through the Loader and stores them: absent keys are
// inserted, present keys are replaced only when replaceExisting is set.
// Per-key failures do not stop the other keys; they are returned together as
// a *LoadAllError after the batch of Created/Updated events was dispatched.
func (c *cache[V]) LoadAll(ctx context.Context, keys []string, replaceExisting bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	for _, k := range keys {
		if k == "" {
			return invalidArg("empty key in loadAll")
		}
	}
	if c.loader == nil || len(keys) == 0 {
		return nil
	}

	loaded, err := c.loader.LoadAll(ctx, keys)
	if err != nil {
		c.log.Warn("loadAll failed", Fields{"cache": c.name, "keys": len(keys), "err": err})
		c.hooks.LoadFailed("", err)
		return c.fail("loadAll", "", err)
	}

	b := c.newBatch()
	var (
		mu     sync.Mutex
		failed map[string]error
	)
	seen := make(map[string]struct{}, len(keys))
	g := new(errgroup.Group)
	g.SetLimit(c.bulkConcurrency)
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		v, ok := loaded[k]
		if !ok || isNil(v) {
			continue
		}
		g.Go(func() error {
			if err := c.loadOne(ctx, b, k, v, replaceExisting); err != nil {
				c.log.Warn("loadAll entry failed", Fields{"cache": c.name, "key": k, "err": err})
				c.hooks.LoadFailed(k, err)
				mu.Lock()
				if failed == nil {
					failed = make(map[string]error)
				}
				failed[k] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	b.dispatch(ctx)

	if len(failed) > 0 {
		return &LoadAllError{Failed: failed}
	}
	return nil
}

func (c *cache[V]) loadOne(ctx context.Context, b *batch[V], key string, v V, replaceExisting bool) error {
	sk := c.storageKey(key)
	payload, err := c.codec.Encode(v)
	if err != nil {
		return c.fail("loadAll", key, err)
	}
	cur, found, err := c.store.Get(ctx, sk)
	if err != nil {
		return c.fail("loadAll", key, err)
	}

	if !found {
		d, ttl, err := c.lifetime(expiry.Creation)
		if err != nil || !d.Persist() {
			return err
		}
		res, err := c.store.Insert(ctx, sk, payload, ttl)
		if err != nil {
			return c.fail("loadAll", key, err)
		}
		if res.Outcome == store.OK {
			var zero V
			b.queue(event(Created, key, v, zero, false))
		}
		return nil
	}

	if !replaceExisting {
		return nil
	}
	d, ttl, err := c.lifetime(expiry.Update)
	if err != nil || !d.Persist() {
		return err
	}
	res, err := c.store.Replace(ctx, sk, payload, cur.Version, ttl)
	if err != nil {
		return c.fail("loadAll", key, err)
	}
	if res.Outcome != store.OK {
		// a concurrent writer got there first; its value is newer than ours
		c.log.Debug("loadAll replace skipped", Fields{"cache": c.name, "key": key, "outcome": res.Outcome.String()})
		return nil
	}
	old, ok := c.oldValue(key, cur.Value)
	b.queue(event(Updated, key, v, old, ok))
	return nil
}

// LoadAllAsync runs LoadAll in the background and reports to l once it is done.
// Argument and state errors are returned synchronously.
func (c *cache[V]) LoadAllAsync(ctx context.Context, keys []string, replaceExisting bool, l CompletionListener) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	for _, k := range keys {
		if k == "" {
			return invalidArg("empty key in loadAll")
		}
	}
	go func() {
		err := c.LoadAll(ctx, keys, replaceExisting)
		if l == nil {
			return
		}
		if err != nil {
			l.OnFailure(err)
			return
		}
		l.OnCompletion()
	}()
	return nil
}

// keys opens a listing of this cache's namespace.
func (c *cache[V]) keys(ctx context.Context, op string) (store.KeyIterator, error) {
	if c.enum == nil {
		return nil, fmt.Errorf("%w: %s needs a store that implements store.Enumerator or Options.Enumerator (cache %s)",
			ErrEnumerationUnavailable, op, c.name)
	}
	it, err := c.enum.Keys(ctx, c.prefix)
	if err != nil {
		return nil, c.fail(op, "", err)
	}
	return it, nil
}

// RemoveAll deletes every entry, emitting one Removed event per entry this
// call actually deleted, dispatched as one batch.
func (c *cache[V]) RemoveAll(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	st := c.recorder()
	start := st.start()
	b := c.newBatch()
	n, err := c.removeEach(ctx, "removeAll", b)
	b.dispatch(ctx)
	if n > 0 {
		st.removal(n)
		st.removeTime(start)
	}
	return err
}

// Clear deletes every entry without events, statistics or write-through.
func (c *cache[V]) Clear(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := c.removeEach(ctx, "clear", nil)
	return err
}

// removeEach deletes every listed key on a bounded fan-out. With a batch it
// fetches each entry first so the Removed event carries the value, and
// propagates deletes to the writer. The first failure is returned after all
// keys were attempted.
func (c *cache[V]) removeEach(ctx context.Context, op string, b *batch[V]) (int64, error) {
	it, err := c.keys(ctx, op)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var removed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(c.bulkConcurrency)
	for {
		sk, ok, err := it.Next(ctx)
		if err != nil {
			_ = g.Wait()
			return removed.Load(), c.fail(op, "", err)
		}
		if !ok {
			break
		}
		key, mine := c.userKey(sk)
		if !mine {
			continue
		}
		g.Go(func() error {
			if b == nil {
				if _, err := c.store.Delete(ctx, sk, 0); err != nil {
					return c.fail(op, key, err)
				}
				return nil
			}
			cur, found, err := c.store.Get(ctx, sk)
			if err != nil {
				return c.fail(op, key, err)
			}
			if !found {
				c.hooks.EnumerationSkipped(key)
				return nil
			}
			res, err := c.store.Delete(ctx, sk, 0)
			if err != nil {
				return c.fail(op, key, err)
			}
			if res.Outcome != store.OK {
				return nil
			}
			removed.Add(1)
			b.queue(c.removeEvent(key, cur))
			c.deleteThrough(ctx, key)
			return nil
		})
	}
	err = g.Wait()
	c.log.Debug("bulk delete finished", Fields{"cache": c.name, "op": op, "removed": removed.Load()})
	return removed.Load(), err
}
