package kvcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/unkn0wn-root/kvcache/expiry"
	"github.com/unkn0wn-root/kvcache/store"
)

// lifetime resolves the decision for op and, when the write must persist, its store TTL.
func (c *cache[V]) lifetime(op expiry.Operation) (expiry.Decision, time.Duration, error) {
	d, err := c.decide(op)
	if err != nil || !d.Persist() {
		return d, 0, err
	}
	ttl, err := d.TTL()
	return d, ttl, err
}

// oldValue decodes a previous payload for an event. A payload the codec cannot
// read only costs the event its old value.
func (c *cache[V]) oldValue(key string, payload []byte) (V, bool) {
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.log.Debug("old value not decodable", Fields{"cache": c.name, "key": key, "err": err})
		var zero V
		return zero, false
	}
	return v, true
}

func (c *cache[V]) writeEvent(key string, v V, cur store.Entry, found bool) Event[V] {
	if !found {
		var zero V
		return event(Created, key, v, zero, false)
	}
	old, ok := c.oldValue(key, cur.Value)
	return event(Updated, key, v, old, ok)
}

func (c *cache[V]) removeEvent(key string, cur store.Entry) Event[V] {
	old, ok := c.oldValue(key, cur.Value)
	return event(Removed, key, old, old, ok)
}

func (c *cache[V]) Put(ctx context.Context, key string, v V) error {
	if err := c.checkEntry(key, v); err != nil {
		return err
	}
	st := c.recorder()
	start := st.start()
	if _, _, err := c.put(ctx, key, v); err != nil {
		return err
	}
	st.put(1)
	st.putTime(start)
	return nil
}

// put writes v unconditionally and reports the entry it replaced, if any.
func (c *cache[V]) put(ctx context.Context, key string, v V) (store.Entry, bool, error) {
	sk := c.storageKey(key)
	payload, err := c.codec.Encode(v)
	if err != nil {
		return store.Entry{}, false, c.fail("put", key, err)
	}
	cur, found, err := c.store.Get(ctx, sk)
	if err != nil {
		return store.Entry{}, false, c.fail("put", key, err)
	}
	op := expiry.Creation
	if found {
		op = expiry.Update
	}
	d, ttl, err := c.lifetime(op)
	if err != nil {
		return store.Entry{}, false, err
	}
	if !d.Persist() {
		c.log.Debug("put not persisted (expires immediately)", Fields{"cache": c.name, "key": key, "op": op.String()})
		return cur, found, nil
	}
	if _, err := c.store.Upsert(ctx, sk, payload, ttl); err != nil {
		return store.Entry{}, false, c.fail("put", key, err)
	}
	c.queueAndDispatch(ctx, c.writeEvent(key, v, cur, found))
	c.writeThrough(ctx, key, v)
	return cur, found, nil
}

// PutAll validates every entry first, then puts them in key order.
func (c *cache[V]) PutAll(ctx context.Context, items map[string]V) error {
	keys := make([]string, 0, len(items))
	for k, v := range items {
		if err := c.checkEntry(k, v); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.Put(ctx, k, items[k]); err != nil {
			return err
		}
	}
	return nil
}

func (c *cache[V]) PutIfAbsent(ctx context.Context, key string, v V) (bool, error) {
	if err := c.checkEntry(key, v); err != nil {
		return false, err
	}
	st := c.recorder()
	start := st.start()
	sk := c.storageKey(key)

	_, found, err := c.store.Get(ctx, sk)
	if err != nil {
		return false, c.fail("putIfAbsent", key, err)
	}
	if found {
		st.hit(1)
		return false, nil
	}
	d, ttl, err := c.lifetime(expiry.Creation)
	if err != nil {
		return false, err
	}
	if !d.Persist() {
		// nothing would be created; the key stays absent
		st.miss(1)
		return false, nil
	}
	payload, err := c.codec.Encode(v)
	if err != nil {
		return false, c.fail("putIfAbsent", key, err)
	}
	res, err := c.store.Insert(ctx, sk, payload, ttl)
	if err != nil {
		return false, c.fail("putIfAbsent", key, err)
	}
	if res.Outcome == store.AlreadyExists {
		c.log.Debug("putIfAbsent lost to a concurrent creator", Fields{"cache": c.name, "key": key})
		st.hit(1)
		return false, nil
	}
	var zero V
	c.queueAndDispatch(ctx, event(Created, key, v, zero, false))
	c.writeThrough(ctx, key, v)
	st.miss(1)
	st.put(1)
	st.putTime(start)
	return true, nil
}

func (c *cache[V]) GetAndPut(ctx context.Context, key string, v V) (V, bool, error) {
	var zero V
	if err := c.checkEntry(key, v); err != nil {
		return zero, false, err
	}
	st := c.recorder()
	start := st.start()

	cur, found, err := c.put(ctx, key, v)
	if err != nil {
		return zero, false, err
	}
	var old V
	if found {
		if old, err = c.codec.Decode(cur.Value); err != nil {
			return zero, false, c.fail("getAndPut", key, err)
		}
		st.hit(1)
	} else {
		st.miss(1)
	}
	st.put(1)
	st.getTime(start)
	st.putTime(start)
	return old, found, nil
}

func (c *cache[V]) Remove(ctx context.Context, key string) (bool, error) {
	if err := c.checkKey(key); err != nil {
		return false, err
	}
	st := c.recorder()
	start := st.start()
	sk := c.storageKey(key)

	cur, found, err := c.store.Get(ctx, sk)
	if err != nil {
		return false, c.fail("remove", key, err)
	}
	if !found {
		return false, nil
	}
	res, err := c.store.Delete(ctx, sk, 0)
	if err != nil {
		return false, c.fail("remove", key, err)
	}
	if res.Outcome == store.NotFound {
		// deleted concurrently after our read; the entry is gone either way
		c.log.Debug("remove raced with another delete", Fields{"cache": c.name, "key": key})
	}
	c.queueAndDispatch(ctx, c.removeEvent(key, cur))
	c.deleteThrough(ctx, key)
	st.removal(1)
	st.removeTime(start)
	return true, nil
}

func (c *cache[V]) RemoveValue(ctx context.Context, key string, expected V) (bool, error) {
	if err := c.checkEntry(key, expected); err != nil {
		return false, err
	}
	st := c.recorder()
	start := st.start()
	sk := c.storageKey(key)

	cur, found, err := c.store.Get(ctx, sk)
	if err != nil {
		return false, c.fail("removeValue", key, err)
	}
	if !found {
		st.miss(1)
		st.getTime(start)
		return false, nil
	}
	curV, eq, err := c.equalTo(cur.Value, expected)
	if err != nil {
		return false, c.fail("removeValue", key, err)
	}
	st.hit(1)
	if !eq {
		st.getTime(start)
		return false, nil
	}
	res, err := c.store.Delete(ctx, sk, cur.Version)
	if err != nil {
		return false, c.fail("removeValue", key, err)
	}
	if res.Outcome == store.Conflict {
		c.log.Debug("removeValue lost to a concurrent write", Fields{"cache": c.name, "key": key})
		st.getTime(start)
		return false, nil
	}
	c.queueAndDispatch(ctx, event(Removed, key, curV, curV, true))
	c.deleteThrough(ctx, key)
	st.removal(1)
	st.getTime(start)
	st.removeTime(start)
	return true, nil
}

func (c *cache[V]) GetAndRemove(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := c.checkKey(key); err != nil {
		return zero, false, err
	}
	st := c.recorder()
	start := st.start()
	sk := c.storageKey(key)

	cur, found, err := c.store.Get(ctx, sk)
	if err != nil {
		return zero, false, c.fail("getAndRemove", key, err)
	}
	if !found {
		st.miss(1)
		st.getTime(start)
		return zero, false, nil
	}
	old, err := c.codec.Decode(cur.Value)
	if err != nil {
		return zero, false, c.fail("getAndRemove", key, err)
	}
	res, err := c.store.Delete(ctx, sk, 0)
	if err != nil {
		return zero, false, c.fail("getAndRemove", key, err)
	}
	if res.Outcome == store.NotFound {
		st.miss(1)
		st.getTime(start)
		return zero, false, nil
	}
	c.queueAndDispatch(ctx, event(Removed, key, old, old, true))
	c.deleteThrough(ctx, key)
	st.hit(1)
	st.removal(1)
	st.getTime(start)
	st.removeTime(start)
	return old, true, nil
}

func (c *cache[V]) RemoveKeys(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := c.Remove(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (c *cache[V]) Replace(ctx context.Context, key string, v V) (bool, error) {
	_, ok, err := c.replace(ctx, "replace", key, v, nil)
	return ok, err
}

func (c *cache[V]) ReplaceValue(ctx context.Context, key string, expected, v V) (bool, error) {
	if isNil(expected) {
		if err := c.checkOpen(); err != nil {
			return false, err
		}
		return false, invalidArg("nil expected value for key %q", key)
	}
	_, ok, err := c.replace(ctx, "replaceValue", key, v, &expected)
	return ok, err
}

func (c *cache[V]) GetAndReplace(ctx context.Context, key string, v V) (V, bool, error) {
	return c.replace(ctx, "getAndReplace", key, v, nil)
}

// replace is the shared body of the replace family. When expected is set the
// current value must equal it. It returns the value the winning write replaced.
func (c *cache[V]) replace(ctx context.Context, op, key string, v V, expected *V) (V, bool, error) {
	var zero V
	if err := c.checkEntry(key, v); err != nil {
		return zero, false, err
	}
	st := c.recorder()
	start := st.start()
	sk := c.storageKey(key)

	payload, err := c.codec.Encode(v)
	if err != nil {
		return zero, false, c.fail(op, key, err)
	}
	cur, found, err := c.store.Get(ctx, sk)
	if err != nil {
		return zero, false, c.fail(op, key, err)
	}
	if !found {
		st.miss(1)
		st.getTime(start)
		return zero, false, nil
	}

	var curV V
	if expected != nil {
		var eq bool
		if curV, eq, err = c.equalTo(cur.Value, *expected); err != nil {
			return zero, false, c.fail(op, key, err)
		}
		if !eq {
			st.hit(1)
			st.getTime(start)
			return zero, false, nil
		}
	} else if curV, err = c.codec.Decode(cur.Value); err != nil {
		return zero, false, c.fail(op, key, err)
	}

	d, ttl, err := c.lifetime(expiry.Update)
	if err != nil {
		return zero, false, err
	}
	if !d.Persist() {
		st.hit(1)
		st.put(1)
		st.getTime(start)
		return curV, true, nil
	}

	prev, ok, err := c.casReplace(ctx, key, sk, cur, payload, ttl)
	if err != nil {
		return zero, false, c.fail(op, key, err)
	}
	if !ok {
		st.miss(1)
		st.getTime(start)
		return zero, false, nil
	}
	if prev.Version != cur.Version {
		// the locked retry replaced a newer value than the one we compared
		if curV, err = c.codec.Decode(prev.Value); err != nil {
			return zero, false, c.fail(op, key, err)
		}
	}
	c.queueAndDispatch(ctx, event(Updated, key, v, curV, true))
	c.writeThrough(ctx, key, v)
	st.hit(1)
	st.put(1)
	st.getTime(start)
	st.putTime(start)
	return curV, true, nil
}

// casReplace writes payload at cur's version. On a version conflict it retries
// exactly once: it locks the key, re-reads it and writes at the locked version
// without re-evaluating the caller's precondition. It returns the entry the
// successful write replaced; ok is false when the key disappeared or the
// locked attempt lost as well.
func (c *cache[V]) casReplace(ctx context.Context, key, sk string, cur store.Entry, payload []byte, ttl time.Duration) (store.Entry, bool, error) {
	res, err := c.store.Replace(ctx, sk, payload, cur.Version, ttl)
	if err != nil {
		return store.Entry{}, false, err
	}
	switch res.Outcome {
	case store.OK:
		return cur, true, nil
	case store.NotFound:
		return store.Entry{}, false, nil
	case store.Conflict:
	default:
		return store.Entry{}, false, fmt.Errorf("unexpected replace outcome %s", res.Outcome)
	}

	c.log.Debug("replace conflict, retrying under lock", Fields{"cache": c.name, "key": key, "version": cur.Version})
	c.hooks.ConflictRetry(key)

	locked, found, err := c.lockForUpdate(ctx, key, sk)
	if err != nil {
		return store.Entry{}, false, err
	}
	if !found {
		return store.Entry{}, false, nil
	}
	res, err = c.store.Replace(ctx, sk, payload, locked.Version, ttl)
	if err != nil {
		return store.Entry{}, false, err
	}
	switch res.Outcome {
	case store.OK:
		return locked, true, nil
	case store.NotFound, store.Conflict:
		c.log.Debug("locked replace lost", Fields{"cache": c.name, "key": key, "outcome": res.Outcome.String()})
		return store.Entry{}, false, nil
	default:
		return store.Entry{}, false, fmt.Errorf("unexpected replace outcome %s", res.Outcome)
	}
}

// lockForUpdate locks sk, polling while another caller holds the lock, for at
// most the lock timeout.
func (c *cache[V]) lockForUpdate(ctx context.Context, key, sk string) (store.Entry, bool, error) {
	deadline := time.Now().Add(c.lockTimeout)
	poll := max(c.lockTimeout/20, time.Millisecond)
	contended := false
	for {
		e, ok, err := c.store.GetAndLock(ctx, sk, c.lockTimeout)
		if !errors.Is(err, store.ErrLocked) {
			return e, ok, err
		}
		if !contended {
			contended = true
			c.log.Debug("key locked by another caller, waiting", Fields{"cache": c.name, "key": key})
			c.hooks.LockContended(key)
		}
		if !time.Now().Before(deadline) {
			return store.Entry{}, false, fmt.Errorf("lock not acquired within %s: %w", c.lockTimeout, err)
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return store.Entry{}, false, ctx.Err()
		case <-t.C:
		}
	}
}
