package kvcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	c "github.com/unkn0wn-root/kvcache/codec"
	"github.com/unkn0wn-root/kvcache/expiry"
	"github.com/unkn0wn-root/kvcache/store"
)

const (
	defaultName            = "default"
	defaultLockTimeout     = time.Second
	defaultBulkConcurrency = 8
)

type cache[V any] struct {
	name   string
	prefix string

	store store.Store
	enum  store.Enumerator
	codec c.Codec[V]
	equal func(a, b V) bool

	policy expiry.Policy

	loader         Loader[V]
	readThroughOn  bool
	writer         Writer[V]
	writeThroughOn bool

	lockTimeout     time.Duration
	bulkConcurrency int

	log   Logger
	hooks Hooks

	stats   stats
	statsOn atomic.Bool

	listeners registry[V]

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Cache[struct{}] = (*cache[struct{}])(nil)

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("kvcache: store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("kvcache: codec is required")
	}
	if opts.ReadThrough && opts.Loader == nil {
		return nil, fmt.Errorf("kvcache: read-through requires a loader")
	}
	if opts.WriteThrough && opts.Writer == nil {
		return nil, fmt.Errorf("kvcache: write-through requires a writer")
	}
	if opts.LockTimeout < 0 || opts.BulkConcurrency < 0 {
		return nil, fmt.Errorf("kvcache: lock timeout and bulk concurrency must not be negative")
	}

	var log Logger = NopLogger{}
	if opts.Logger != nil {
		log = opts.Logger
	}
	var hooks Hooks = NopHooks{}
	if opts.Hooks != nil {
		hooks = opts.Hooks
	}
	var policy expiry.Policy = expiry.EternalPolicy
	if opts.ExpiryPolicy != nil {
		policy = opts.ExpiryPolicy
	}

	cc := &cache[V]{
		name:            coalesce(opts.Name, defaultName),
		store:           opts.Store,
		enum:            opts.Enumerator,
		codec:           opts.Codec,
		equal:           opts.Equal,
		policy:          policy,
		loader:          opts.Loader,
		readThroughOn:   opts.ReadThrough,
		writer:          opts.Writer,
		writeThroughOn:  opts.WriteThrough,
		lockTimeout:     coalesce(opts.LockTimeout, defaultLockTimeout),
		bulkConcurrency: coalesce(opts.BulkConcurrency, defaultBulkConcurrency),
		log:             log,
		hooks:           hooks,
	}
	if opts.Namespace != "" {
		cc.prefix = opts.Namespace + ":"
	}
	if cc.enum == nil {
		if e, ok := opts.Store.(store.Enumerator); ok {
			cc.enum = e
		}
	}
	cc.statsOn.Store(opts.StatisticsEnabled)
	for _, lc := range opts.Listeners {
		if err := cc.listeners.add(lc); err != nil {
			return nil, err
		}
	}
	log.Debug("cache created", Fields{"cache": cc.name, "namespace": opts.Namespace, "enumerable": cc.enum != nil})
	return cc, nil
}

func (c *cache[V]) Name() string { return c.name }

func (c *cache[V]) IsClosed() bool { return c.closed.Load() }

func (c *cache[V]) checkOpen() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %s", ErrClosed, c.name)
	}
	return nil
}

func (c *cache[V]) checkKey(key string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if key == "" {
		return invalidArg("empty key")
	}
	return nil
}

func (c *cache[V]) checkEntry(key string, v V) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	if isNil(v) {
		return invalidArg("nil value for key %q", key)
	}
	return nil
}

func (c *cache[V]) storageKey(key string) string { return c.prefix + key }

func (c *cache[V]) userKey(sk string) (string, bool) {
	if !strings.HasPrefix(sk, c.prefix) {
		return "", false
	}
	return sk[len(c.prefix):], true
}

func (c *cache[V]) decide(op expiry.Operation) (expiry.Decision, error) {
	return expiry.Decide(c.policy, op)
}

// equalTo reports whether the stored payload holds a value equal to expected.
// It also returns the decoded stored value.
func (c *cache[V]) equalTo(payload []byte, expected V) (V, bool, error) {
	cur, err := c.codec.Decode(payload)
	if err != nil {
		return cur, false, err
	}
	if c.equal != nil {
		return cur, c.equal(cur, expected), nil
	}
	want, err := c.codec.Encode(expected)
	if err != nil {
		return cur, false, err
	}
	return cur, bytes.Equal(payload, want), nil
}

// touchIfNeeded applies the access lifetime after a hit.
func (c *cache[V]) touchIfNeeded(ctx context.Context, sk string) error {
	d, err := c.decide(expiry.Access)
	if err != nil {
		return err
	}
	if !d.Refresh() {
		return nil
	}
	ttl, err := d.TTL()
	if err != nil {
		return err
	}
	// NotFound means the entry went away after the read; nothing to refresh.
	if _, err := c.store.Touch(ctx, sk, ttl); err != nil {
		return err
	}
	return nil
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := c.checkKey(key); err != nil {
		return zero, false, err
	}
	st := c.recorder()
	start := st.start()
	sk := c.storageKey(key)

	e, ok, err := c.store.Get(ctx, sk)
	if err != nil {
		return zero, false, c.fail("get", key, err)
	}
	if ok {
		v, err := c.codec.Decode(e.Value)
		if err != nil {
			return zero, false, c.fail("get", key, err)
		}
		if err := c.touchIfNeeded(ctx, sk); err != nil {
			return zero, false, c.fail("get", key, err)
		}
		st.hit(1)
		st.getTime(start)
		return v, true, nil
	}

	st.miss(1)
	v, ok, err := c.readThrough(ctx, key, sk)
	st.getTime(start)
	return v, ok, err
}

// readThrough loads key after a miss and inserts it under the creation lifetime.
// When a concurrent creator wins the insert, loading is abandoned and the key
// reads as absent.
func (c *cache[V]) readThrough(ctx context.Context, key, sk string) (V, bool, error) {
	var zero V
	if !c.readThroughOn {
		return zero, false, nil
	}
	v, ok, err := c.loader.Load(ctx, key)
	if err != nil {
		c.log.Warn("load failed", Fields{"cache": c.name, "key": key, "err": err})
		c.hooks.LoadFailed(key, err)
		return zero, false, c.fail("load", key, err)
	}
	if !ok || isNil(v) {
		return zero, false, nil
	}

	d, err := c.decide(expiry.Creation)
	if err != nil {
		return zero, false, err
	}
	if !d.Persist() {
		return v, true, nil
	}
	ttl, err := d.TTL()
	if err != nil {
		return zero, false, err
	}
	payload, err := c.codec.Encode(v)
	if err != nil {
		return zero, false, c.fail("load", key, err)
	}
	res, err := c.store.Insert(ctx, sk, payload, ttl)
	if err != nil {
		return zero, false, c.fail("load", key, err)
	}
	if res.Outcome != store.OK {
		// a concurrent creator won; its value is the stored one, not ours
		c.log.Debug("read-through insert lost to a concurrent creator", Fields{"cache": c.name, "key": key})
		return zero, false, nil
	}
	c.queueAndDispatch(ctx, event(Created, key, v, zero, false))
	return v, true, nil
}

func (c *cache[V]) GetAll(ctx context.Context, keys []string) (map[string]V, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]V, len(keys))
	for _, k := range keys {
		v, ok, err := c.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (c *cache[V]) ContainsKey(ctx context.Context, key string) (bool, error) {
	if err := c.checkKey(key); err != nil {
		return false, err
	}
	_, ok, err := c.store.Get(ctx, c.storageKey(key))
	if err != nil {
		return false, c.fail("containsKey", key, err)
	}
	return ok, nil
}

// Close closes the loader, writer, expiry policy and listeners that implement
// io.Closer, then the store. Failures are logged and joined; Close is idempotent.
func (c *cache[V]) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var errs []error
		closeIf := func(what string, x any) {
			cl, ok := x.(io.Closer)
			if !ok {
				return
			}
			if err := cl.Close(); err != nil {
				c.log.Warn("close failed", Fields{"cache": c.name, "component": what, "err": err})
				errs = append(errs, fmt.Errorf("close %s: %w", what, err))
			}
		}
		if c.loader != nil {
			closeIf("loader", c.loader)
		}
		if c.writer != nil {
			closeIf("writer", c.writer)
		}
		closeIf("expiry policy", c.policy)
		for _, lc := range c.listeners.snapshot() {
			closeIf("listener", lc.Listener)
		}
		if err := c.store.Close(ctx); err != nil {
			c.log.Error("store close failed", Fields{"cache": c.name, "err": err})
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		c.closeErr = errors.Join(errs...)
		c.log.Info("cache closed", Fields{"cache": c.name})
	})
	return c.closeErr
}
