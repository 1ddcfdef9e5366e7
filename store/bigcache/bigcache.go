// Package bigcache is an in-process store.Store on BigCache.
//
// BigCache has no compare-and-swap, so writes serialize on a striped mutex
// chosen by xxhash of the key. Records use the internal/wire envelope for
// version, per-entry expiry and lock. BigCache's own LifeWindow and size limit
// still apply on top: an entry may be evicted before its expiry, which the
// cache sees as a miss.
package bigcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bc "github.com/allegro/bigcache/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/kvcache/internal/wire"
	"github.com/unkn0wn-root/kvcache/store"
)

const stripes = 256

type Store struct {
	c     *bc.BigCache
	locks [stripes]sync.Mutex
	seq   atomic.Uint64
	now   func() time.Time
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Enumerator = (*Store)(nil)
)

type Config struct {
	LifeWindow         time.Duration // hard upper bound on any entry; 0 => 30 days
	CleanWindow        time.Duration
	Shards             int // power of two; 0 => 64
	MaxEntriesInWindow int // sizing hint; 0 => 10_000
	MaxEntrySize       int // sizing hint in bytes; 0 => 512
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
	Now                func() time.Time
}

func New(cfg Config) (*Store, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 30 * 24 * time.Hour
	}
	conf := bc.DefaultConfig(life)
	conf.Shards = 64
	conf.MaxEntriesInWindow = 10_000
	conf.MaxEntrySize = 512
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	s := &Store{c: c, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) lock(key string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(key)%stripes]
}

// load returns the live record for key. Caller holds the key's stripe.
func (s *Store) load(key string, now time.Time) (wire.Record, bool, error) {
	raw, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return wire.Record{}, false, nil
	}
	if err != nil {
		return wire.Record{}, false, err
	}
	r, err := wire.Decode(raw)
	if err != nil {
		return wire.Record{}, false, store.ErrCorrupt
	}
	if r.Expired(now) {
		_ = s.c.Delete(key)
		return wire.Record{}, false, nil
	}
	return r, true, nil
}

func (s *Store) put(key string, r wire.Record) (uint64, error) {
	r.Version = s.seq.Add(1)
	return r.Version, s.c.Set(key, wire.Encode(r))
}

func expiresAt(now time.Time, ttl time.Duration, current time.Time) time.Time {
	switch {
	case ttl == store.KeepTTL:
		return current
	case ttl <= 0:
		return time.Time{}
	default:
		return now.Add(ttl)
	}
}

func toEntry(key string, r wire.Record, now time.Time) store.Entry {
	e := store.Entry{Key: key, Value: r.Payload, Version: r.Version}
	if !r.ExpiresAt.IsZero() {
		e.TTL = r.ExpiresAt.Sub(now)
	}
	return e
}

func (s *Store) Get(_ context.Context, key string) (store.Entry, bool, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	now := s.now()
	r, ok, err := s.load(key, now)
	if err != nil || !ok {
		return store.Entry{}, false, err
	}
	return toEntry(key, r, now), true, nil
}

func (s *Store) Insert(_ context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	now := s.now()
	if _, ok, err := s.load(key, now); err != nil || ok {
		if err != nil {
			return store.Result{}, err
		}
		return store.ResultAlreadyExists, nil
	}
	ver, err := s.put(key, wire.Record{ExpiresAt: expiresAt(now, ttl, time.Time{}), Payload: value})
	if err != nil {
		return store.Result{}, err
	}
	return store.Success(ver), nil
}

func (s *Store) Upsert(_ context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	now := s.now()
	cur, _, err := s.load(key, now)
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		return store.Result{}, err
	}
	ver, err := s.put(key, wire.Record{ExpiresAt: expiresAt(now, ttl, cur.ExpiresAt), Payload: value})
	if err != nil {
		return store.Result{}, err
	}
	return store.Success(ver), nil
}

func (s *Store) Replace(_ context.Context, key string, value []byte, version uint64, ttl time.Duration) (store.Result, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	now := s.now()
	cur, ok, err := s.load(key, now)
	switch {
	case err != nil:
		return store.Result{}, err
	case !ok:
		return store.ResultNotFound, nil
	case cur.Version != version:
		return store.ResultConflict, nil
	}
	ver, err := s.put(key, wire.Record{ExpiresAt: expiresAt(now, ttl, cur.ExpiresAt), Payload: value})
	if err != nil {
		return store.Result{}, err
	}
	return store.Success(ver), nil
}

func (s *Store) Delete(_ context.Context, key string, version uint64) (store.Result, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	cur, ok, err := s.load(key, s.now())
	switch {
	case err != nil:
		return store.Result{}, err
	case !ok:
		return store.ResultNotFound, nil
	case version != 0 && cur.Version != version:
		return store.ResultConflict, nil
	}
	if err := s.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return store.Result{}, err
	}
	return store.Success(0), nil
}

func (s *Store) Touch(_ context.Context, key string, ttl time.Duration) (store.Result, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	now := s.now()
	cur, ok, err := s.load(key, now)
	if err != nil || !ok {
		if err != nil {
			return store.Result{}, err
		}
		return store.ResultNotFound, nil
	}
	cur.ExpiresAt = expiresAt(now, ttl, cur.ExpiresAt)
	if err := s.c.Set(key, wire.Encode(cur)); err != nil {
		return store.Result{}, err
	}
	return store.Success(cur.Version), nil
}

func (s *Store) GetAndLock(_ context.Context, key string, lockTime time.Duration) (store.Entry, bool, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	now := s.now()
	cur, ok, err := s.load(key, now)
	if err != nil || !ok {
		return store.Entry{}, false, err
	}
	if cur.Locked(now) {
		return store.Entry{}, false, store.ErrLocked
	}
	cur.LockUntil = now.Add(lockTime)
	ver, err := s.put(key, cur)
	if err != nil {
		return store.Entry{}, false, err
	}
	cur.Version = ver
	return toEntry(key, cur, now), true, nil
}

// Keys lists a snapshot of live keys with prefix. Order is unspecified.
func (s *Store) Keys(_ context.Context, prefix string) (store.KeyIterator, error) {
	now := s.now()
	var keys []string
	it := s.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			// entry evicted while iterating
			continue
		}
		k := info.Key()
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if r, err := wire.Decode(info.Value()); err != nil || r.Expired(now) {
			continue
		}
		keys = append(keys, k)
	}
	return store.NewSliceKeys(keys), nil
}

// Len is the number of stored records, expired ones included.
func (s *Store) Len() int { return s.c.Len() }

func (s *Store) Close(_ context.Context) error {
	return s.c.Close()
}
