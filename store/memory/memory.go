// Package memory is an in-process store.Store.
//
// Entries live in a map guarded by one mutex; versions come from a store-wide
// counter so a deleted and re-created key never reuses a version. Expired
// entries are dropped lazily on access and by an optional sweep loop.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/kvcache/store"
)

type record struct {
	value       []byte
	version     uint64
	expiresAt   time.Time // zero => no expiry
	lockedUntil time.Time
}

// Store keeps entries in process memory.
type Store struct {
	mu  sync.Mutex
	m   map[string]*record
	seq uint64
	now func() time.Time

	closed    atomic.Bool
	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Enumerator = (*Store)(nil)
)

type Options struct {
	// CleanupInterval sweeps expired entries periodically; 0 disables the sweep.
	CleanupInterval time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

func New(opts Options) *Store {
	s := &Store{
		m:   make(map[string]*record),
		now: opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.CleanupInterval > 0 {
		s.ticker = time.NewTicker(opts.CleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Sweep()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

// live returns the unexpired record for k. Caller holds s.mu.
func (s *Store) live(k string, now time.Time) *record {
	r, ok := s.m[k]
	if !ok {
		return nil
	}
	if !r.expiresAt.IsZero() && !now.Before(r.expiresAt) {
		delete(s.m, k)
		return nil
	}
	return r
}

func (s *Store) nextVersion() uint64 {
	s.seq++
	return s.seq
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

func (s *Store) entry(k string, r *record, now time.Time) store.Entry {
	e := store.Entry{
		Key:     k,
		Value:   append([]byte(nil), r.value...),
		Version: r.version,
	}
	if !r.expiresAt.IsZero() {
		e.TTL = r.expiresAt.Sub(now)
	}
	return e
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

func (s *Store) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	if err := s.check(ctx); err != nil {
		return store.Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := s.live(key, now)
	if r == nil {
		return store.Entry{}, false, nil
	}
	return s.entry(key, r, now), true, nil
}

func (s *Store) Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	if err := s.check(ctx); err != nil {
		return store.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.live(key, now) != nil {
		return store.ResultAlreadyExists, nil
	}
	r := &record{
		value:     append([]byte(nil), value...),
		version:   s.nextVersion(),
		expiresAt: expiresAt(now, ttl, time.Time{}),
	}
	s.m[key] = r
	return store.Success(r.version), nil
}

func (s *Store) Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	if err := s.check(ctx); err != nil {
		return store.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var current time.Time
	if r := s.live(key, now); r != nil {
		current = r.expiresAt
	}
	r := &record{
		value:     append([]byte(nil), value...),
		version:   s.nextVersion(),
		expiresAt: expiresAt(now, ttl, current),
	}
	s.m[key] = r
	return store.Success(r.version), nil
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) (store.Result, error) {
	if err := s.check(ctx); err != nil {
		return store.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := s.live(key, now)
	if r == nil {
		return store.ResultNotFound, nil
	}
	if r.version != version {
		return store.ResultConflict, nil
	}
	r.value = append([]byte(nil), value...)
	r.version = s.nextVersion()
	r.expiresAt = expiresAt(now, ttl, r.expiresAt)
	r.lockedUntil = time.Time{}
	return store.Success(r.version), nil
}

func (s *Store) Delete(ctx context.Context, key string, version uint64) (store.Result, error) {
	if err := s.check(ctx); err != nil {
		return store.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.live(key, s.now())
	if r == nil {
		return store.ResultNotFound, nil
	}
	if version != 0 && r.version != version {
		return store.ResultConflict, nil
	}
	delete(s.m, key)
	return store.Success(0), nil
}

func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) (store.Result, error) {
	if err := s.check(ctx); err != nil {
		return store.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := s.live(key, now)
	if r == nil {
		return store.ResultNotFound, nil
	}
	r.expiresAt = expiresAt(now, ttl, r.expiresAt)
	return store.Success(r.version), nil
}

func (s *Store) GetAndLock(ctx context.Context, key string, lockTime time.Duration) (store.Entry, bool, error) {
	if err := s.check(ctx); err != nil {
		return store.Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := s.live(key, now)
	if r == nil {
		return store.Entry{}, false, nil
	}
	if now.Before(r.lockedUntil) {
		return store.Entry{}, false, store.ErrLocked
	}
	r.version = s.nextVersion()
	r.lockedUntil = now.Add(lockTime)
	return s.entry(key, r, now), true, nil
}

// Keys lists a sorted snapshot of live keys with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) (store.KeyIterator, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	now := s.now()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		if strings.HasPrefix(k, prefix) && s.live(k, now) != nil {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return store.NewSliceKeys(keys), nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k := range s.m {
		if s.live(k, now) != nil {
			n++
		}
	}
	return n
}

// Sweep drops expired entries.
func (s *Store) Sweep() {
	s.mu.Lock()
	now := s.now()
	for k := range s.m {
		s.live(k, now)
	}
	s.mu.Unlock()
}

// Close stops the sweep loop. Further calls fail with store.ErrClosed.
func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
	})
	return nil
}
