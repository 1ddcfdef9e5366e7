// Package bolt is a persistent single-node store.Store on bbolt.
//
// Records use the internal/wire envelope (version, expiry, lock, payload).
// Versions come from the bucket sequence, so they survive restarts and are
// never reused. Expired records are dropped lazily by the next write touching
// them or by Sweep.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unkn0wn-root/kvcache/internal/wire"
	"github.com/unkn0wn-root/kvcache/store"
)

type Store struct {
	db     *bolt.DB
	bucket []byte
	now    func() time.Time
	closed atomic.Bool
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Enumerator = (*Store)(nil)
)

type Options struct {
	// Bucket is the name of the Bolt bucket to use; default "kvcache".
	Bucket string
	// Timeout waits for the file lock on open; default 1s.
	Timeout time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Open initializes or opens a Store at the given path.
func Open(path string, opts Options) (*Store, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	bucket := []byte("kvcache")
	if opts.Bucket != "" {
		bucket = []byte(opts.Bucket)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, bucket: bucket, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

// load returns the live record at key. Payload aliases the bbolt page and is
// only valid inside the transaction.
func load(b *bolt.Bucket, key []byte, now time.Time) (wire.Record, bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return wire.Record{}, false, nil
	}
	r, err := wire.Decode(raw)
	if err != nil {
		return wire.Record{}, false, fmt.Errorf("%w: key %q", store.ErrCorrupt, key)
	}
	if r.Expired(now) {
		return wire.Record{}, false, nil
	}
	return r, true, nil
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
	e := store.Entry{Key: key, Value: append([]byte(nil), r.Payload...), Version: r.Version}
	if !r.ExpiresAt.IsZero() {
		e.TTL = r.ExpiresAt.Sub(now)
	}
	return e
}

// update runs fn on the live record for key in one read-write transaction.
// Expired records are deleted before fn sees them.
func (s *Store) update(ctx context.Context, key string, fn func(b *bolt.Bucket, cur wire.Record, found bool, now time.Time) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		k := []byte(key)
		now := s.now()
		cur, found, err := load(b, k, now)
		if err != nil {
			return err
		}
		if !found && b.Get(k) != nil {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return fn(b, cur, found, now)
	})
}

// put writes a new version of key.
func put(b *bolt.Bucket, key string, payload []byte, exp time.Time, lock time.Time) (uint64, error) {
	ver, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	rec := wire.Encode(wire.Record{Version: ver, ExpiresAt: exp, LockUntil: lock, Payload: payload})
	return ver, b.Put([]byte(key), rec)
}

func (s *Store) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	if err := s.check(ctx); err != nil {
		return store.Entry{}, false, err
	}
	var (
		e     store.Entry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		now := s.now()
		r, ok, err := load(tx.Bucket(s.bucket), []byte(key), now)
		if err != nil || !ok {
			return err
		}
		e, found = toEntry(key, r, now), true
		return nil
	})
	return e, found, err
}

func (s *Store) Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	var res store.Result
	err := s.update(ctx, key, func(b *bolt.Bucket, _ wire.Record, found bool, now time.Time) error {
		if found {
			res = store.ResultAlreadyExists
			return nil
		}
		ver, err := put(b, key, value, expiresAt(now, ttl, time.Time{}), time.Time{})
		res = store.Success(ver)
		return err
	})
	return res, err
}

func (s *Store) Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	var res store.Result
	err := s.update(ctx, key, func(b *bolt.Bucket, cur wire.Record, _ bool, now time.Time) error {
		ver, err := put(b, key, value, expiresAt(now, ttl, cur.ExpiresAt), time.Time{})
		res = store.Success(ver)
		return err
	})
	return res, err
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) (store.Result, error) {
	var res store.Result
	err := s.update(ctx, key, func(b *bolt.Bucket, cur wire.Record, found bool, now time.Time) error {
		switch {
		case !found:
			res = store.ResultNotFound
			return nil
		case cur.Version != version:
			res = store.ResultConflict
			return nil
		}
		ver, err := put(b, key, value, expiresAt(now, ttl, cur.ExpiresAt), time.Time{})
		res = store.Success(ver)
		return err
	})
	return res, err
}

func (s *Store) Delete(ctx context.Context, key string, version uint64) (store.Result, error) {
	var res store.Result
	err := s.update(ctx, key, func(b *bolt.Bucket, cur wire.Record, found bool, _ time.Time) error {
		switch {
		case !found:
			res = store.ResultNotFound
			return nil
		case version != 0 && cur.Version != version:
			res = store.ResultConflict
			return nil
		}
		res = store.Success(0)
		return b.Delete([]byte(key))
	})
	return res, err
}

func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) (store.Result, error) {
	var res store.Result
	err := s.update(ctx, key, func(b *bolt.Bucket, cur wire.Record, found bool, now time.Time) error {
		if !found {
			res = store.ResultNotFound
			return nil
		}
		cur.ExpiresAt = expiresAt(now, ttl, cur.ExpiresAt)
		res = store.Success(cur.Version)
		return b.Put([]byte(key), wire.Encode(cur))
	})
	return res, err
}

func (s *Store) GetAndLock(ctx context.Context, key string, lockTime time.Duration) (store.Entry, bool, error) {
	var (
		e      store.Entry
		exists bool
	)
	err := s.update(ctx, key, func(b *bolt.Bucket, cur wire.Record, found bool, now time.Time) error {
		if !found {
			return nil
		}
		if cur.Locked(now) {
			return store.ErrLocked
		}
		cur.Payload = append([]byte(nil), cur.Payload...)
		ver, err := put(b, key, cur.Payload, cur.ExpiresAt, now.Add(lockTime))
		if err != nil {
			return err
		}
		cur.Version = ver
		e, exists = toEntry(key, cur, now), true
		return nil
	})
	if err != nil {
		return store.Entry{}, false, err
	}
	return e, exists, nil
}

// Keys lists a snapshot of live keys with prefix, in byte order.
func (s *Store) Keys(ctx context.Context, prefix string) (store.KeyIterator, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		now := s.now()
		p := []byte(prefix)
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			r, err := wire.Decode(v)
			if err != nil || r.Expired(now) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store.NewSliceKeys(keys), nil
}

// Sweep deletes expired and undecodable records and reports how many it removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		var dead [][]byte
		b := tx.Bucket(s.bucket)
		if err := b.ForEach(func(k, v []byte) error {
			r, err := wire.Decode(v)
			if err != nil || r.Expired(now) {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(dead)
		return nil
	})
	return n, err
}

// Close closes the underlying database. Safe to call multiple times.
func (s *Store) Close(context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
