// Package jetstream is a store.Store on a NATS JetStream key-value bucket.
//
// The entry revision is the version. Cache keys are base64url encoded, since
// bucket keys only allow a restricted alphabet.
//
// Limitations of the bucket model:
//   - lifetimes are bucket wide (KeyValueConfig.TTL); per-entry ttl arguments
//     are ignored and Touch only checks existence;
//   - there are no locks: GetAndLock is a plain read, so the locked retry of a
//     conditional replace is one more optimistic attempt. Under sustained
//     contention Cache.Replace, ReplaceValue and GetAndReplace can return false
//     on this backend where a locking store would let the retry win.
package jetstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/unkn0wn-root/kvcache/store"
)

var ErrNilBucket = errors.New("jetstream store: nil bucket")

type Store struct {
	kv      jetstream.KeyValue
	timeout time.Duration
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Enumerator = (*Store)(nil)
)

type Config struct {
	Bucket  jetstream.KeyValue
	Timeout time.Duration // per call; 0 => 5s
}

func New(cfg Config) (*Store, error) {
	if cfg.Bucket == nil {
		return nil, ErrNilBucket
	}
	s := &Store{kv: cfg.Bucket, timeout: cfg.Timeout}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	return s, nil
}

func encodeKey(key string) string { return base64.RawURLEncoding.EncodeToString([]byte(key)) }

func decodeKey(k string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(k)
	if err != nil {
		return "", fmt.Errorf("jetstream store: foreign key %q: %w", k, err)
	}
	return string(b), nil
}

// applyTimeout applies the configured timeout to the context.
func (s *Store) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func isConflict(err error) bool { return errors.Is(err, jetstream.ErrKeyExists) }

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func (s *Store) get(ctx context.Context, key string) (store.Entry, bool, error) {
	e, err := s.kv.Get(ctx, encodeKey(key))
	if isNotFound(err) {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return store.Entry{Key: key, Value: e.Value(), Version: e.Revision()}, true, nil
}

func (s *Store) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()
	return s.get(ctx, key)
}

func (s *Store) Insert(ctx context.Context, key string, value []byte, _ time.Duration) (store.Result, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()
	rev, err := s.kv.Create(ctx, encodeKey(key), value)
	if isConflict(err) {
		return store.ResultAlreadyExists, nil
	}
	if err != nil {
		return store.Result{}, fmt.Errorf("kv create %s: %w", key, err)
	}
	return store.Success(rev), nil
}

func (s *Store) Upsert(ctx context.Context, key string, value []byte, _ time.Duration) (store.Result, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()
	rev, err := s.kv.Put(ctx, encodeKey(key), value)
	if err != nil {
		return store.Result{}, fmt.Errorf("kv put %s: %w", key, err)
	}
	return store.Success(rev), nil
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, version uint64, _ time.Duration) (store.Result, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()
	rev, err := s.kv.Update(ctx, encodeKey(key), value, version)
	if err == nil {
		return store.Success(rev), nil
	}
	if !isConflict(err) {
		return store.Result{}, fmt.Errorf("kv update %s: %w", key, err)
	}
	// a wrong revision and a missing key look the same; tell them apart
	if _, ok, gerr := s.get(ctx, key); gerr != nil {
		return store.Result{}, gerr
	} else if !ok {
		return store.ResultNotFound, nil
	}
	return store.ResultConflict, nil
}

func (s *Store) Delete(ctx context.Context, key string, version uint64) (store.Result, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()
	cur, ok, err := s.get(ctx, key)
	if err != nil {
		return store.Result{}, err
	}
	if !ok {
		return store.ResultNotFound, nil
	}
	if version != 0 && cur.Version != version {
		return store.ResultConflict, nil
	}
	if err := s.kv.Delete(ctx, encodeKey(key), jetstream.LastRevision(cur.Version)); err != nil {
		if isConflict(err) {
			if version != 0 {
				return store.ResultConflict, nil
			}
			// rewritten since our read; an unconditional delete still wins
			if err = s.kv.Delete(ctx, encodeKey(key)); err == nil {
				return store.Success(0), nil
			}
		}
		return store.Result{}, fmt.Errorf("kv delete %s: %w", key, err)
	}
	return store.Success(0), nil
}

// Touch cannot change a per-entry lifetime; it reports whether key exists.
func (s *Store) Touch(ctx context.Context, key string, _ time.Duration) (store.Result, error) {
	e, ok, err := s.Get(ctx, key)
	if err != nil {
		return store.Result{}, err
	}
	if !ok {
		return store.ResultNotFound, nil
	}
	return store.Success(e.Version), nil
}

// GetAndLock is a plain Get; buckets have no locks.
func (s *Store) GetAndLock(ctx context.Context, key string, _ time.Duration) (store.Entry, bool, error) {
	return s.Get(ctx, key)
}

// Keys lists the bucket and keeps keys starting with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) (store.KeyIterator, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for k := range lister.Keys() {
		key, err := decodeKey(k)
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return store.NewSliceKeys(keys), nil
}

// Close is a no-op; the bucket's connection belongs to the caller.
func (s *Store) Close(context.Context) error { return nil }
