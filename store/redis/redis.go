// Package redis is a store.Store on Redis.
//
// Each entry is a hash {v: payload, ver: version} at <prefix>e:<key>. Versions
// come from one counter (<prefix>seq) so a re-created key never reuses a
// version. Locks are separate keys (<prefix>l:<key>) with a PX expiry; any write
// clears them. All mutations are Lua scripts and therefore atomic.
//
// The scripts touch several keys; on Redis Cluster put the prefix in a hash
// tag (e.g. "{kv}:") so they land in one slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/kvcache/store"
)

var ErrNilClient = errors.New("redis store: nil client")

type Store struct {
	rdb         goredis.UniversalClient
	prefix      string
	scanCount   int64
	closeClient bool
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Enumerator = (*Store)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	Prefix      string // default "kvcache:"
	ScanCount   int64  // SCAN COUNT hint; default 256
	CloseClient bool   // set true only if this store exclusively owns the client
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	s := &Store{rdb: cfg.Client, prefix: cfg.Prefix, scanCount: cfg.ScanCount, closeClient: cfg.CloseClient}
	if s.prefix == "" {
		s.prefix = "kvcache:"
	}
	if s.scanCount <= 0 {
		s.scanCount = 256
	}
	return s, nil
}

func (s *Store) keys(key string) []string {
	return []string{s.prefix + "e:" + key, s.prefix + "l:" + key, s.prefix + "seq"}
}

func ttlArg(ttl time.Duration) int64 {
	switch {
	case ttl == store.KeepTTL:
		return -1
	case ttl <= 0:
		return 0
	case ttl < time.Millisecond:
		return 1
	default:
		return ttl.Milliseconds()
	}
}

type reply struct {
	code    int64
	version uint64
	value   []byte
	pttl    int64
}

func parseReply(v any) (reply, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) < 2 {
		return reply{}, fmt.Errorf("%w: unexpected script reply %T", store.ErrCorrupt, v)
	}
	var r reply
	code, ok1 := arr[0].(int64)
	ver, ok2 := arr[1].(int64)
	if !ok1 || !ok2 || ver < 0 {
		return reply{}, fmt.Errorf("%w: unexpected script reply %v", store.ErrCorrupt, arr)
	}
	r.code, r.version = code, uint64(ver)
	if len(arr) >= 4 {
		switch b := arr[2].(type) {
		case string:
			r.value = []byte(b)
		case []byte:
			r.value = b
		}
		r.pttl, _ = arr[3].(int64)
	}
	return r, nil
}

func (r reply) result() (store.Result, error) {
	switch r.code {
	case codeOK:
		return store.Success(r.version), nil
	case codeNotFound:
		return store.ResultNotFound, nil
	case codeExists:
		return store.ResultAlreadyExists, nil
	case codeConflict:
		return store.ResultConflict, nil
	default:
		return store.Result{}, fmt.Errorf("redis store: unexpected result code %d", r.code)
	}
}

func (r reply) entry(key string) store.Entry {
	e := store.Entry{Key: key, Value: r.value, Version: r.version}
	if r.pttl > 0 {
		e.TTL = time.Duration(r.pttl) * time.Millisecond
	}
	return e
}

func (s *Store) run(ctx context.Context, sc *goredis.Script, key string, args ...any) (reply, error) {
	v, err := sc.Run(ctx, s.rdb, s.keys(key), args...).Result()
	if err != nil {
		return reply{}, err
	}
	return parseReply(v)
}

func (s *Store) write(ctx context.Context, sc *goredis.Script, key string, args ...any) (store.Result, error) {
	r, err := s.run(ctx, sc, key, args...)
	if err != nil {
		return store.Result{}, err
	}
	return r.result()
}

func (s *Store) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	r, err := s.run(ctx, getScript, key)
	if err != nil {
		return store.Entry{}, false, err
	}
	if r.code == codeNotFound {
		return store.Entry{}, false, nil
	}
	return r.entry(key), true, nil
}

func (s *Store) Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	return s.write(ctx, insertScript, key, value, ttlArg(ttl))
}

func (s *Store) Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (store.Result, error) {
	return s.write(ctx, upsertScript, key, value, ttlArg(ttl))
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) (store.Result, error) {
	return s.write(ctx, replaceScript, key, value, ttlArg(ttl), strconv.FormatUint(version, 10))
}

func (s *Store) Delete(ctx context.Context, key string, version uint64) (store.Result, error) {
	return s.write(ctx, deleteScript, key, strconv.FormatUint(version, 10))
}

func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) (store.Result, error) {
	return s.write(ctx, touchScript, key, ttlArg(ttl))
}

func (s *Store) GetAndLock(ctx context.Context, key string, lockTime time.Duration) (store.Entry, bool, error) {
	ms := lockTime.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	r, err := s.run(ctx, lockScript, key, ms)
	if err != nil {
		return store.Entry{}, false, err
	}
	switch r.code {
	case codeOK:
		return r.entry(key), true, nil
	case codeNotFound:
		return store.Entry{}, false, nil
	case codeLocked:
		return store.Entry{}, false, store.ErrLocked
	default:
		return store.Entry{}, false, fmt.Errorf("redis store: unexpected lock code %d", r.code)
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Keys scans for entries whose key starts with prefix. SCAN may repeat keys;
// the iterator drops repeats. On a cluster client only one node is scanned.
func (s *Store) Keys(ctx context.Context, prefix string) (store.KeyIterator, error) {
	base := s.prefix + "e:"
	match := globEscaper.Replace(base+prefix) + "*"
	return &scanKeys{
		it:   s.rdb.Scan(ctx, 0, match, s.scanCount).Iterator(),
		base: base,
		seen: make(map[string]struct{}),
	}, nil
}

type scanKeys struct {
	it   *goredis.ScanIterator
	base string
	seen map[string]struct{}
	done bool
}

func (k *scanKeys) Next(ctx context.Context) (string, bool, error) {
	for !k.done && k.it.Next(ctx) {
		key := strings.TrimPrefix(k.it.Val(), k.base)
		if _, dup := k.seen[key]; dup {
			continue
		}
		k.seen[key] = struct{}{}
		return key, true, nil
	}
	k.done = true
	return "", false, k.it.Err()
}

func (k *scanKeys) Close() error {
	k.done = true
	return nil
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
