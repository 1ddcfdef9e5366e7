// Package store defines the versioned key-value store kvcache runs on.
//
// A Store is a remote (or local) byte store where every entry carries a version
// token that changes on every successful write. Conditional writes take the
// version observed by a previous read and fail with a Conflict outcome when the
// entry moved in between. That token is the only concurrency primitive the cache
// relies on.
//
// Expected outcomes (missing key, existing key, version conflict) are reported as
// a Result, never as an error. An error means the store itself failed (network,
// server, corrupt record) and the cache surfaces it to the caller.
//
// Keys are opaque strings owned by the cache; implementations may encode them as
// needed but must return them unchanged from Enumerator.Keys.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// KeepTTL as a ttl argument keeps the entry's current lifetime (no expiry for new entries).
// ttl == 0 means no expiry; ttl > 0 expires the entry after ttl.
const KeepTTL time.Duration = -1

var (
	// ErrLocked is returned by GetAndLock when another caller holds the key's lock.
	ErrLocked = errors.New("store: key is locked")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt record")
)

// Outcome tags the result of a store write.
type Outcome uint8

const (
	OK Outcome = iota
	NotFound
	AlreadyExists
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Result is what every write returns. Version is set when Outcome == OK
// and the call produced a new version.
type Result struct {
	Outcome Outcome
	Version uint64
}

func Success(version uint64) Result { return Result{Outcome: OK, Version: version} }

var (
	ResultNotFound      = Result{Outcome: NotFound}
	ResultAlreadyExists = Result{Outcome: AlreadyExists}
	ResultConflict      = Result{Outcome: Conflict}
)

// Entry is a stored value with its version.
type Entry struct {
	Key     string
	Value   []byte
	Version uint64        // >= 1
	TTL     time.Duration // remaining lifetime; 0 = no expiry or unknown
}

// Store must be safe for concurrent use.
type Store interface {
	// Get returns (entry, true, nil) on hit and (Entry{}, false, nil) on miss.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Insert writes only if key is absent; AlreadyExists otherwise.
	Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (Result, error)

	// Upsert writes unconditionally. It also releases a lock held on key.
	Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (Result, error)

	// Replace writes only if the current version equals version.
	// NotFound when key is absent, Conflict when the version moved.
	// A successful replace releases the key's lock.
	Replace(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) (Result, error)

	// Delete removes key. version == 0 deletes unconditionally; otherwise the
	// current version must match (Conflict if not). NotFound when absent.
	Delete(ctx context.Context, key string, version uint64) (Result, error)

	// Touch sets the lifetime of key without changing value or version.
	// ttl == 0 removes the expiry.
	Touch(ctx context.Context, key string, ttl time.Duration) (Result, error)

	// GetAndLock reads key and locks it for lockTime. The returned entry carries a
	// fresh version; only a write conditioned on that version (or an unconditional
	// write) succeeds while the lock is held. Returns ErrLocked when already locked.
	GetAndLock(ctx context.Context, key string, lockTime time.Duration) (Entry, bool, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

// Enumerator lists every stored key starting with prefix. The listing is a
// single pass and eventually consistent: keys may vanish before they are read.
type Enumerator interface {
	Keys(ctx context.Context, prefix string) (KeyIterator, error)
}

// KeyIterator is a pull-based, single-pass key sequence.
type KeyIterator interface {
	// Next returns the next key; ok == false once the sequence is exhausted.
	Next(ctx context.Context) (key string, ok bool, err error)
	Close() error
}

// SliceKeys is a KeyIterator over a snapshot of keys.
type SliceKeys struct {
	keys []string
	pos  int
}

func NewSliceKeys(keys []string) *SliceKeys { return &SliceKeys{keys: keys} }

func (s *SliceKeys) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if s.pos >= len(s.keys) {
		return "", false, nil
	}
	k := s.keys[s.pos]
	s.pos++
	return k, true, nil
}

func (s *SliceKeys) Close() error {
	s.pos = len(s.keys)
	return nil
}
