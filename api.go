package kvcache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/kvcache/codec"
	"github.com/unkn0wn-root/kvcache/expiry"
	"github.com/unkn0wn-root/kvcache/store"
)

// Cache is a typed cache over a versioned store.Store.
// Boolean results report whether the operation took effect; store outcomes
// (missing key, lost race) never surface as errors.
type Cache[V any] interface {
	Name() string

	// Reads. Get and GetAll count hits/misses and may read through;
	// ContainsKey does neither.
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	GetAll(ctx context.Context, keys []string) (map[string]V, error)
	ContainsKey(ctx context.Context, key string) (bool, error)

	// Writes
	Put(ctx context.Context, key string, v V) error
	PutAll(ctx context.Context, items map[string]V) error
	PutIfAbsent(ctx context.Context, key string, v V) (bool, error)
	GetAndPut(ctx context.Context, key string, v V) (old V, ok bool, err error)

	Remove(ctx context.Context, key string) (bool, error)
	RemoveValue(ctx context.Context, key string, expected V) (bool, error)
	GetAndRemove(ctx context.Context, key string) (old V, ok bool, err error)
	RemoveKeys(ctx context.Context, keys []string) error
	RemoveAll(ctx context.Context) error
	Clear(ctx context.Context) error

	Replace(ctx context.Context, key string, v V) (bool, error)
	ReplaceValue(ctx context.Context, key string, expected, v V) (bool, error)
	GetAndReplace(ctx context.Context, key string, v V) (old V, ok bool, err error)

	// Bulk loading through the configured Loader
	LoadAll(ctx context.Context, keys []string, replaceExisting bool) error
	LoadAllAsync(ctx context.Context, keys []string, replaceExisting bool, l CompletionListener) error

	Iterator(ctx context.Context) (*Iterator[V], error)

	RegisterListener(lc *ListenerConfig[V]) error
	DeregisterListener(lc *ListenerConfig[V])

	Stats() StatsSnapshot
	ClearStats()
	SetStatisticsEnabled(on bool)

	Close(ctx context.Context) error
	IsClosed() bool
}

// Options configure a Cache. Only Store and Codec are required.
type Options[V any] struct {
	// Required
	Store store.Store
	Codec c.Codec[V]

	Name      string // "default" if empty; shows up in logs and errors
	Namespace string // optional key prefix ("<ns>:<key>") to share one store

	// Enumerator lists keys for Iterator, RemoveAll and Clear.
	// If nil and Store implements store.Enumerator, the store is used.
	Enumerator store.Enumerator

	ExpiryPolicy expiry.Policy // nil => expiry.EternalPolicy

	Loader       Loader[V]
	ReadThrough  bool // Get misses consult Loader
	Writer       Writer[V]
	WriteThrough bool // successful writes/deletes are propagated to Writer

	Listeners         []*ListenerConfig[V]
	StatisticsEnabled bool

	// Equal compares values for ReplaceValue/RemoveValue.
	// nil => values are equal when their encodings are byte-identical.
	Equal func(a, b V) bool

	LockTimeout     time.Duration // lock held by the conflict retry; 0 => 1s
	BulkConcurrency int           // per-key fan-out of bulk operations; 0 => 8

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
