package kvcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A conditional write lost its first attempt and is retrying under a lock.
	ConflictRetry(key string)

	// GetAndLock found the key locked by someone else; the cache keeps polling
	// until its lock timeout.
	LockContended(key string)

	// A listener returned an error or panicked. Dispatch continued.
	ListenerFailed(key string, err error)

	// Loader failed; key is empty for LoadAll-wide failures.
	LoadFailed(key string, err error)

	// Writer failed after a successful store write or delete.
	// op ∈ {"write", "delete"}
	WriteThroughFailed(key, op string, err error)

	// A key vanished between enumeration and fetch during iteration or RemoveAll.
	EnumerationSkipped(key string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ConflictRetry(string)                     {}
func (NopHooks) LockContended(string)                     {}
func (NopHooks) ListenerFailed(string, error)             {}
func (NopHooks) LoadFailed(string, error)                 {}
func (NopHooks) WriteThroughFailed(string, string, error) {}
func (NopHooks) EnumerationSkipped(string)                {}
