// Package kvcache implements a typed cache (read-through, write-through,
// expiry policies, entry events, statistics) on top of a versioned key-value
// store that only offers optimistic concurrency.
//
// Components:
//   - store.Store: byte store where every entry carries a version token
//     (memory, Redis, bbolt, BigCache, NATS JetStream KV).
//   - codec.Codec[V]: (de)serializes V <-> []byte.
//   - expiry.Policy: lifetimes for creation, update and access, translated per
//     operation into a store TTL (or into "do not write at all").
//
// Keys:
//
//	<ns>:<key>  with Options.Namespace set
//	<key>       otherwise
//
// Conditional updates read the entry, check the precondition and write at the
// version they read. A lost race retries exactly once under a short store-side
// lock, so at most one of several concurrent replacers wins:
//
//	ok, err := cache.ReplaceValue(ctx, "user:1", oldUser, newUser)
//
// Every logical change produces one event; events of one operation reach each
// registered listener in a single call, in the order they happened.
package kvcache
