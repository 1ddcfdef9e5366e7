package kvcache

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/unkn0wn-root/kvcache/expiry"
)

var (
	ErrClosed                 = errors.New("kvcache: cache is closed")
	ErrInvalidArgument        = errors.New("kvcache: invalid argument")
	ErrEnumerationUnavailable = errors.New("kvcache: key enumeration unavailable")
)

// OpError wraps an unexpected failure of the store, codec or loader.
type OpError struct {
	Cache string
	Op    string
	Key   string // empty for whole-cache operations
	Err   error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kvcache %s: %s failed: %v", e.Cache, e.Op, e.Err)
	}
	return fmt.Sprintf("kvcache %s: %s %q failed: %v", e.Cache, e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// LoadAllError reports the keys LoadAll could not store. Keys not listed were
// stored (or deliberately skipped).
type LoadAllError struct {
	Failed map[string]error
}

func (e *LoadAllError) keys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *LoadAllError) Error() string {
	keys := e.keys()
	var b strings.Builder
	fmt.Fprintf(&b, "kvcache: loadAll: %d key(s) failed", len(keys))
	for i, k := range keys {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(keys)-i)
			break
		}
		fmt.Fprintf(&b, "; %q: %v", k, e.Failed[k])
	}
	return b.String()
}

func (e *LoadAllError) Unwrap() []error {
	keys := e.keys()
	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, e.Failed[k])
	}
	return errs
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}

// fail wraps err for op unless it is already one of ours.
func (c *cache[V]) fail(op, key string, err error) error {
	var oe *OpError
	var le *expiry.LifetimeError
	switch {
	case errors.As(err, &oe), errors.As(err, &le),
		errors.Is(err, ErrClosed), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, expiry.ErrUnknownLifetime):
		return err
	}
	return &OpError{Cache: c.name, Op: op, Key: key, Err: err}
}
