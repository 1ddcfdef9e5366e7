package kvcache

import "context"

// Loader reads values from the system of record on a cache miss (read-through)
// and for LoadAll.
type Loader[V any] interface {
	// Load returns ok == false when the key does not exist in the source.
	Load(ctx context.Context, key string) (v V, ok bool, err error)
	// LoadAll returns the values found; missing keys are simply absent.
	LoadAll(ctx context.Context, keys []string) (map[string]V, error)
}

// LoadFunc adapts a single-key function to Loader. LoadAll calls it per key.
type LoadFunc[V any] func(ctx context.Context, key string) (V, bool, error)

func (f LoadFunc[V]) Load(ctx context.Context, key string) (V, bool, error) {
	return f(ctx, key)
}

func (f LoadFunc[V]) LoadAll(ctx context.Context, keys []string) (map[string]V, error) {
	out := make(map[string]V, len(keys))
	for _, k := range keys {
		v, ok, err := f(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// Writer propagates cache writes to the system of record (write-through).
type Writer[V any] interface {
	Write(ctx context.Context, key string, v V) error
	Delete(ctx context.Context, key string) error
}

// CompletionListener is told how a LoadAllAsync call ended. Exactly one method
// is called, after the load's events have been dispatched.
type CompletionListener interface {
	OnCompletion()
	OnFailure(err error)
}

// CompletionFuncs adapts two functions to CompletionListener; nil funcs are skipped.
type CompletionFuncs struct {
	Completed func()
	Failed    func(error)
}

func (f CompletionFuncs) OnCompletion() {
	if f.Completed != nil {
		f.Completed()
	}
}

func (f CompletionFuncs) OnFailure(err error) {
	if f.Failed != nil {
		f.Failed(err)
	}
}

func (c *cache[V]) writeThrough(ctx context.Context, key string, v V) {
	if !c.writeThroughOn {
		return
	}
	if err := c.writer.Write(ctx, key, v); err != nil {
		c.log.Warn("write-through failed", Fields{"cache": c.name, "key": key, "err": err})
		c.hooks.WriteThroughFailed(key, "write", err)
	}
}

func (c *cache[V]) deleteThrough(ctx context.Context, key string) {
	if !c.writeThroughOn {
		return
	}
	if err := c.writer.Delete(ctx, key); err != nil {
		c.log.Warn("write-through delete failed", Fields{"cache": c.name, "key": key, "err": err})
		c.hooks.WriteThroughFailed(key, "delete", err)
	}
}
