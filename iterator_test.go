package kvcache

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/unkn0wn-root/kvcache/store"
)

func collectKeys(t *testing.T, cc *cache[user]) []string {
	t.Helper()
	ctx := context.Background()
	it, err := cc.Iterator(ctx)
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	defer it.Close()
	var keys []string
	for it.Next(ctx) {
		keys = append(keys, it.Item().Key)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration: %v", err)
	}
	sort.Strings(keys)
	return keys
}

func TestIteratorRemoveThenNextPass(t *testing.T) {
	ctx := context.Background()
	events := &eventLog{}
	cc := newTestCache(t, newSpyStore(), withListener(events, false))

	for _, k := range []string{"a", "b", "c"} {
		if err := cc.Put(ctx, k, user{ID: k}); err != nil {
			t.Fatal(err)
		}
	}
	cc.ClearStats()

	it, err := cc.Iterator(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !it.Next(ctx) {
		t.Fatalf("empty iteration: %v", it.Err())
	}
	first := it.Item()
	if first.Value.ID != first.Key {
		t.Fatalf("item value mismatch: %+v", first)
	}
	if err := first.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := first.Remove(ctx); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("double remove: %v", err)
	}
	_ = it.Close()

	evs := events.all()
	removed := evs[len(evs)-1]
	if removed.Type != Removed || removed.Key != first.Key {
		t.Fatalf("expected one Removed for %q, got %+v", first.Key, removed)
	}
	if got := collectKeys(t, cc); len(got) != 2 {
		t.Fatalf("second pass: %v", got)
	}
	s := cc.Stats()
	if s.Evictions != 1 || s.Hits != 3 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestIteratorStripsNamespace(t *testing.T) {
	ctx := context.Background()
	sp := newSpyStore()
	cc := newTestCache(t, sp, func(o *Options[user]) { o.Namespace = "user" })

	_ = cc.Put(ctx, "1", ada)
	_ = cc.Put(ctx, "2", grace)
	if _, err := sp.Store.Upsert(ctx, "order:9", []byte(`{}`), 0); err != nil {
		t.Fatal(err)
	}
	got := collectKeys(t, cc)
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("keys: %v", got)
	}
}

// hiddenKeys hides the store's Enumerator.
type hiddenKeys struct{ store.Store }

func TestIteratorWithoutEnumerator(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, hiddenKeys{newSpyStore()}, nil)

	if _, err := cc.Iterator(ctx); !errors.Is(err, ErrEnumerationUnavailable) {
		t.Fatalf("expected ErrEnumerationUnavailable, got %v", err)
	}
	if err := cc.RemoveAll(ctx); !errors.Is(err, ErrEnumerationUnavailable) {
		t.Fatalf("removeAll: %v", err)
	}
}

// staleKeys lists a key that does not exist.
type staleKeys struct {
	*spyStore
}

func (s staleKeys) Keys(ctx context.Context, prefix string) (store.KeyIterator, error) {
	return store.NewSliceKeys([]string{"ghost", "a"}), nil
}

func TestIteratorSkipsVanishedKeys(t *testing.T) {
	ctx := context.Background()
	hooks := &hookLog{}
	sp := newSpyStore()
	cc := newTestCache(t, staleKeys{sp}, func(o *Options[user]) { o.Hooks = hooks })

	_ = cc.Put(ctx, "a", ada)
	got := collectKeys(t, cc)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("keys: %v", got)
	}
	if len(hooks.skipped) != 1 || hooks.skipped[0] != "ghost" {
		t.Fatalf("skipped: %v", hooks.skipped)
	}
}
