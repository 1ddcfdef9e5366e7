package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unkn0wn-root/kvcache/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path, Options{Now: clk.Now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clk, path
}

func TestVersionedWrites(t *testing.T) {
	ctx := context.Background()
	s, _, _ := openTestStore(t)

	res, err := s.Insert(ctx, "k", []byte("a"), 0)
	if err != nil || res.Outcome != store.OK || res.Version == 0 {
		t.Fatalf("insert: %+v %v", res, err)
	}
	if r, _ := s.Insert(ctx, "k", []byte("b"), 0); r.Outcome != store.AlreadyExists {
		t.Fatalf("second insert: %v", r.Outcome)
	}
	r2, _ := s.Replace(ctx, "k", []byte("b"), res.Version, store.KeepTTL)
	if r2.Outcome != store.OK || r2.Version <= res.Version {
		t.Fatalf("replace: %+v", r2)
	}
	if r, _ := s.Replace(ctx, "k", []byte("c"), res.Version, store.KeepTTL); r.Outcome != store.Conflict {
		t.Fatalf("stale replace: %v", r.Outcome)
	}
	if r, _ := s.Delete(ctx, "k", res.Version); r.Outcome != store.Conflict {
		t.Fatalf("stale delete: %v", r.Outcome)
	}
	e, ok, _ := s.Get(ctx, "k")
	if !ok || string(e.Value) != "b" || e.Version != r2.Version {
		t.Fatalf("get: %+v", e)
	}
	if r, _ := s.Delete(ctx, "k", 0); r.Outcome != store.OK {
		t.Fatalf("delete: %v", r.Outcome)
	}
	if r, _ := s.Delete(ctx, "k", 0); r.Outcome != store.NotFound {
		t.Fatalf("delete missing: %v", r.Outcome)
	}
}

func TestVersionsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	s, _, path := openTestStore(t)

	r1, _ := s.Upsert(ctx, "k", []byte("a"), 0)
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	s2, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close(ctx)
	e, ok, _ := s2.Get(ctx, "k")
	if !ok || string(e.Value) != "a" || e.Version != r1.Version {
		t.Fatalf("after reopen: %+v ok=%v", e, ok)
	}
	r2, _ := s2.Upsert(ctx, "other", []byte("b"), 0)
	if r2.Version <= r1.Version {
		t.Fatalf("sequence restarted: %d after %d", r2.Version, r1.Version)
	}
}

func TestExpiryTouchAndSweep(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := openTestStore(t)

	_, _ = s.Insert(ctx, "short", []byte("a"), 5*time.Second)
	_, _ = s.Insert(ctx, "long", []byte("b"), time.Minute)
	_, _ = s.Insert(ctx, "forever", []byte("c"), 0)

	clk.Advance(3 * time.Second)
	if r, _ := s.Touch(ctx, "short", 10*time.Second); r.Outcome != store.OK {
		t.Fatalf("touch: %v", r.Outcome)
	}
	clk.Advance(5 * time.Second)
	e, ok, _ := s.Get(ctx, "short")
	if !ok || e.TTL != 5*time.Second {
		t.Fatalf("touched entry: ok=%v ttl=%v", ok, e.TTL)
	}

	clk.Advance(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "long"); ok {
		t.Fatalf("long should have expired")
	}
	n, err := s.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Fatalf("entry without expiry was swept")
	}
}

func TestGetAndLock(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := openTestStore(t)

	ins, _ := s.Insert(ctx, "k", []byte("a"), 0)
	locked, ok, err := s.GetAndLock(ctx, "k", time.Second)
	if err != nil || !ok || string(locked.Value) != "a" || locked.Version == ins.Version {
		t.Fatalf("lock: %+v ok=%v err=%v", locked, ok, err)
	}
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); !errors.Is(err, store.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if r, _ := s.Replace(ctx, "k", []byte("b"), locked.Version, store.KeepTTL); r.Outcome != store.OK {
		t.Fatalf("holder replace: %v", r.Outcome)
	}
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); err != nil {
		t.Fatalf("write should release the lock: %v", err)
	}
	clk.Advance(2 * time.Second)
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); err != nil {
		t.Fatalf("lock should expire: %v", err)
	}
}

func TestKeysAndCorruptRecords(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := openTestStore(t)

	_, _ = s.Upsert(ctx, "ns:b", []byte("v"), 0)
	_, _ = s.Upsert(ctx, "ns:a", []byte("v"), 0)
	_, _ = s.Upsert(ctx, "ns:gone", []byte("v"), time.Second)
	_, _ = s.Upsert(ctx, "other", []byte("v"), 0)
	clk.Advance(2 * time.Second)

	it, err := s.Keys(ctx, "ns:")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		k, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, k)
	}
	if len(got) != 2 || got[0] != "ns:a" || got[1] != "ns:b" {
		t.Fatalf("keys: %v", got)
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte("bad"), []byte("garbage"))
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "bad"); !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
