package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := New(Options{Now: clk.Now})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clk
}

func TestInsertUpsertReplaceVersions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	res, err := s.Insert(ctx, "k", []byte("a"), 0)
	if err != nil || res.Outcome != store.OK || res.Version == 0 {
		t.Fatalf("insert: res=%+v err=%v", res, err)
	}
	v1 := res.Version

	if res, _ := s.Insert(ctx, "k", []byte("b"), 0); res.Outcome != store.AlreadyExists {
		t.Fatalf("second insert: %v", res.Outcome)
	}

	res, _ = s.Replace(ctx, "k", []byte("b"), v1, store.KeepTTL)
	if res.Outcome != store.OK || res.Version <= v1 {
		t.Fatalf("replace: %+v", res)
	}
	if res, _ := s.Replace(ctx, "k", []byte("c"), v1, store.KeepTTL); res.Outcome != store.Conflict {
		t.Fatalf("stale replace: %v", res.Outcome)
	}
	if res, _ := s.Replace(ctx, "missing", []byte("c"), 1, store.KeepTTL); res.Outcome != store.NotFound {
		t.Fatalf("replace missing: %v", res.Outcome)
	}

	e, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(e.Value) != "b" {
		t.Fatalf("get: ok=%v err=%v e=%+v", ok, err, e)
	}
}

func TestDeleteVersioned(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	res, _ := s.Insert(ctx, "k", []byte("a"), 0)
	if r, _ := s.Delete(ctx, "k", res.Version+100); r.Outcome != store.Conflict {
		t.Fatalf("versioned delete mismatch: %v", r.Outcome)
	}
	if r, _ := s.Delete(ctx, "k", res.Version); r.Outcome != store.OK {
		t.Fatalf("versioned delete: %v", r.Outcome)
	}
	if r, _ := s.Delete(ctx, "k", 0); r.Outcome != store.NotFound {
		t.Fatalf("delete missing: %v", r.Outcome)
	}
}

func TestTTLAndTouch(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	if _, err := s.Insert(ctx, "k", []byte("a"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Second)
	e, ok, _ := s.Get(ctx, "k")
	if !ok || e.TTL != 5*time.Second {
		t.Fatalf("ttl: ok=%v ttl=%v", ok, e.TTL)
	}

	// touch keeps version and value
	if r, _ := s.Touch(ctx, "k", 10*time.Second); r.Outcome != store.OK || r.Version != e.Version {
		t.Fatalf("touch: %+v", r)
	}
	clk.Advance(9 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatalf("touched entry expired early")
	}

	// upsert with KeepTTL keeps the touched expiry
	if _, err := s.Upsert(ctx, "k", []byte("b"), store.KeepTTL); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("entry should have expired")
	}
	if r, _ := s.Touch(ctx, "k", 0); r.Outcome != store.NotFound {
		t.Fatalf("touch expired: %v", r.Outcome)
	}
}

func TestGetAndLock(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	ins, _ := s.Insert(ctx, "k", []byte("a"), 0)
	locked, ok, err := s.GetAndLock(ctx, "k", time.Second)
	if err != nil || !ok || locked.Version == ins.Version {
		t.Fatalf("lock: ok=%v err=%v e=%+v", ok, err, locked)
	}
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); !errors.Is(err, store.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	// the pre-lock version no longer matches
	if r, _ := s.Replace(ctx, "k", []byte("x"), ins.Version, store.KeepTTL); r.Outcome != store.Conflict {
		t.Fatalf("stale replace under lock: %v", r.Outcome)
	}
	if r, _ := s.Replace(ctx, "k", []byte("b"), locked.Version, store.KeepTTL); r.Outcome != store.OK {
		t.Fatalf("holder replace: %v", r.Outcome)
	}
	// lock released by the write
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); err != nil {
		t.Fatalf("relock after write: %v", err)
	}
	// and by expiry
	clk.Advance(2 * time.Second)
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); err != nil {
		t.Fatalf("relock after expiry: %v", err)
	}
	if _, ok, _ := s.GetAndLock(ctx, "missing", time.Second); ok {
		t.Fatalf("lock on missing key")
	}
}

func TestKeysSnapshot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	for _, k := range []string{"ns:b", "ns:a", "other:c"} {
		if _, err := s.Upsert(ctx, k, []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}
	it, err := s.Keys(ctx, "ns:")
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
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
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := New(Options{CleanupInterval: time.Millisecond})
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
