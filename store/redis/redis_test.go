package redis

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/kvcache/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s, err := New(Config{Client: rdb, Prefix: "t:", CloseClient: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mr
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNilClient) {
		t.Fatalf("expected ErrNilClient, got %v", err)
	}
}

func TestInsertReplaceDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	res, err := s.Insert(ctx, "k", []byte("a"), 0)
	if err != nil || res.Outcome != store.OK || res.Version == 0 {
		t.Fatalf("insert: %+v %v", res, err)
	}
	if !mr.Exists("t:e:k") {
		t.Fatalf("entry hash not at t:e:k")
	}
	if r, _ := s.Insert(ctx, "k", []byte("b"), 0); r.Outcome != store.AlreadyExists {
		t.Fatalf("second insert: %v", r.Outcome)
	}

	e, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(e.Value) != "a" || e.Version != res.Version {
		t.Fatalf("get: %+v ok=%v err=%v", e, ok, err)
	}

	r2, _ := s.Replace(ctx, "k", []byte("b"), res.Version, store.KeepTTL)
	if r2.Outcome != store.OK || r2.Version <= res.Version {
		t.Fatalf("replace: %+v", r2)
	}
	if r, _ := s.Replace(ctx, "k", []byte("c"), res.Version, store.KeepTTL); r.Outcome != store.Conflict {
		t.Fatalf("stale replace: %v", r.Outcome)
	}
	if r, _ := s.Replace(ctx, "nope", []byte("c"), 1, store.KeepTTL); r.Outcome != store.NotFound {
		t.Fatalf("replace missing: %v", r.Outcome)
	}

	if r, _ := s.Delete(ctx, "k", res.Version); r.Outcome != store.Conflict {
		t.Fatalf("stale delete: %v", r.Outcome)
	}
	if r, _ := s.Delete(ctx, "k", r2.Version); r.Outcome != store.OK {
		t.Fatalf("delete: %v", r.Outcome)
	}
	if r, _ := s.Delete(ctx, "k", 0); r.Outcome != store.NotFound {
		t.Fatalf("delete missing: %v", r.Outcome)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("entry survived delete")
	}
}

func TestVersionsNotReusedAfterDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	r1, _ := s.Upsert(ctx, "k", []byte("a"), 0)
	_, _ = s.Delete(ctx, "k", 0)
	r2, _ := s.Upsert(ctx, "k", []byte("a"), 0)
	if r2.Version <= r1.Version {
		t.Fatalf("version reused: %d then %d", r1.Version, r2.Version)
	}
}

func TestTTLTouchAndKeep(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	if _, err := s.Insert(ctx, "k", []byte("a"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("t:e:k"); ttl != 10*time.Second {
		t.Fatalf("ttl: %v", ttl)
	}
	e, _, _ := s.Get(ctx, "k")
	if e.TTL <= 0 || e.TTL > 10*time.Second {
		t.Fatalf("entry ttl: %v", e.TTL)
	}

	// keep leaves the lifetime alone
	if _, err := s.Upsert(ctx, "k", []byte("b"), store.KeepTTL); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("t:e:k"); ttl != 10*time.Second {
		t.Fatalf("ttl after keep: %v", ttl)
	}

	r, _ := s.Touch(ctx, "k", 0)
	if r.Outcome != store.OK {
		t.Fatalf("touch: %v", r.Outcome)
	}
	if ttl := mr.TTL("t:e:k"); ttl != 0 {
		t.Fatalf("touch 0 should persist, ttl=%v", ttl)
	}

	_, _ = s.Touch(ctx, "k", time.Second)
	mr.FastForward(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("entry should have expired")
	}
	if r, _ := s.Touch(ctx, "k", time.Second); r.Outcome != store.NotFound {
		t.Fatalf("touch expired: %v", r.Outcome)
	}
}

func TestGetAndLock(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ins, _ := s.Insert(ctx, "k", []byte("a"), 0)
	locked, ok, err := s.GetAndLock(ctx, "k", time.Second)
	if err != nil || !ok || string(locked.Value) != "a" || locked.Version == ins.Version {
		t.Fatalf("lock: %+v ok=%v err=%v", locked, ok, err)
	}
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); !errors.Is(err, store.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if r, _ := s.Replace(ctx, "k", []byte("x"), ins.Version, store.KeepTTL); r.Outcome != store.Conflict {
		t.Fatalf("pre-lock version must conflict: %v", r.Outcome)
	}
	if r, _ := s.Replace(ctx, "k", []byte("b"), locked.Version, store.KeepTTL); r.Outcome != store.OK {
		t.Fatalf("holder replace: %v", r.Outcome)
	}
	if mr.Exists("t:l:k") {
		t.Fatalf("write should release the lock")
	}

	if _, _, err := s.GetAndLock(ctx, "k", time.Second); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)
	if _, _, err := s.GetAndLock(ctx, "k", time.Second); err != nil {
		t.Fatalf("lock should expire: %v", err)
	}
	if _, ok, err := s.GetAndLock(ctx, "missing", time.Second); ok || err != nil {
		t.Fatalf("lock missing: ok=%v err=%v", ok, err)
	}
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	for _, k := range []string{"user:1", "user:2", "user*3", "order:1"} {
		if _, err := s.Upsert(ctx, k, []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}
	_ = mr.Set("t:unrelated", "x")

	collect := func(prefix string) []string {
		it, err := s.Keys(ctx, prefix)
		if err != nil {
			t.Fatal(err)
		}
		defer it.Close()
		var out []string
		for {
			k, ok, err := it.Next(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}

	if got := collect("user:"); len(got) != 2 || got[0] != "user:1" || got[1] != "user:2" {
		t.Fatalf("user: keys %v", got)
	}
	if got := collect("user*"); len(got) != 1 || got[0] != "user*3" {
		t.Fatalf("glob characters must be literal, got %v", got)
	}
	if got := collect(""); len(got) != 4 {
		t.Fatalf("all keys: %v", got)
	}
}
