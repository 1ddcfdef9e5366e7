package async

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/unkn0wn-root/kvcache"
)

type recorder struct {
	mu    sync.Mutex
	keys  []string
	gate  chan struct{}
	fail  bool
	close int
}

func (r *recorder) OnEvents(_ context.Context, evs []kvcache.Event[int]) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range evs {
		r.keys = append(r.keys, e.Key)
	}
	if r.fail {
		return errors.New("listener failed")
	}
	return nil
}

func (r *recorder) Close() error {
	r.close++
	return nil
}

func TestDeliversInOrderAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	l := New[int](rec, Options{})
	ctx := context.Background()

	events := []kvcache.Event[int]{{Type: kvcache.Created, Key: "a"}, {Type: kvcache.Created, Key: "b"}}
	_ = l.OnEvents(ctx, events)
	events[0].Key = "mutated"
	_ = l.OnEvents(ctx, []kvcache.Event[int]{{Type: kvcache.Removed, Key: "c"}})

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if got := rec.keys; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("delivered %v", got)
	}
	if rec.close != 1 {
		t.Fatalf("inner listener closed %d times", rec.close)
	}
}

func TestDropsWhenFullAndReportsErrors(t *testing.T) {
	var mu sync.Mutex
	var errs int
	rec := &recorder{gate: make(chan struct{}), fail: true}
	l := New[int](rec, Options{QueueLen: 1, OnError: func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	}})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = l.OnEvents(ctx, []kvcache.Event[int]{{Key: "k"}})
	}
	if l.Dropped() < 3 {
		t.Fatalf("dropped=%d", l.Dropped())
	}
	close(rec.gate)
	_ = l.Close()

	mu.Lock()
	defer mu.Unlock()
	if delivered := 5 - int(l.Dropped()); errs != delivered {
		t.Fatalf("errors=%d delivered=%d", errs, delivered)
	}
}
