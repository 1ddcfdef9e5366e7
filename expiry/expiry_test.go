package expiry

import (
	"errors"
	"testing"
	"time"
)

func TestDecideStates(t *testing.T) {
	cases := []struct {
		name string
		d    Duration
		want Decision
	}{
		{"unspecified", Duration{}, Decision{Action: KeepUnchanged}},
		{"zero", Zero, Decision{Action: ExpireNow}},
		{"eternal", Eternal, Decision{Action: NoExpiry}},
		{"minute", For(time.Minute), Decision{Action: ExpireAfter, Seconds: 60}},
		{"sub_second_rounds_up", For(300 * time.Millisecond), Decision{Action: ExpireAfter, Seconds: 1}},
		{"fraction_rounds_up", For(1500 * time.Millisecond), Decision{Action: ExpireAfter, Seconds: 2}},
		{"max", For(MaxLifetime), Decision{Action: ExpireAfter, Seconds: MaxLifetimeSeconds}},
		{"negative_is_zero", For(-time.Second), Decision{Action: ExpireNow}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decide(Static{Creation: tc.d}, Creation)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestDecideRejectsFortyDays(t *testing.T) {
	_, err := Decide(Created(40*24*time.Hour), Creation)
	if !errors.Is(err, ErrLifetimeTooLong) {
		t.Fatalf("expected ErrLifetimeTooLong, got %v", err)
	}
	var le *LifetimeError
	if !errors.As(err, &le) || le.Op != Creation {
		t.Fatalf("expected *LifetimeError for creation, got %T %v", err, err)
	}
}

func TestDecidePerOperation(t *testing.T) {
	p := Static{Creation: For(time.Minute), Update: Zero, Access: Eternal}

	if d, _ := Decide(p, Creation); d.Action != ExpireAfter || d.Seconds != 60 {
		t.Fatalf("creation: %v", d)
	}
	if d, _ := Decide(p, Update); d.Persist() {
		t.Fatalf("update should not persist: %v", d)
	}
	if d, _ := Decide(p, Access); !d.Refresh() {
		t.Fatalf("access should refresh: %v", d)
	}
	if _, err := Decide(p, Operation(9)); !errors.Is(err, ErrUnknownLifetime) {
		t.Fatalf("expected ErrUnknownLifetime, got %v", err)
	}
}

func TestBuiltinPolicies(t *testing.T) {
	if d, _ := Decide(EternalPolicy, Access); d.Refresh() {
		t.Fatalf("eternal policy must not refresh on access")
	}
	if d, _ := Decide(Accessed(time.Minute), Update); d.Action != KeepUnchanged {
		t.Fatalf("accessed policy keeps lifetime on update, got %v", d)
	}
	if d, _ := Decide(Touched(time.Minute), Access); d.Action != ExpireAfter {
		t.Fatalf("touched policy refreshes on access, got %v", d)
	}
	if d, _ := Decide(nil, Creation); d.Action != NoExpiry {
		t.Fatalf("nil policy is eternal, got %v", d)
	}
}

func TestDecisionTTL(t *testing.T) {
	if ttl, err := (Decision{Action: KeepUnchanged}).TTL(); err != nil || ttl != KeepTTL {
		t.Fatalf("keep: ttl=%v err=%v", ttl, err)
	}
	if ttl, err := (Decision{Action: NoExpiry}).TTL(); err != nil || ttl != 0 {
		t.Fatalf("no expiry: ttl=%v err=%v", ttl, err)
	}
	if ttl, err := (Decision{Action: ExpireAfter, Seconds: 5}).TTL(); err != nil || ttl != 5*time.Second {
		t.Fatalf("expire after: ttl=%v err=%v", ttl, err)
	}
	if _, err := (Decision{Action: ExpireNow}).TTL(); !errors.Is(err, ErrUnknownLifetime) {
		t.Fatalf("expire now has no ttl, got %v", err)
	}
	if _, err := (Decision{Action: Action(42)}).TTL(); !errors.Is(err, ErrUnknownLifetime) {
		t.Fatalf("unknown action, got %v", err)
	}
	if _, err := (Decision{Action: ExpireAfter, Seconds: MaxLifetimeSeconds + 1}).TTL(); !errors.Is(err, ErrUnknownLifetime) {
		t.Fatalf("out of range seconds, got %v", err)
	}
}
