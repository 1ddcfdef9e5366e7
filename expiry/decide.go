package expiry

import (
	"errors"
	"fmt"
	"time"
)

// MaxLifetime is the longest finite lifetime a store accepts as a relative TTL.
const (
	MaxLifetime        = 30 * 24 * time.Hour
	MaxLifetimeSeconds = int64(MaxLifetime / time.Second) // 2_592_000
)

// KeepTTL is the store TTL argument meaning "leave the current lifetime as is".
// It matches store.KeepTTL; duplicated so this package stays dependency free.
const KeepTTL time.Duration = -1

var (
	ErrLifetimeTooLong = errors.New("expiry: lifetime exceeds 30 days")
	ErrUnknownLifetime = errors.New("expiry: unknown lifetime action")
)

// Operation is the kind of cache operation asking for a lifetime.
type Operation uint8

const (
	Creation Operation = iota
	Update
	Access
)

func (o Operation) String() string {
	switch o {
	case Creation:
		return "creation"
	case Update:
		return "update"
	case Access:
		return "access"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Action is what a write (or a touch) must do with an entry's lifetime.
type Action uint8

const (
	KeepUnchanged Action = iota
	ExpireNow
	NoExpiry
	ExpireAfter
)

func (a Action) String() string {
	switch a {
	case KeepUnchanged:
		return "keep"
	case ExpireNow:
		return "expire_now"
	case NoExpiry:
		return "no_expiry"
	case ExpireAfter:
		return "expire_after"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Decision is the concrete lifetime for one operation.
// Seconds is set only for ExpireAfter.
type Decision struct {
	Action  Action
	Seconds int64
}

// Persist reports whether a write under this decision must reach the store.
func (d Decision) Persist() bool { return d.Action != ExpireNow }

// Refresh reports whether an access under this decision must touch the entry.
func (d Decision) Refresh() bool {
	return d.Action == NoExpiry || d.Action == ExpireAfter
}

// TTL converts the decision into a store TTL argument.
// ExpireNow has no TTL; callers must not write.
func (d Decision) TTL() (time.Duration, error) {
	switch d.Action {
	case KeepUnchanged:
		return KeepTTL, nil
	case NoExpiry:
		return 0, nil
	case ExpireAfter:
		if d.Seconds < 1 || d.Seconds > MaxLifetimeSeconds {
			return 0, fmt.Errorf("%w: %d seconds", ErrUnknownLifetime, d.Seconds)
		}
		return time.Duration(d.Seconds) * time.Second, nil
	case ExpireNow:
		return 0, fmt.Errorf("%w: expire_now has no ttl", ErrUnknownLifetime)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownLifetime, d.Action)
	}
}

func (d Decision) String() string {
	if d.Action == ExpireAfter {
		return fmt.Sprintf("expire_after(%ds)", d.Seconds)
	}
	return d.Action.String()
}

// LifetimeError reports a policy answer that no store can honor.
type LifetimeError struct {
	Op       Operation
	Duration time.Duration
}

func (e *LifetimeError) Error() string {
	return fmt.Sprintf("expiry: %s lifetime %s exceeds 30 days (%d seconds)", e.Op, e.Duration, MaxLifetimeSeconds)
}

func (e *LifetimeError) Unwrap() error { return ErrLifetimeTooLong }

// Decide asks p for the lifetime of op and converts it. A nil policy is eternal.
func Decide(p Policy, op Operation) (Decision, error) {
	if p == nil {
		p = EternalPolicy
	}
	var d Duration
	switch op {
	case Creation:
		d = p.ForCreation()
	case Update:
		d = p.ForUpdate()
	case Access:
		d = p.ForAccess()
	default:
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownLifetime, op)
	}

	switch d.kind {
	case kindUnspecified:
		return Decision{Action: KeepUnchanged}, nil
	case kindZero:
		return Decision{Action: ExpireNow}, nil
	case kindEternal:
		return Decision{Action: NoExpiry}, nil
	case kindFinite:
		// round sub-second remainders up; a positive lifetime never becomes "no expiry"
		secs := int64((d.d + time.Second - 1) / time.Second)
		if secs > MaxLifetimeSeconds {
			return Decision{}, &LifetimeError{Op: op, Duration: d.d}
		}
		return Decision{Action: ExpireAfter, Seconds: secs}, nil
	default:
		return Decision{}, fmt.Errorf("%w: duration kind %d", ErrUnknownLifetime, d.kind)
	}
}
