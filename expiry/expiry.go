// Package expiry describes how long cache entries live.
//
// A Policy answers three questions: how long does an entry live after it is
// created, after it is updated and after it is read. Each answer is a Duration
// in one of four states:
//
//	Duration{}       unspecified - leave the stored lifetime alone
//	Zero             expire now  - the write must not be persisted
//	Eternal          never expire
//	Of(5, time.Minute) / For(5*time.Minute)
//
// Decide turns a policy answer into a Decision the cache can hand to a store.
package expiry

import (
	"fmt"
	"time"
)

type durationKind uint8

const (
	kindUnspecified durationKind = iota
	kindZero
	kindEternal
	kindFinite
)

// Duration is a lifetime as returned by a Policy. The zero value is "unspecified".
type Duration struct {
	kind durationKind
	d    time.Duration
}

var (
	// Zero expires an entry immediately.
	Zero = Duration{kind: kindZero}
	// Eternal never expires an entry.
	Eternal = Duration{kind: kindEternal}
)

// For returns a finite lifetime. d <= 0 is Zero.
func For(d time.Duration) Duration {
	if d <= 0 {
		return Zero
	}
	return Duration{kind: kindFinite, d: d}
}

// Of returns amount*unit, e.g. Of(30, time.Second).
func Of(amount int64, unit time.Duration) Duration {
	return For(time.Duration(amount) * unit)
}

func (d Duration) IsUnspecified() bool { return d.kind == kindUnspecified }
func (d Duration) IsZero() bool        { return d.kind == kindZero }
func (d Duration) IsEternal() bool     { return d.kind == kindEternal }

// Value returns the finite length; 0 for the other states.
func (d Duration) Value() time.Duration {
	if d.kind != kindFinite {
		return 0
	}
	return d.d
}

func (d Duration) String() string {
	switch d.kind {
	case kindUnspecified:
		return "unspecified"
	case kindZero:
		return "zero"
	case kindEternal:
		return "eternal"
	default:
		return d.d.String()
	}
}

// Policy supplies lifetimes per operation kind.
type Policy interface {
	ForCreation() Duration
	ForUpdate() Duration
	ForAccess() Duration
}

// Static is a Policy with fixed answers.
type Static struct {
	Creation Duration
	Update   Duration
	Access   Duration
}

var _ Policy = Static{}

func (s Static) ForCreation() Duration { return s.Creation }
func (s Static) ForUpdate() Duration   { return s.Update }
func (s Static) ForAccess() Duration   { return s.Access }

func (s Static) String() string {
	return fmt.Sprintf("expiry{creation=%s update=%s access=%s}", s.Creation, s.Update, s.Access)
}

// EternalPolicy never expires entries and never touches them on access.
var EternalPolicy Policy = Static{Creation: Eternal}

// Created expires entries d after creation; updates and reads keep the lifetime.
func Created(d time.Duration) Policy { return Static{Creation: For(d)} }

// Modified expires entries d after creation or the last update.
func Modified(d time.Duration) Policy {
	return Static{Creation: For(d), Update: For(d)}
}

// Accessed expires entries d after creation or the last read.
func Accessed(d time.Duration) Policy {
	return Static{Creation: For(d), Access: For(d)}
}

// Touched expires entries d after creation, update or read.
func Touched(d time.Duration) Policy {
	return Static{Creation: For(d), Update: For(d), Access: For(d)}
}
