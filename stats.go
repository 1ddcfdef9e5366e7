package kvcache

import (
	"sync/atomic"
	"time"
)

// StatsSnapshot is a point-in-time copy of the cache counters.
type StatsSnapshot struct {
	Hits       int64
	Misses     int64
	Puts       int64
	Removals   int64
	Evictions  int64
	GetTime    time.Duration
	PutTime    time.Duration
	RemoveTime time.Duration
}

// Gets is hits plus misses.
func (s StatsSnapshot) Gets() int64 { return s.Hits + s.Misses }

func (s StatsSnapshot) HitPercentage() float64 {
	if s.Gets() == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Gets()) * 100
}

func (s StatsSnapshot) MissPercentage() float64 {
	if s.Gets() == 0 {
		return 0
	}
	return float64(s.Misses) / float64(s.Gets()) * 100
}

func avg(total time.Duration, n int64) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func (s StatsSnapshot) AverageGetTime() time.Duration    { return avg(s.GetTime, s.Gets()) }
func (s StatsSnapshot) AveragePutTime() time.Duration    { return avg(s.PutTime, s.Puts) }
func (s StatsSnapshot) AverageRemoveTime() time.Duration { return avg(s.RemoveTime, s.Removals) }

// stats holds the live counters. A nil *stats records nothing, which is how
// disabled statistics are expressed on the hot path.
type stats struct {
	hits, misses, puts, removals, evictions atomic.Int64
	getNanos, putNanos, removeNanos         atomic.Int64
}

func (s *stats) start() time.Time {
	if s == nil {
		return time.Time{}
	}
	return time.Now()
}

func (s *stats) hit(n int64) {
	if s != nil {
		s.hits.Add(n)
	}
}

func (s *stats) miss(n int64) {
	if s != nil {
		s.misses.Add(n)
	}
}

func (s *stats) put(n int64) {
	if s != nil {
		s.puts.Add(n)
	}
}

func (s *stats) removal(n int64) {
	if s != nil {
		s.removals.Add(n)
	}
}

func (s *stats) eviction(n int64) {
	if s != nil {
		s.evictions.Add(n)
	}
}

func (s *stats) getTime(start time.Time) {
	if s != nil {
		s.getNanos.Add(int64(time.Since(start)))
	}
}

func (s *stats) putTime(start time.Time) {
	if s != nil {
		s.putNanos.Add(int64(time.Since(start)))
	}
}

func (s *stats) removeTime(start time.Time) {
	if s != nil {
		s.removeNanos.Add(int64(time.Since(start)))
	}
}

func (s *stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Puts:       s.puts.Load(),
		Removals:   s.removals.Load(),
		Evictions:  s.evictions.Load(),
		GetTime:    time.Duration(s.getNanos.Load()),
		PutTime:    time.Duration(s.putNanos.Load()),
		RemoveTime: time.Duration(s.removeNanos.Load()),
	}
}

func (s *stats) reset() {
	for _, c := range []*atomic.Int64{
		&s.hits, &s.misses, &s.puts, &s.removals, &s.evictions,
		&s.getNanos, &s.putNanos, &s.removeNanos,
	} {
		c.Store(0)
	}
}

// recorder returns the counters when statistics are enabled, nil otherwise.
func (c *cache[V]) recorder() *stats {
	if !c.statsOn.Load() {
		return nil
	}
	return &c.stats
}

func (c *cache[V]) Stats() StatsSnapshot         { return c.stats.snapshot() }
func (c *cache[V]) ClearStats()                  { c.stats.reset() }
func (c *cache[V]) SetStatisticsEnabled(on bool) { c.statsOn.Store(on) }
