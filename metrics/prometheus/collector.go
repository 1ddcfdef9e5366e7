// Package prometheus exports kvcache statistics as Prometheus metrics.
//
// The collector reads Stats() on every scrape, so it costs nothing between
// scrapes. ClearStats resets the exported counters too.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/kvcache"
)

// Source is what the collector scrapes; every kvcache.Cache is one.
type Source interface {
	Name() string
	Stats() kvcache.StatsSnapshot
}

type Collector struct {
	mu      sync.RWMutex
	sources map[string]Source

	hits, misses, puts, removals, evictions *prometheus.Desc
	getSeconds, putSeconds, removeSeconds   *prometheus.Desc
	hitRatio                                *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector whose metrics are prefixed with namespace
// ("kvcache" if empty).
func NewCollector(namespace string, sources ...Source) *Collector {
	if namespace == "" {
		namespace = "kvcache"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"cache"}, nil)
	}
	c := &Collector{
		sources:       make(map[string]Source),
		hits:          desc("hits_total", "Reads that found an entry."),
		misses:        desc("misses_total", "Reads that found nothing."),
		puts:          desc("puts_total", "Entries written."),
		removals:      desc("removals_total", "Entries removed by caller operations."),
		evictions:     desc("evictions_total", "Entries removed through bulk removal or iteration."),
		getSeconds:    desc("get_seconds_total", "Time spent in reads."),
		putSeconds:    desc("put_seconds_total", "Time spent in writes."),
		removeSeconds: desc("remove_seconds_total", "Time spent in removals."),
		hitRatio:      desc("hit_ratio", "Hits over reads, 0 when there were no reads."),
	}
	for _, s := range sources {
		c.Add(s)
	}
	return c
}

// Add registers s under its name, replacing an earlier source with that name.
func (c *Collector) Add(s Source) {
	c.mu.Lock()
	c.sources[s.Name()] = s
	c.mu.Unlock()
}

func (c *Collector) Remove(name string) {
	c.mu.Lock()
	delete(c.sources, name)
	c.mu.Unlock()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.hits, c.misses, c.puts, c.removals, c.evictions,
		c.getSeconds, c.putSeconds, c.removeSeconds, c.hitRatio,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, s := range c.sources {
		st := s.Stats()
		counter := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, name)
		}
		counter(c.hits, float64(st.Hits))
		counter(c.misses, float64(st.Misses))
		counter(c.puts, float64(st.Puts))
		counter(c.removals, float64(st.Removals))
		counter(c.evictions, float64(st.Evictions))
		counter(c.getSeconds, st.GetTime.Seconds())
		counter(c.putSeconds, st.PutTime.Seconds())
		counter(c.removeSeconds, st.RemoveTime.Seconds())
		ch <- prometheus.MustNewConstMetric(c.hitRatio, prometheus.GaugeValue, st.HitPercentage()/100, name)
	}
}
