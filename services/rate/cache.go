package rate

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type timeline struct {
	snapshots []Snapshot
	loadedAt  time.Time
}

// timelineCache keeps the ordered snapshots per rate type. Publishing through
// this process invalidates immediately; the ttl bounds staleness when another
// instance publishes.
type timelineCache struct {
	mu    sync.RWMutex
	items map[RateType]*timeline
	ttl   time.Duration
	group singleflight.Group
}

func newTimelineCache(ttl time.Duration) *timelineCache {
	return &timelineCache{
		items: make(map[RateType]*timeline),
		ttl:   ttl,
	}
}

func (c *timelineCache) Get(key RateType) ([]Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok || (c.ttl > 0 && time.Since(v.loadedAt) > c.ttl) {
		cacheMiss.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return v.snapshots, true
}

func (c *timelineCache) Set(key RateType, v []Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &timeline{snapshots: v, loadedAt: time.Now()}
}

func (c *timelineCache) Invalidate(key RateType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}
