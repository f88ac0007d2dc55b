package rule

import (
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

// compiledRule is a rule with its Criteria program. A nil rule caches the
// absence of a rule for the activity type.
type compiledRule struct {
	rule     *Rule
	program  cel.Program
	loadedAt time.Time
}

// ruleCache is thread-safe, loads through singleflight, and expires entries
// after ttl so that edits made by another instance are picked up.
type ruleCache struct {
	mu    sync.RWMutex
	items map[string]*compiledRule
	ttl   time.Duration
	group singleflight.Group
}

func newRuleCache(ttl time.Duration) *ruleCache {
	return &ruleCache{
		items: make(map[string]*compiledRule),
		ttl:   ttl,
	}
}

func (c *ruleCache) Get(key string) (*compiledRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok || (c.ttl > 0 && time.Since(v.loadedAt) > c.ttl) {
		cacheMiss.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return v, true
}

func (c *ruleCache) Set(key string, v *compiledRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v.loadedAt = time.Now()
	c.items[key] = v
}

func (c *ruleCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}
