package baseline

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/store"
)

// Cache holds history windows between scoring calls. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(key string) ([]float64, bool)
	Add(key string, values []float64)
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(string) ([]float64, bool) { return nil, false }
func (NoopCache) Add(string, []float64)        {}

// LRUCache is a size-bounded cache whose entries expire after a TTL.
type LRUCache struct {
	lru *expirable.LRU[string, []float64]
}

// NewLRUCache returns a cache of at most size windows, each kept for ttl.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[string, []float64](size, nil, ttl)}
}

func (c *LRUCache) Get(key string) ([]float64, bool) {
	return c.lru.Get(key)
}

func (c *LRUCache) Add(key string, values []float64) {
	c.lru.Add(key, values)
}

// Len reports the number of live entries.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

// NewCache builds the cache described by cfg. A non-positive size disables caching.
func NewCache(cfg Config) Cache {
	if cfg.CacheSize <= 0 {
		return NoopCache{}
	}
	return NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
}

func cacheKey(q store.HistoryQuery) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		q.EntityType, q.EntityID, q.Field,
		q.Since.Format(model.DateLayout), q.Until.Format(model.DateLayout),
		q.ExcludeTicketID,
	)
}
