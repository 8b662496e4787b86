package budget

import (
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/routeguard/routeguard/internal/routererr"
)

// cachedSpend holds a cached ledger read with its timestamp.
type cachedSpend struct {
	amount   float64
	cachedAt time.Time
}

// spendCache is a TTL'd LRU cache in front of the ledger reader. Spend is
// advisory, so a short TTL bounds staleness while keeping the hot path free
// of ledger I/O.
type spendCache struct {
	cache *lru.Cache[string, cachedSpend]
	ttl   time.Duration
}

func newSpendCache(maxSize int, ttl time.Duration) (*spendCache, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	cache, err := lru.New[string, cachedSpend](maxSize)
	if err != nil {
		return nil, routererr.Wrap(routererr.KindInvalidRequest, "budget: failed to create spend cache", err)
	}
	return &spendCache{cache: cache, ttl: ttl}, nil
}

func cacheKey(kind ScopeKind, scopeID string, period Period) string {
	return fmt.Sprintf("%s:%s:%s", kind, scopeID, period)
}

func (c *spendCache) Get(kind ScopeKind, scopeID string, period Period) (float64, bool) {
	cached, ok := c.cache.Get(cacheKey(kind, scopeID, period))
	if !ok {
		return 0, false
	}
	if time.Since(cached.cachedAt) > c.ttl {
		c.cache.Remove(cacheKey(kind, scopeID, period))
		return 0, false
	}
	return cached.amount, true
}

func (c *spendCache) Set(kind ScopeKind, scopeID string, period Period, amount float64) {
	c.cache.Add(cacheKey(kind, scopeID, period), cachedSpend{
		amount:   amount,
		cachedAt: time.Now(),
	})
}

// Flush drops everything. Called whenever policies change so stale reads
// cannot mask a new limit.
func (c *spendCache) Flush() {
	c.cache.Purge()
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
