package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/metrics"
)

// Cache is the fingerprint → result cache. Entries expire after the
// configured TTL; capacity eviction is handled by the underlying store.
// BuildOnce provides the concurrent-build dedup guarantee.
type Cache struct {
	results otter.Cache[string, domain.Result]
	flights *group
	ttl     time.Duration
}

// New creates a cache bounded to capacity entries with the given TTL.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	results, err := otter.MustBuilder[string, domain.Result](capacity).
		Cost(func(_ string, _ domain.Result) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &Cache{
		results: results,
		flights: newGroup(),
		ttl:     ttl,
	}, nil
}

// Get returns the cached result for fp, if present and unexpired.
func (c *Cache) Get(fp Fingerprint) (domain.Result, bool) {
	res, ok := c.results.Get(fp.Hex())
	if ok {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
	}
	return res, ok
}

// Put stores a result under fp.
func (c *Cache) Put(fp Fingerprint, res domain.Result) {
	c.results.Set(fp.Hex(), res)
}

// BuildOnce guarantees at most one concurrent build per fingerprint:
// concurrent callers with the same fp wait for the first build's result
// instead of issuing a duplicate invocation. All callers receive the same
// result value.
func (c *Cache) BuildOnce(ctx context.Context, fp Fingerprint, build func(ctx context.Context) (*domain.Result, error)) (*domain.Result, error) {
	res, shared, err := c.flights.do(ctx, fp.Hex(), build)
	if shared {
		metrics.DedupWaits.Inc()
	}
	return res, err
}

// Close releases the underlying store.
func (c *Cache) Close() {
	c.results.Close()
}
