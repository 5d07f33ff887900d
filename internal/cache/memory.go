package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter"

	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
)

// MemoryCache is the in-process L1 over tenant document snapshots, keyed by
// the tenant storage key. It uses a high-performance, contention-free
// algorithm (S3-FIFO) provided by the 'otter' library.
type MemoryCache struct {
	store otter.Cache[string, *store.Document]
}

// NewMemoryCache initializes the in-memory cache with strict limits.
// capacity: max number of tenant snapshots (hard cap to prevent OOM).
// ttl: time-to-live per snapshot (safety net for eventual consistency).
func NewMemoryCache(capacity int, ttl time.Duration) (*MemoryCache, error) {
	// otter.MustBuilder panics on a bad capacity; Build reports the rest.
	builder := otter.MustBuilder[string, *store.Document](capacity).
		CollectStats().
		WithTTL(ttl)

	cache, err := builder.Build()
	if err != nil {
		return nil, err
	}

	return &MemoryCache{store: cache}, nil
}

// Get retrieves a snapshot from memory.
// Returns the snapshot and a boolean indicating if it was found.
// This operation is virtually lock-free and extremely fast.
func (c *MemoryCache) Get(key string) (*store.Document, bool) {
	doc, ok := c.store.Get(key)
	if ok {
		observability.DataPlaneCacheHits.Inc()
	} else {
		observability.DataPlaneCacheMisses.Inc()
	}
	return doc, ok
}

// Set adds or updates a snapshot in memory.
// The TTL configured in NewMemoryCache is applied automatically.
func (c *MemoryCache) Set(key string, doc *store.Document) {
	if !c.store.Set(key, doc) {
		observability.DataPlaneCacheDropped.Inc()
	}
}

// Del removes a snapshot from memory.
// Used primarily by the invalidation listener when a control-plane write
// is broadcast.
func (c *MemoryCache) Del(key string) {
	c.store.Delete(key)
}

// Close gracefully shuts down the cache and its background cleanup goroutines.
func (c *MemoryCache) Close() {
	c.store.Close()
}

// RunMetricsCollector periodically exports the statistics otter only exposes
// by polling (item count, evictions). Hits, misses and dropped writes are
// recorded inline on Get/Set. It blocks until ctx is cancelled.
func (c *MemoryCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastEvicted int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.DataPlaneCacheUsage.Set(float64(c.store.Size()))

			// EvictedCount is cumulative, so only the delta since the
			// previous tick is exported.
			stats := c.store.Stats()
			if evicted := stats.EvictedCount(); evicted > lastEvicted {
				observability.DataPlaneCacheEvictions.Add(float64(evicted - lastEvicted))
				lastEvicted = evicted
			}
		}
	}
}
