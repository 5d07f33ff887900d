package cache_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuld-io/skuld/internal/cache"
	"github.com/skuld-io/skuld/internal/testsupport"
)

func TestMemoryCache_Metrics(t *testing.T) {
	// Low capacity to force evictions easily.
	c, err := cache.NewMemoryCache(10, 1*time.Minute)
	require.NoError(t, err)
	defer c.Close()

	// 1. Hotpath metrics (hits/misses)
	t.Run("records access metrics", func(t *testing.T) {
		t.Run("misses", func(t *testing.T) {
			testsupport.AssertMetricDelta(t, "skuld_data_plane_l1_cache_misses_total", nil, 1, func() {
				_, found := c.Get("v1:unknown:production")
				assert.False(t, found)
			})
		})

		t.Run("hits", func(t *testing.T) {
			c.Set("v1:shop:production", testSnapshot(t, "new-checkout"))
			testsupport.AssertMetricDelta(t, "skuld_data_plane_l1_cache_hits_total", nil, 1, func() {
				val, found := c.Get("v1:shop:production")
				assert.True(t, found)
				assert.Contains(t, val.Flags, "new-checkout")
			})
		})
	})

	// 2. Background metrics (collector)
	t.Run("async collector metrics", func(t *testing.T) {
		ctx := t.Context()

		go c.RunMetricsCollector(ctx, 10*time.Millisecond)

		t.Run("reflects items usage", func(t *testing.T) {
			for i := range 5 {
				key := fmt.Sprintf("v1:app-%d:production", i)
				c.Set(key, testSnapshot(t, "new-checkout"))
			}

			require.Eventually(t, func() bool {
				val := testsupport.GetMetricValue(t, "skuld_data_plane_l1_cache_items_count", nil)
				return val >= 5
			}, 2*time.Second, 50*time.Millisecond, "usage metric failed to update")
		})

		t.Run("reflects evictions", func(t *testing.T) {
			// Flood the cache (capacity 10 -> write 100) to force eviction.
			for i := range 100 {
				key := fmt.Sprintf("v1:overflow-%d:production", i)
				c.Set(key, testSnapshot(t, "new-checkout"))
			}

			require.Eventually(t, func() bool {
				val := testsupport.GetMetricValue(t, "skuld_data_plane_l1_cache_evictions_total", nil)
				return val > 0
			}, 2*time.Second, 50*time.Millisecond, "evictions metric failed to increment")
		})

		t.Run("reflects dropped writes (stress test)", func(t *testing.T) {
			var wg sync.WaitGroup
			concurrency := 20
			writes := 100

			doc := testSnapshot(t, "stress")
			for i := range concurrency {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for j := range writes {
						key := fmt.Sprintf("v1:stress-%d-%d:production", id, j)
						c.Set(key, doc)
					}
				}(i)
			}
			wg.Wait()

			// May legitimately stay at 0 on fast hardware.
			val := testsupport.GetMetricValue(t, "skuld_data_plane_l1_cache_dropped_total", nil)
			assert.GreaterOrEqual(t, val, 0.0)
		})
	})
}
