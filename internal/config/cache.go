package config

import (
	"fmt"
	"time"
)

// CacheConfig configures the layered read path of the evaluation surface:
// an in-process snapshot cache (L1), a shared Redis snapshot cache (L2) and
// the compiled rule-expression cache.
type CacheConfig struct {
	// L1 in-process tenant snapshot cache.
	L1Capacity int           `envconfig:"L1_CAPACITY" default:"10000" validate:"min=1"`
	L1TTL      time.Duration `envconfig:"L1_TTL" default:"30s" validate:"gt=0"`

	// L2 shared snapshot cache (Redis).
	L2Enabled bool          `envconfig:"L2_ENABLED" default:"true"`
	L2TTL     time.Duration `envconfig:"L2_TTL" default:"5m" validate:"gt=0"`

	// InvalidationChannel is the pub/sub channel used to evict stale snapshots
	// from every data-plane instance after a control-plane write.
	InvalidationChannel string `envconfig:"INVALIDATION_CHANNEL" default:"skuld:invalidate"`

	// ExprCapacity bounds the compiled rule-expression cache.
	ExprCapacity int `envconfig:"EXPR_CAPACITY" default:"4096" validate:"min=1"`
}

// Validate checks CacheConfig fields for correctness.
func (c *CacheConfig) Validate() error {
	if c.L2Enabled && c.InvalidationChannel == "" {
		return fmt.Errorf("cache invalidation channel cannot be empty when L2 is enabled")
	}
	return nil
}
