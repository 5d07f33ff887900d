package config

import (
	"fmt"
	"time"
)

// HydratorConfig contains configuration for the cache hydration worker.
// The hydrator periodically loads every tenant document from the store and
// refreshes the shared snapshot cache so evaluation nodes rarely fall through
// to the store.
type HydratorConfig struct {
	Enabled     bool          `envconfig:"ENABLED" default:"true"`
	Interval    time.Duration `envconfig:"INTERVAL" default:"30s" validate:"gt=0"`
	Concurrency int           `envconfig:"CONCURRENCY" default:"8" validate:"min=1"`
	LoadTimeout time.Duration `envconfig:"LOAD_TIMEOUT" default:"5s" validate:"gt=0"`
}

// Validate checks HydratorConfig against the cache topology.
func (h *HydratorConfig) Validate(l2Enabled bool) error {
	if h.Enabled && !l2Enabled {
		return fmt.Errorf("hydrator requires the L2 cache: enable SKULD_CACHE_L2_ENABLED or disable the hydrator")
	}
	return nil
}
