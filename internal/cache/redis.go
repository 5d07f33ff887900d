// Package cache provides the layered read path for tenant documents: an
// in-process snapshot cache (L1) and a shared Redis snapshot cache (L2) with
// pub/sub invalidation between instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
	"github.com/skuld-io/skuld/internal/tenant"
	"github.com/skuld-io/skuld/internal/validation"
)

// TenantCache is the shared L2 cache. It stores one JSON snapshot of the
// whole tenant document under the tenant's storage key ("v1:<app>:<env>"),
// so a single round trip serves every flag of a tenant.
type TenantCache struct {
	logger  *slog.Logger
	client  *redis.Client
	ttl     time.Duration
	channel string
}

// NewTenantCache wires an L2 cache on top of an already connected client.
// The client is shared infrastructure and stays owned by the caller.
func NewTenantCache(logger *slog.Logger, client *redis.Client, ttl time.Duration, channel string) *TenantCache {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(client, "cache: redis client")
	if channel == "" {
		panic("cache: invalidation channel cannot be empty")
	}

	return &TenantCache{
		logger:  logger,
		client:  client,
		ttl:     ttl,
		channel: channel,
	}
}

// Get returns the cached snapshot for the tenant. A missing key is a plain
// miss, not an error. A snapshot that no longer decodes is dropped so the
// next read repopulates it from the store.
func (c *TenantCache) Get(ctx context.Context, key tenant.Key) (store.Document, bool, error) {
	raw, err := c.client.Get(ctx, key.Storage()).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Document{}, false, nil
	}
	if err != nil {
		return store.Document{}, false, fmt.Errorf("failed to read snapshot for %s: %w", key, err)
	}

	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		c.logger.Warn("dropping undecodable tenant snapshot",
			slog.String("tenant", key.String()),
			slog.Any("error", err),
		)
		c.client.Del(ctx, key.Storage())
		return store.Document{}, false, nil
	}
	return doc, true, nil
}

// Set stores the document snapshot under the tenant's storage key with the
// configured TTL.
func (c *TenantCache) Set(ctx context.Context, key tenant.Key, doc store.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key.Storage(), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", key, err)
	}
	return nil
}

// Invalidate drops the tenant's snapshot and broadcasts its storage key so
// every data-plane instance evicts the in-process copy as well. Called by
// the control plane after each successful write.
func (c *TenantCache) Invalidate(ctx context.Context, key tenant.Key) error {
	if err := c.client.Del(ctx, key.Storage()).Err(); err != nil {
		return fmt.Errorf("failed to drop snapshot for %s: %w", key, err)
	}

	if err := c.client.Publish(ctx, c.channel, key.Storage()).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation for %s: %w", key, err)
	}
	return nil
}

// RunInvalidationListener subscribes to the invalidation channel and calls
// evict with each received storage key. It returns once ctx is cancelled or
// the subscription is torn down; transport errors surface to the caller so
// the service can decide whether to restart the listener.
func (c *TenantCache) RunInvalidationListener(ctx context.Context, evict func(storageKey string)) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	// Receive blocks until the server confirms the subscription, so events
	// published after this point are guaranteed to be delivered.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			observability.DataPlaneInvalidations.Inc()
			c.logger.Debug("invalidation received", slog.String("key", msg.Payload))
			evict(msg.Payload)
		}
	}
}
