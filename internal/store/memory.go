package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/skuld-io/skuld/internal/tenant"
)

// Compile-time check that MemoryBackend implements Backend.
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps tenant documents in process memory. It backs tests and
// single-node development setups; nothing survives a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[tenant.Key]memoryEntry
}

type memoryEntry struct {
	doc     Document
	version uint64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[tenant.Key]memoryEntry)}
}

// Load returns a deep copy so callers can mutate the document without
// touching the stored one. Missing tenants come back empty at version 0.
func (b *MemoryBackend) Load(_ context.Context, key tenant.Key) (Document, uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[key]
	if !ok {
		return NewDocument(), 0, nil
	}
	return e.doc.Clone(), e.version, nil
}

// Save stores a deep copy of doc under the next version.
func (b *MemoryBackend) Save(_ context.Context, key tenant.Key, doc Document, version uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.entries[key].version
	if current != version {
		return fmt.Errorf("%w: tenant %s is at version %d, save expected %d", ErrVersionConflict, key, current, version)
	}
	b.entries[key] = memoryEntry{doc: doc.Clone(), version: version + 1}
	return nil
}

// Keys lists the stored tenants in stable order.
func (b *MemoryBackend) Keys(_ context.Context) ([]tenant.Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]tenant.Key, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b tenant.Key) int {
		return strings.Compare(a.Storage(), b.Storage())
	})
	return keys, nil
}
