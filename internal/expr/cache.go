package expr

import (
	"github.com/maypok86/otter"
)

// compileEntry memoizes one compilation outcome. Failures are cached too:
// a broken rule sits in its definition until someone edits it, so recompiling
// it on every decision would be wasted work.
type compileEntry struct {
	prog *Program
	err  error
}

// Cache is a bounded, concurrency-safe cache of compiled expressions keyed
// by source text.
type Cache struct {
	entries otter.Cache[string, compileEntry]
}

// NewCache initializes the compiled-expression cache with a hard capacity.
func NewCache(capacity int) (*Cache, error) {
	entries, err := otter.MustBuilder[string, compileEntry](capacity).Build()
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Compile returns the compiled program for src, compiling and memoizing it
// on first sight. Concurrent callers may compile the same source once each;
// the result is identical so the race is harmless.
func (c *Cache) Compile(src string) (*Program, error) {
	if entry, ok := c.entries.Get(src); ok {
		return entry.prog, entry.err
	}

	prog, err := Compile(src)
	c.entries.Set(src, compileEntry{prog: prog, err: err})
	return prog, err
}

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.entries.Close()
}
