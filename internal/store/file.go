package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/skuld-io/skuld/internal/tenant"
)

// Compile-time check that FileBackend implements Backend.
var _ Backend = (*FileBackend)(nil)

// FileBackend persists every tenant document in one JSON file, keyed by the
// versioned storage key ("v1:<app>:<env>"). Writes replace the file through
// an atomic rename. With watching enabled, external edits to the file are
// validated and folded back in, so the file doubles as a GitOps-style
// definition source. Versions live in memory only; optimistic concurrency
// holds within a process, which is the deployment this backend is for.
type FileBackend struct {
	logger *slog.Logger
	path   string

	mu      sync.RWMutex
	entries map[tenant.Key]memoryEntry
	// applied is the raw file content this state was built from. Reload
	// events carrying identical bytes, such as our own saves, are skipped.
	applied []byte

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewFileBackend loads the file at path, if it exists, and optionally starts
// watching it for external edits. An unreadable or invalid file fails
// construction; later invalid updates only log and keep the previous state.
func NewFileBackend(logger *slog.Logger, path string, watch bool) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.New("store: file path cannot be empty")
	}

	b := &FileBackend{
		logger:  logger,
		path:    path,
		entries: make(map[tenant.Key]memoryEntry),
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run; the file appears on the first save.
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if err := b.replace(raw); err != nil {
			return nil, err
		}
		b.applied = raw
	}

	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory: the atomic rename on save replaces the
		// file's inode and a watch on the file itself would be lost.
		if err := w.Add(filepath.Dir(path)); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		b.watcher = w
		b.done = make(chan struct{})
		go b.watch()
	}

	return b, nil
}

// Close stops the watcher, if one is running.
func (b *FileBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.watcher != nil {
			close(b.done)
			err = b.watcher.Close()
		}
	})
	return err
}

// Load returns a deep copy of the tenant document. Missing tenants come back
// empty at version 0.
func (b *FileBackend) Load(_ context.Context, key tenant.Key) (Document, uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[key]
	if !ok {
		return NewDocument(), 0, nil
	}
	return e.doc.Clone(), e.version, nil
}

// Save updates the in-memory state and rewrites the whole file atomically.
func (b *FileBackend) Save(_ context.Context, key tenant.Key, doc Document, version uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.entries[key].version
	if current != version {
		return fmt.Errorf("%w: tenant %s is at version %d, save expected %d", ErrVersionConflict, key, current, version)
	}

	next := make(map[tenant.Key]memoryEntry, len(b.entries)+1)
	for k, e := range b.entries {
		next[k] = e
	}
	next[key] = memoryEntry{doc: doc.Clone(), version: version + 1}

	raw, err := marshalFile(next)
	if err != nil {
		return err
	}
	if err := b.writeFile(raw); err != nil {
		return err
	}

	b.entries = next
	b.applied = raw
	return nil
}

// Keys lists the stored tenants in stable order.
func (b *FileBackend) Keys(_ context.Context) ([]tenant.Key, error) {
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

// replace rebuilds the in-memory state from raw file content. Every entry is
// schema-validated first. Versions continue from the previous state so an
// in-flight save computed against the old content conflicts and retries.
// The caller must hold mu (or be the constructor, before any concurrency).
func (b *FileBackend) replace(raw []byte) error {
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("failed to decode %s: %w", b.path, err)
	}

	entries := make(map[tenant.Key]memoryEntry, len(docs))
	for storageKey, rawDoc := range docs {
		key, ok := tenant.ParseStorage(storageKey)
		if !ok {
			return fmt.Errorf("%w: unrecognized storage key %q in %s", ErrInvalidDefinition, storageKey, b.path)
		}
		if err := ValidateDocumentJSON(rawDoc); err != nil {
			return fmt.Errorf("tenant %s: %w", key, err)
		}
		var doc Document
		if err := json.Unmarshal(rawDoc, &doc); err != nil {
			return fmt.Errorf("failed to decode tenant %s: %w", key, err)
		}
		doc.ensureMaps()
		entries[key] = memoryEntry{doc: doc, version: b.entries[key].version + 1}
	}

	b.entries = entries
	return nil
}

func (b *FileBackend) watch() {
	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(b.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			b.reload()

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Error("flag file watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload folds an external file change into the in-memory state. Invalid
// content is logged and ignored; serving the previous definitions beats
// serving none.
func (b *FileBackend) reload() {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			b.logger.Error("failed to reload flag file",
				slog.String("path", b.path),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if bytes.Equal(raw, b.applied) {
		return
	}
	if err := b.replace(raw); err != nil {
		b.logger.Error("ignoring invalid flag file update",
			slog.String("path", b.path),
			slog.String("error", err.Error()),
		)
		return
	}
	b.applied = raw

	b.logger.Info("flag file reloaded",
		slog.String("path", b.path),
		slog.Int("tenants", len(b.entries)),
	)
}

func marshalFile(entries map[tenant.Key]memoryEntry) ([]byte, error) {
	out := make(map[string]Document, len(entries))
	for k, e := range entries {
		out[k.Storage()] = e.doc
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode flag file: %w", err)
	}
	return append(raw, '\n'), nil
}

// writeFile lands the content through a temp file plus rename, so readers
// and the watcher never observe a half-written file.
func (b *FileBackend) writeFile(raw []byte) error {
	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".skuld-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", b.path, err)
	}
	return nil
}
