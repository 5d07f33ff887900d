package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuld-io/skuld/internal/tenant"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := tenant.Default()

	t.Run("Should persist documents across restarts", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")

		b, err := NewFileBackend(discardLogger(), path, false)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })

		doc := NewDocument()
		doc.Segments["staff"] = "user.staff == true"
		doc.Flags["checkout"] = boolFlag("checkout")
		require.NoError(t, b.Save(ctx, key, doc, 0))

		reopened, err := NewFileBackend(discardLogger(), path, false)
		require.NoError(t, err)
		t.Cleanup(func() { reopened.Close() })

		loaded, version, err := reopened.Load(ctx, key)
		require.NoError(t, err)
		assert.Contains(t, loaded.Flags, "checkout")
		assert.Equal(t, "user.staff == true", loaded.Segments["staff"])
		assert.Equal(t, uint64(1), version, "versions restart with the process")
	})

	t.Run("Should key the file by versioned storage keys", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")

		b, err := NewFileBackend(discardLogger(), path, false)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		require.NoError(t, b.Save(ctx, key, NewDocument(), 0))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"v1:default:production"`)
	})

	t.Run("Should reject a stale save", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")

		b, err := NewFileBackend(discardLogger(), path, false)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })

		require.NoError(t, b.Save(ctx, key, NewDocument(), 0))
		assert.ErrorIs(t, b.Save(ctx, key, NewDocument(), 0), ErrVersionConflict)
	})

	t.Run("Should fail construction on an invalid file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"v1:default:production": {"flags": {"x": {"id": "x", "type": "toggle"}}}}`), 0o644))

		_, err := NewFileBackend(discardLogger(), path, false)
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("Should fail construction on an unrecognized storage key", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"default/production": {}}`), 0o644))

		_, err := NewFileBackend(discardLogger(), path, false)
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("Should start empty when the file does not exist yet", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")

		b, err := NewFileBackend(discardLogger(), path, false)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })

		keys, err := b.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestFileBackendWatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := tenant.Default()

	hasFlag := func(b *FileBackend, id string) func() bool {
		return func() bool {
			doc, _, err := b.Load(ctx, key)
			if err != nil {
				return false
			}
			_, ok := doc.Flags[id]
			return ok
		}
	}

	t.Run("Should fold external edits into the served state", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")

		b, err := NewFileBackend(discardLogger(), path, true)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })

		external := `{"v1:default:production": {"flags": {"external": {"id": "external", "type": "boolean", "enabled": true}}}}`
		require.NoError(t, os.WriteFile(path, []byte(external), 0o644))

		require.Eventually(t, hasFlag(b, "external"), 5*time.Second, 20*time.Millisecond,
			"the watcher should pick up the external write")
	})

	t.Run("Should keep serving the previous state through an invalid edit", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")

		b, err := NewFileBackend(discardLogger(), path, true)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })

		doc := NewDocument()
		doc.Flags["kept"] = boolFlag("kept")
		require.NoError(t, b.Save(ctx, key, doc, 0))

		// Corrupt the file, then follow up with a valid edit. Once the valid
		// edit is visible the corrupt one must have been ignored in between.
		require.NoError(t, os.WriteFile(path, []byte(`{"v1:default:production": not json`), 0o644))
		valid := `{
			"v1:default:production": {
				"flags": {
					"kept": {"id": "kept", "type": "boolean", "enabled": true},
					"added": {"id": "added", "type": "boolean"}
				}
			}
		}`
		require.NoError(t, os.WriteFile(path, []byte(valid), 0o644))

		require.Eventually(t, hasFlag(b, "added"), 5*time.Second, 20*time.Millisecond)

		loaded, _, err := b.Load(ctx, key)
		require.NoError(t, err)
		assert.Contains(t, loaded.Flags, "kept")
	})

	t.Run("Should bump versions on reload so stale saves conflict", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "flags.json")

		b, err := NewFileBackend(discardLogger(), path, true)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })

		require.NoError(t, b.Save(ctx, key, NewDocument(), 0))
		_, before, err := b.Load(ctx, key)
		require.NoError(t, err)

		external := `{"v1:default:production": {"flags": {"external": {"id": "external", "type": "boolean"}}}}`
		require.NoError(t, os.WriteFile(path, []byte(external), 0o644))
		require.Eventually(t, hasFlag(b, "external"), 5*time.Second, 20*time.Millisecond)

		assert.ErrorIs(t, b.Save(ctx, key, NewDocument(), before), ErrVersionConflict,
			"a save computed before the reload must not clobber the edit")
	})
}
