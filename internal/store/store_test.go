package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuld-io/skuld/internal/tenant"
)

func newTestStore(t *testing.T) *TenantStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, NewMemoryBackend(), 5)
}

func TestGetData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := tenant.Default()

	t.Run("Should return an empty document for an unknown tenant", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		doc, err := s.GetData(ctx, key)

		require.NoError(t, err)
		assert.Empty(t, doc.Flags)
		assert.Empty(t, doc.Segments)
		assert.NotNil(t, doc.Flags)
		assert.NotNil(t, doc.Segments)
	})

	t.Run("Should return written definitions with an update timestamp", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, err := s.PutSegment(ctx, key, "staff", "user.staff == true")
		require.NoError(t, err)
		_, _, err = s.PutFlag(ctx, key, boolFlag("checkout"))
		require.NoError(t, err)

		doc, err := s.GetData(ctx, key)

		require.NoError(t, err)
		assert.Contains(t, doc.Flags, "checkout")
		assert.Contains(t, doc.Segments, "staff")
		assert.False(t, doc.UpdatedAt.IsZero())
	})

	t.Run("Should isolate tenants from each other", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, _, err := s.PutFlag(ctx, key, boolFlag("checkout"))
		require.NoError(t, err)

		doc, err := s.GetData(ctx, key.WithEnv("staging"))

		require.NoError(t, err)
		assert.Empty(t, doc.Flags)
	})
}

func TestStoreMutations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := tenant.Default()

	t.Run("Should surface validation errors from PutFlag", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		f := boolFlag("checkout")
		f.Segments = []string{"vanished"}

		_, _, err := s.PutFlag(ctx, key, f)
		assert.ErrorIs(t, err, ErrInvalidReference)
	})

	t.Run("Should surface warnings from PutFlag", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		f := boolFlag("checkout")
		f.Rules = []string{"user.tier =="}

		_, warnings, err := s.PutFlag(ctx, key, f)

		require.NoError(t, err)
		assert.Len(t, warnings, 1)
	})

	t.Run("Should update a stored flag", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, _, err := s.PutFlag(ctx, key, boolFlag("checkout"))
		require.NoError(t, err)

		enabled := false
		merged, _, err := s.UpdateFlag(ctx, key, "checkout", FlagPatch{Enabled: &enabled})

		require.NoError(t, err)
		assert.False(t, merged.Enabled)

		doc, err := s.GetData(ctx, key)
		require.NoError(t, err)
		assert.False(t, doc.Flags["checkout"].Enabled)
	})

	t.Run("Should delete a flag", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, _, err := s.PutFlag(ctx, key, boolFlag("checkout"))
		require.NoError(t, err)

		require.NoError(t, s.DeleteFlag(ctx, key, "checkout"))
		assert.ErrorIs(t, s.DeleteFlag(ctx, key, "checkout"), ErrNotFound)
	})

	t.Run("Should cascade a segment delete in one observation", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, err := s.PutSegment(ctx, key, "a", "user.a == true")
		require.NoError(t, err)
		_, err = s.PutSegment(ctx, key, "b", "user.b == true")
		require.NoError(t, err)

		f := boolFlag("checkout")
		f.Segments = []string{"a", "b"}
		_, _, err = s.PutFlag(ctx, key, f)
		require.NoError(t, err)

		require.NoError(t, s.DeleteSegment(ctx, key, "a"))

		doc, err := s.GetData(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, doc.Flags["checkout"].Segments)
		assert.NotContains(t, doc.Segments, "a")
	})
}

func TestStoreSync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := tenant.Default()
	dst := src.WithEnv("staging")

	seed := func(t *testing.T) *TenantStore {
		t.Helper()

		s := newTestStore(t)
		_, err := s.PutSegment(ctx, src, "beta-users", "user.beta == true")
		require.NoError(t, err)
		_, err = s.PutSegment(ctx, src, "unrelated", "user.other == true")
		require.NoError(t, err)

		f := boolFlag("feature-a")
		f.Segments = []string{"beta-users"}
		_, _, err = s.PutFlag(ctx, src, f)
		require.NoError(t, err)

		return s
	}

	t.Run("Should copy a whole environment with flags disabled", func(t *testing.T) {
		t.Parallel()

		s := seed(t)
		report, err := s.SyncEnv(ctx, src, dst, false)

		require.NoError(t, err)
		assert.Equal(t, SyncReport{Flags: 1, Segments: 2}, report)

		doc, err := s.GetData(ctx, dst)
		require.NoError(t, err)
		assert.False(t, doc.Flags["feature-a"].Enabled)
		assert.Contains(t, doc.Segments, "beta-users")
	})

	t.Run("Should copy one flag with only its referenced segments", func(t *testing.T) {
		t.Parallel()

		s := seed(t)
		report, err := s.SyncFlag(ctx, "feature-a", src, dst, false)

		require.NoError(t, err)
		assert.Equal(t, SyncReport{Flags: 1, Segments: 1}, report)

		doc, err := s.GetData(ctx, dst)
		require.NoError(t, err)
		assert.False(t, doc.Flags["feature-a"].Enabled)
		assert.Contains(t, doc.Segments, "beta-users")
		assert.NotContains(t, doc.Segments, "unrelated")
	})

	t.Run("Should fail the single-flag sync for an unknown flag", func(t *testing.T) {
		t.Parallel()

		s := seed(t)
		_, err := s.SyncFlag(ctx, "vanished", src, dst, false)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// conflictingBackend injects version conflicts into the first n saves.
type conflictingBackend struct {
	*MemoryBackend
	mu        sync.Mutex
	conflicts int
}

func (b *conflictingBackend) Save(ctx context.Context, key tenant.Key, doc Document, version uint64) error {
	b.mu.Lock()
	inject := b.conflicts > 0
	if inject {
		b.conflicts--
	}
	b.mu.Unlock()

	if inject {
		return fmt.Errorf("%w: injected", ErrVersionConflict)
	}
	return b.MemoryBackend.Save(ctx, key, doc, version)
}

func TestMutateRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := tenant.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Should retry through transient conflicts", func(t *testing.T) {
		t.Parallel()

		backend := &conflictingBackend{MemoryBackend: NewMemoryBackend(), conflicts: 2}
		s := New(logger, backend, 5)

		_, _, err := s.PutFlag(ctx, key, boolFlag("checkout"))
		require.NoError(t, err)

		doc, err := s.GetData(ctx, key)
		require.NoError(t, err)
		assert.Contains(t, doc.Flags, "checkout")
	})

	t.Run("Should give up when the retry budget runs out", func(t *testing.T) {
		t.Parallel()

		backend := &conflictingBackend{MemoryBackend: NewMemoryBackend(), conflicts: 10}
		s := New(logger, backend, 3)

		_, _, err := s.PutFlag(ctx, key, boolFlag("checkout"))

		require.ErrorIs(t, err, ErrVersionConflict)
		assert.ErrorContains(t, err, "3 attempts")
	})

	t.Run("Should serialize concurrent writers to the same tenant", func(t *testing.T) {
		t.Parallel()

		const writers = 8
		s := New(logger, NewMemoryBackend(), 2*writers)

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.PutSegment(ctx, key, fmt.Sprintf("segment-%d", i), "true")
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			require.NoError(t, err, "writer %d", i)
		}

		doc, err := s.GetData(ctx, key)
		require.NoError(t, err)
		assert.Len(t, doc.Segments, writers)
	})
}

func TestMemoryBackendVersioning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := tenant.Default()

	t.Run("Should hand out increasing versions", func(t *testing.T) {
		t.Parallel()

		b := NewMemoryBackend()
		doc := NewDocument()

		require.NoError(t, b.Save(ctx, key, doc, 0))
		_, version, err := b.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), version)
	})

	t.Run("Should reject a stale save", func(t *testing.T) {
		t.Parallel()

		b := NewMemoryBackend()
		doc := NewDocument()

		require.NoError(t, b.Save(ctx, key, doc, 0))
		assert.ErrorIs(t, b.Save(ctx, key, doc, 0), ErrVersionConflict)
	})

	t.Run("Should not alias loaded documents with stored state", func(t *testing.T) {
		t.Parallel()

		b := NewMemoryBackend()
		doc := NewDocument()
		doc.Segments["staff"] = "true"
		require.NoError(t, b.Save(ctx, key, doc, 0))

		loaded, _, err := b.Load(ctx, key)
		require.NoError(t, err)
		loaded.Segments["staff"] = "changed"

		again, _, err := b.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "true", again.Segments["staff"])
	})

	t.Run("Should list tenants in stable order", func(t *testing.T) {
		t.Parallel()

		b := NewMemoryBackend()
		for _, env := range []string{"staging", "dev", "production"} {
			require.NoError(t, b.Save(ctx, tenant.Key{App: "shop", Env: env}, NewDocument(), 0))
		}

		keys, err := b.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []tenant.Key{
			{App: "shop", Env: "dev"},
			{App: "shop", Env: "production"},
			{App: "shop", Env: "staging"},
		}, keys)
	})
}
