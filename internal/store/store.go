package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skuld-io/skuld/internal/engine"
	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/tenant"
	"github.com/skuld-io/skuld/internal/validation"
)

// Backend persists tenant documents. Save enforces optimistic concurrency:
// version carries the value returned by the Load the new document was
// computed from, 0 for a tenant that does not exist yet. A stale version
// yields ErrVersionConflict and the caller retries from a fresh Load.
type Backend interface {
	Load(ctx context.Context, key tenant.Key) (Document, uint64, error)
	Save(ctx context.Context, key tenant.Key, doc Document, version uint64) error
	Keys(ctx context.Context) ([]tenant.Key, error)
}

// TenantStore applies validated mutations to tenant documents through a
// bounded compare-and-set loop over a Backend.
type TenantStore struct {
	logger  *slog.Logger
	backend Backend
	retries int
}

// New creates a tenant store. maxRetries bounds how often a mutation is
// retried after a concurrent write to the same tenant.
func New(logger *slog.Logger, backend Backend, maxRetries int) *TenantStore {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(backend, "store: backend")
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &TenantStore{
		logger:  logger,
		backend: backend,
		retries: maxRetries,
	}
}

// GetData returns the tenant document. Missing tenants yield an empty
// document, never an error. Dangling segment references are stripped from
// the returned copy so evaluation only ever sees resolvable references.
func (s *TenantStore) GetData(ctx context.Context, key tenant.Key) (Document, error) {
	doc, _, err := s.backend.Load(ctx, key)
	if err != nil {
		return Document{}, fmt.Errorf("load tenant %s: %w", key, err)
	}
	doc.ensureMaps()

	if removed := doc.Normalize(); removed > 0 {
		s.logger.Warn("stripped dangling segment references",
			slog.String("tenant", key.String()),
			slog.Int("count", removed),
		)
	}
	return doc, nil
}

// PutFlag validates and upserts a flag definition.
func (s *TenantStore) PutFlag(ctx context.Context, key tenant.Key, f engine.Flag) (engine.Flag, []string, error) {
	var warnings []string
	_, err := s.mutate(ctx, key, func(d *Document) error {
		var err error
		warnings, err = d.PutFlag(f)
		return err
	})
	if err != nil {
		return engine.Flag{}, nil, err
	}
	return f, warnings, nil
}

// UpdateFlag merges a partial update into an existing flag and returns the
// merged definition.
func (s *TenantStore) UpdateFlag(ctx context.Context, key tenant.Key, id string, p FlagPatch) (engine.Flag, []string, error) {
	var (
		merged   engine.Flag
		warnings []string
	)
	_, err := s.mutate(ctx, key, func(d *Document) error {
		var err error
		merged, warnings, err = d.UpdateFlag(id, p)
		return err
	})
	if err != nil {
		return engine.Flag{}, nil, err
	}
	return merged, warnings, nil
}

// DeleteFlag removes a flag definition.
func (s *TenantStore) DeleteFlag(ctx context.Context, key tenant.Key, id string) error {
	_, err := s.mutate(ctx, key, func(d *Document) error {
		return d.DeleteFlag(id)
	})
	return err
}

// PutSegment upserts a segment rule.
func (s *TenantStore) PutSegment(ctx context.Context, key tenant.Key, id, rule string) ([]string, error) {
	var warnings []string
	_, err := s.mutate(ctx, key, func(d *Document) error {
		var err error
		warnings, err = d.PutSegment(id, rule)
		return err
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

// DeleteSegment removes a segment and cascades over every flag referencing
// it. The cascade and the removal land in one write.
func (s *TenantStore) DeleteSegment(ctx context.Context, key tenant.Key, id string) error {
	_, err := s.mutate(ctx, key, func(d *Document) error {
		return d.DeleteSegment(id)
	})
	return err
}

// SyncEnv copies every flag and segment from the src tenant into the dst
// tenant. Only dst is written; src is read once.
func (s *TenantStore) SyncEnv(ctx context.Context, src, dst tenant.Key, overwrite bool) (SyncReport, error) {
	srcDoc, _, err := s.backend.Load(ctx, src)
	if err != nil {
		return SyncReport{}, fmt.Errorf("load tenant %s: %w", src, err)
	}
	srcDoc.ensureMaps()

	var report SyncReport
	_, err = s.mutate(ctx, dst, func(d *Document) error {
		report = d.SyncEnv(srcDoc, overwrite)
		return nil
	})
	if err != nil {
		return SyncReport{}, err
	}
	return report, nil
}

// SyncFlag copies one flag plus its referenced segments from the src tenant
// into the dst tenant.
func (s *TenantStore) SyncFlag(ctx context.Context, id string, src, dst tenant.Key, overwrite bool) (SyncReport, error) {
	srcDoc, _, err := s.backend.Load(ctx, src)
	if err != nil {
		return SyncReport{}, fmt.Errorf("load tenant %s: %w", src, err)
	}
	srcDoc.ensureMaps()

	var report SyncReport
	_, err = s.mutate(ctx, dst, func(d *Document) error {
		var err error
		report, err = d.SyncFlag(id, srcDoc, overwrite)
		return err
	})
	if err != nil {
		return SyncReport{}, err
	}
	return report, nil
}

// Keys lists every tenant known to the backend.
func (s *TenantStore) Keys(ctx context.Context) ([]tenant.Key, error) {
	return s.backend.Keys(ctx)
}

// mutate runs one read-modify-write cycle, retrying on version conflicts.
// fn sees a document it may mutate freely; errors from fn abort without a
// write and are returned verbatim.
func (s *TenantStore) mutate(ctx context.Context, key tenant.Key, fn func(*Document) error) (Document, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		doc, version, err := s.backend.Load(ctx, key)
		if err != nil {
			return Document{}, fmt.Errorf("load tenant %s: %w", key, err)
		}
		doc.ensureMaps()

		if err := fn(&doc); err != nil {
			return Document{}, err
		}
		doc.UpdatedAt = time.Now().UTC()

		err = s.backend.Save(ctx, key, doc, version)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Document{}, fmt.Errorf("save tenant %s: %w", key, err)
		}

		lastErr = err
		observability.StoreSaveConflicts.Inc()
		s.logger.Debug("retrying tenant write after version conflict",
			slog.String("tenant", key.String()),
			slog.Int("attempt", attempt),
		)
	}
	return Document{}, fmt.Errorf("save tenant %s after %d attempts: %w", key, s.retries, lastErr)
}
