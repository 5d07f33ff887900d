package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skuld-io/skuld/internal/tenant"
	"github.com/skuld-io/skuld/internal/validation"
)

// Compile-time check that PostgresBackend implements Backend.
var _ Backend = (*PostgresBackend)(nil)

// PostgresBackend persists each tenant document as one JSONB row in the
// tenants table. The version column carries the optimistic concurrency
// counter; every save bumps it by one.
type PostgresBackend struct {
	db *pgxpool.Pool
}

// NewPostgresBackend creates a backend over the given connection pool.
func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend {
	validation.AssertNotNil(db, "store: database pool")
	return &PostgresBackend{db: db}
}

// Load fetches the tenant row. A missing row is not an error: it yields an
// empty document at version 0, which Save then treats as an insert.
func (b *PostgresBackend) Load(ctx context.Context, key tenant.Key) (Document, uint64, error) {
	query := `
		SELECT document, version
		FROM tenants
		WHERE app = $1 AND env = $2
	`

	var (
		raw     []byte
		version int64
	)
	err := b.db.QueryRow(ctx, query, key.App, key.Env).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewDocument(), 0, nil
	}
	if err != nil {
		return Document{}, 0, fmt.Errorf("failed to load tenant document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, 0, fmt.Errorf("failed to decode tenant document: %w", err)
	}
	doc.ensureMaps()
	return doc, uint64(version), nil
}

// Save writes the document if the row still carries the expected version.
// Version 0 inserts; the conflict clause catches a concurrent first write.
func (b *PostgresBackend) Save(ctx context.Context, key tenant.Key, doc Document, version uint64) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode tenant document: %w", err)
	}

	if version == 0 {
		query := `
			INSERT INTO tenants (app, env, document, version)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (app, env) DO NOTHING
		`
		tag, err := b.db.Exec(ctx, query, key.App, key.Env, raw)
		if err != nil {
			return fmt.Errorf("failed to insert tenant document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: tenant %s was created concurrently", ErrVersionConflict, key)
		}
		return nil
	}

	query := `
		UPDATE tenants
		SET document = $3, version = version + 1, updated_at = now()
		WHERE app = $1 AND env = $2 AND version = $4
	`
	tag, err := b.db.Exec(ctx, query, key.App, key.Env, raw, int64(version))
	if err != nil {
		return fmt.Errorf("failed to update tenant document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: tenant %s moved past version %d", ErrVersionConflict, key, version)
	}
	return nil
}

// Keys lists every tenant row.
func (b *PostgresBackend) Keys(ctx context.Context) ([]tenant.Key, error) {
	query := `
		SELECT app, env
		FROM tenants
		ORDER BY app, env
	`

	rows, err := b.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var keys []tenant.Key
	for rows.Next() {
		var k tenant.Key
		if err := rows.Scan(&k.App, &k.Env); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return keys, nil
}
