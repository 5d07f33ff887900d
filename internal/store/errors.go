package store

import "errors"

// Sentinel errors returned by document mutators and backends. The HTTP
// layer maps them onto status codes, so wrap them with context instead of
// replacing them.
var (
	// ErrNotFound reports a targeted flag or segment that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDefinition reports a definition that fails schema or
	// cross-field validation.
	ErrInvalidDefinition = errors.New("invalid definition")

	// ErrInvalidReference reports a flag referencing a segment the tenant
	// does not define.
	ErrInvalidReference = errors.New("invalid segment reference")

	// ErrEmptyPatch reports a flag update that would change nothing.
	ErrEmptyPatch = errors.New("empty patch")

	// ErrVersionConflict reports that the tenant document changed between
	// load and save. Mutations retry on it; it surfaces only when the
	// retry budget runs out.
	ErrVersionConflict = errors.New("version conflict")
)
