package observability

import "context"

// Checker is implemented by any dependency that reports its health through
// the readiness probe. Implementations must be safe for concurrent use and
// honor the context deadline.
type Checker interface {
	// Name returns the unique identifier of the component (e.g., "postgres", "redis").
	Name() string
	// Check performs the health verification. Returns nil if healthy.
	Check(ctx context.Context) error
}
