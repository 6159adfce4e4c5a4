package lifecycle

import "context"

// Component defines the lifecycle interface that all managed components must
// implement. The lifecycle manager uses it to orchestrate startup and
// shutdown in dependency order.
type Component interface {
	// Start initializes and starts the component.
	// The provided context can be used to signal shutdown or set deadlines.
	// Must be idempotent - safe to call multiple times.
	// Returns error if initialization fails.
	Start(ctx context.Context) error

	// Stop gracefully stops the component.
	// Must allow in-flight operations to complete within the context deadline.
	// Returns error if shutdown fails (but shouldn't prevent other
	// components from stopping).
	Stop(ctx context.Context) error

	// Name returns the human-readable name of the component.
	// Used for logging, error reporting, and dependency declarations.
	// Must return a non-empty string.
	Name() string
}
