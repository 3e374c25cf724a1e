// Package gateway defines the interface for long-running entry points that
// serve the agent loop to remote callers.
package gateway

import "context"

// Gateway is a network-facing entry point (the HTTP API).
type Gateway interface {
	// Start serves until the server fails or is stopped. It blocks.
	Start(ctx context.Context) error

	// Stop drains in-flight runs until the context deadline, then closes.
	Stop(ctx context.Context) error
}
