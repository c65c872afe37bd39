package mcp

import (
	"context"
)

// Transport provides the server-side communication layer for the tool server. The stdio,
// SSE, and streamable HTTP transports all implement it.
type Transport interface {
	// Start runs the transport's protocol loop and blocks until the transport stops,
	// either because Shutdown was called, the context was cancelled, or the underlying
	// channel reached its natural end (EOF on stdio). The only fatal startup failure is
	// a listener that cannot bind; it is returned from Start and leaves the transport
	// terminal. All other transport-layer errors are handled locally and logged.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the transport: periodic activities are cancelled, open
	// connections are closed, and pending waits are unblocked. A shutdown requested
	// before the transport reaches StateRunning is queued and applied right after it
	// gets there. Shutdown blocks until teardown finishes or the context expires, and
	// calling it again after that is a no-op.
	Shutdown(ctx context.Context) error

	// State reports where the transport is in its lifecycle.
	State() State
}

// ToolExecutor executes named tools on behalf of a Dispatcher. Implementations run the
// actual tool work (browser automation in this repository) and return the call result with
// its content already serialized; the Dispatcher never inspects tool semantics.
//
// An error return is surfaced to the caller as a JSON-RPC internal error, so executors
// should reserve it for argument validation and execution failures. Tool name routing is
// the Dispatcher's job; CallTool is only invoked with names present in the Registry.
type ToolExecutor interface {
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}
