// Package transport abstracts the two upstream wire shapes the gateway
// speaks to MCP tool servers: HTTP JSON-RPC and stdio-subprocess JSON-RPC,
// behind one Adapter interface the upstream registry dispatches through.
package transport

import "context"

// Adapter is the single abstraction the upstream registry calls through,
// regardless of whether the upstream is an HTTP endpoint or a managed
// subprocess.
type Adapter interface {
	// Call sends one JSON-RPC request and waits for its response (or for ctx
	// to expire). body is the raw JSON-RPC request object already
	// marshaled; resp is the raw JSON-RPC response object.
	Call(ctx context.Context, body []byte) (resp []byte, err error)

	// Healthy reports whether the adapter believes the upstream is reachable,
	// without performing a full round trip when avoidable.
	Healthy(ctx context.Context) bool

	// Close releases any resources the adapter owns (subprocess, idle
	// connections). It must be safe to call more than once.
	Close(ctx context.Context) error
}
