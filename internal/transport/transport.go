// Package transport defines the wire port the orchestrator drives and a
// gorilla/websocket client implementation. The resilience layer never
// talks to the network except through this interface.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Frame is the JSON envelope for every message on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    int64           `json:"ts"`
}

// Callbacks receive transport lifecycle and inbound traffic. All fields
// are optional; nil callbacks are skipped. Callbacks run on the read
// goroutine and must not block.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnConnectError func(err error)
	OnPong         func(sentAt time.Time)
	OnRateLimit    func(retryAfter time.Duration)
	OnHealthPush   func(payload json.RawMessage)
	OnMessage      func(event string, data json.RawMessage)
}

// Transport is the wire port consumed by the orchestrator and the health
// monitor.
type Transport interface {
	// Connect dials the server. It returns once the connection is
	// established or the context is done.
	Connect(ctx context.Context) error

	// Close tears the connection down. Closing a closed transport is not
	// an error.
	Close() error

	// IsOpen reports whether the connection is currently established.
	IsOpen() bool

	// Emit sends one event frame.
	Emit(event string, data interface{}) error

	// Ping sends an application-level ping carrying the given timestamp;
	// the server echoes it back in a pong frame.
	Ping(sentAt time.Time) error

	// SetCallbacks installs the lifecycle callbacks. Must be called
	// before Connect.
	SetCallbacks(callbacks Callbacks)
}
