// Package transport implements component A: opening, exchanging one
// request/response pair over, and closing a Modbus TCP socket or RTU serial
// port. Exactly one ExchangeUnit may be in flight per driver; the session
// manager (package session) is the sole caller and enforces that by holding
// the driver's lease for the duration of one exchange.
//
// Grounded on the teacher's transport/network/transport.go (TCP,
// goroutine + select-based read-with-timeout) and
// transport/serial/rtu/transport.go (RTU, byte-by-byte framing with
// addressed resync).
package transport

import (
	"context"
	"time"
)

// Driver is one live connection to a device: a TCP socket or an RTU serial
// port. Callers must serialize calls to ExchangeUnit themselves (the
// session manager does this via its per-endpoint mutex).
type Driver interface {
	// ExchangeUnit sends req (a complete ADU) and returns the matching
	// response ADU, honoring ctx's deadline. expectedCount is the number
	// of registers/coils the caller expects back (0 if the request is a
	// write). The TCP and RTU drivers take the response length from the
	// frame itself and do not use it.
	ExchangeUnit(ctx context.Context, req []byte, expectedCount int) ([]byte, error)
	// Close releases the underlying socket or port. Idempotent.
	Close() error
}

// DefaultIdleTTL is the default idle window for a pooled driver. The
// session manager's reaper does not read it: session.Manager.Reap takes
// its idle TTL as an argument (config's SessionIdleTTL in cmd/gatewayd).
const DefaultIdleTTL = 2 * time.Minute
