// Package transport is the pluggable duplex text-frame channel the client
// runs on. The default implementation dials with github.com/coder/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Close status codes the client interprets.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusAbnormalClosure = 1006
	StatusUnauthorized    = 4401
	StatusForbidden       = 4403
)

// Conn is one open connection. Read and Write may be called concurrently
// with each other but neither concurrently with itself.
type Conn interface {
	// Read blocks for the next text frame. A closed connection returns an
	// error from which CloseCode recovers the close status.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error

	// Close starts the closing handshake with code and reason.
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// CloseError carries the close status received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: status = %d reason = %q", e.Code, e.Reason)
}

// CloseCode extracts the close status from a Read error. Errors that are
// not a close frame report StatusAbnormalClosure.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return StatusAbnormalClosure
}

// CloseReason extracts the close reason from a Read error.
func CloseReason(err error) string {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
