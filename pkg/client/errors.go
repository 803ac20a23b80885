package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lightforgemedia/go-resilientws/pkg/correlator"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

var (
	// ErrConnectionClosed rejects requests still pending when the
	// connection ends for good.
	ErrConnectionClosed = errors.New("client: connection closed")

	// ErrNotConnected is returned by Notify while no connection is open.
	ErrNotConnected = errors.New("client: not connected")

	// ErrRateLimited is returned when the message budget is spent.
	ErrRateLimited = errors.New("client: rate limit exceeded")

	// ErrConnectionTimeout is returned when the transport does not open in time.
	ErrConnectionTimeout = errors.New("client: connection timeout")

	// ErrReconnectExhausted is reported once the reconnect attempts are spent.
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

	// ErrEncryption wraps failures of the encrypt hook.
	ErrEncryption = errors.New("client: encryption failed")

	// ErrDecryption wraps failures of the decrypt hook.
	ErrDecryption = errors.New("client: decryption failed")

	// ErrTimeout is matched by request timeouts.
	ErrTimeout = correlator.ErrTimeout

	// ErrOriginRejected is matched by origin validation failures.
	ErrOriginRejected = security.ErrOriginRejected

	// ErrValidation is matched by schema validation failures.
	ErrValidation = security.ErrValidation
)

// RemoteError is an application error returned by the remote.
type RemoteError = wire.RemoteError

// failureReason labels a send failure for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrEncryption):
		return "encryption"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "write"
	}
}

// debugHandler enables every level on the wrapped handler.
type debugHandler struct {
	slog.Handler
}

func (debugHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h debugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return debugHandler{h.Handler.WithAttrs(attrs)}
}

func (h debugHandler) WithGroup(name string) slog.Handler {
	return debugHandler{h.Handler.WithGroup(name)}
}
