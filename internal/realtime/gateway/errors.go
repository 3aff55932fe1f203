package gateway

import (
	"errors"
	"fmt"
)

// The six connect/runtime failure kinds spec.md §7 distinguishes. Each is a
// sentinel: callers compare with errors.Is(err, ErrAuthRejected) etc.
// regardless of whatever concrete cause is attached via wrapGatewayError,
// the same code+cause composition notes.ServiceError uses for the REST
// sync path.
var (
	// ErrAuthRejected: the connect handshake's cookie/session/user chain
	// failed to resolve an identity. Answered with HTTP 401 before upgrade.
	ErrAuthRejected = errors.New("gateway: auth rejected")
	// ErrPermissionDenied: an identity resolved but may not read the note.
	// Answered with HTTP 403 before upgrade.
	ErrPermissionDenied = errors.New("gateway: permission denied")
	// ErrResolveFailed: the URL path does not resolve to a known note.
	// Answered with HTTP 404 before upgrade.
	ErrResolveFailed = errors.New("gateway: resolve failed")
	// ErrProtocolError: a connected peer sent a frame RouteFrame could not
	// make sense of. Only the offending connection is closed; the session
	// and its other connections survive.
	ErrProtocolError = errors.New("gateway: protocol error")
	// ErrTransportError: the underlying websocket connection failed
	// (read/write error, unexpected close).
	ErrTransportError = errors.New("gateway: transport error")
	// ErrInternalError: an unexpected failure inside the gateway itself
	// (e.g. a persistence or content-loader failure during connect).
	ErrInternalError = errors.New("gateway: internal error")
)

// wrappedGatewayError composes a sentinel with the concrete cause that
// triggered it, so logs carry detail while callers can still match on the
// sentinel kind via errors.Is.
type wrappedGatewayError struct {
	sentinel error
	cause    error
}

func (e *wrappedGatewayError) Error() string {
	if e.cause == nil {
		return e.sentinel.Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel.Error(), e.cause)
}

func (e *wrappedGatewayError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}

// wrapGatewayError attaches cause to sentinel. cause may be nil, in which
// case the sentinel is returned bare.
func wrapGatewayError(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &wrappedGatewayError{sentinel: sentinel, cause: cause}
}
