package endpoint

import "errors"

// Error kinds surfaced to callers (spec §7). Per-datagram/per-frame errors
// are swallowed inside Poll (logged and dropped); only per-operation errors
// reach the caller as a returned error.
var (
	// ErrSecurityViolation marks an identity/timestamp mismatch during
	// connect; the connect attempt is aborted, not escalated.
	ErrSecurityViolation = errors.New("endpoint: security violation")
	// ErrOutOfOptions means DNS bootstrap exhausted every candidate record.
	ErrOutOfOptions = errors.New("endpoint: out of bootstrap options")
	// ErrUnknownRoute means a caller referenced a RoutingKey with no live channel.
	ErrUnknownRoute = errors.New("endpoint: unknown route")
)

// OutgoingConnectFailedError is returned by AcceptOutgoing when the
// broker's connect response was negative, and passed to the
// OnOutgoingConnectFailed hook when the connect stream closed before any
// response arrived.
type OutgoingConnectFailedError struct {
	Identity string
	Reason   string
}

func (e *OutgoingConnectFailedError) Error() string {
	return "endpoint: outgoing connect to " + e.Identity + " failed: " + e.Reason
}
