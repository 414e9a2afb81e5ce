package errs

import (
	goerrors "errors"

	"github.com/go-errors/errors"
)

// errors and messages
var (
	// config
	ErrMissingSelfID    = goerrors.New("missing self node id")
	ErrInvalidNodeID    = goerrors.New("invalid node id width")
	ErrMixedIDWidth     = goerrors.New("mixed node id width in one overlay")
	ErrUnresolvableAddr = goerrors.New("unresolvable bootstrap address")
	ErrInvalidPort      = goerrors.New("invalid port")
	ErrWriterIsNil      = goerrors.New("writer is nil")
	ErrNoTransportBound = goerrors.New("no transport bound")

	// transport
	ErrTransportClosed = goerrors.New("transport closed")
	ErrRouteKeyUnknown = goerrors.New("route key unknown")
	ErrPayloadTooLarge = goerrors.New("payload too large")
	ErrBindFailed      = goerrors.New("transport bind failed")

	// packet
	ErrMalformedPacket = goerrors.New("malformed packet")

	// routing
	ErrRouteUnavailable = goerrors.New("route unavailable")
	ErrRouteCycle       = goerrors.New("relayed route would cycle back to destination")

	// protocol engine
	ErrTimeout   = goerrors.New("timed out")
	ErrCancelled = goerrors.New("operation cancelled")

	// stun / dns
	ErrSTUNNoResponse = goerrors.New("no response from stun server")
	ErrSTUNMalformed  = goerrors.New("malformed stun response")
	ErrResolveFailed  = goerrors.New("name resolution failed")

	// engine pacing
	ErrControlRateLimited = goerrors.New("control packet rate limit exceeded")
)

// format messages
const (
	MsgFailedToParseConfig  = "failed to parse config: %s"
	MsgFailedToBindAddr     = "failed to bind %s: %s"
	MsgFailedToDialAddr     = "failed to dial %s: %s"
	MsgDroppingMalformed    = "dropping malformed packet from %s: %s"
	MsgDroppingUnreachable  = "dropping packet for unreachable destination %s"
)

// Wrap wraps an error with a stack trace, unless it is already wrapped or nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	// we only wrap an error once
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.Wrap(err, 0)
}

// ConfigError marks an error that is fatal at node construction time.
type ConfigError struct {
	Err error
}

// NewConfigError creates a new ConfigError.
func NewConfigError(err error) error {
	return ConfigError{Err: err}
}

// Error returns the underlying message.
func (e ConfigError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e ConfigError) Unwrap() error {
	return e.Err
}

// TransportError marks a per-transport fatal error; the owning transport
// is removed but the node continues if any other transport remains.
type TransportError struct {
	Err error
}

// NewTransportError creates a new TransportError.
func NewTransportError(err error) error {
	return TransportError{Err: err}
}

// Error returns the underlying message.
func (e TransportError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e TransportError) Unwrap() error {
	return e.Err
}
