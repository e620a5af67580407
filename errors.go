package wiremsg

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned or reported by sessions, servers and clients.
var (
	// ErrInvalidHandler is returned when no message handler is provided.
	ErrInvalidHandler = errors.New("invalid message handler")
	// ErrInvalidEndpoint is returned for endpoints not of the form host:port.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrSessionRunning is returned when a second receive loop is started.
	ErrSessionRunning = errors.New("session receive loop already running")
	// ErrSessionClosed is reported when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrClientStarted is returned when a client is run more than once.
	ErrClientStarted = errors.New("client already started")
)

// Faults contained by the dispatcher and by Send. They never end a session;
// they are logged and passed to the OnErrorOption callback.
var (
	ErrMissingDiscriminator = errors.New("message has no discriminator")
	ErrUnknownDiscriminator = errors.New("no handler registered for message")
	ErrMalformedPayload     = errors.New("malformed message payload")
	ErrDecode               = errors.New("message does not match its schema")
	ErrHandler              = errors.New("message handler failed")
	ErrSend                 = errors.New("send failed")
)

// RegistrationError describes a route rejected while building a Dispatcher.
type RegistrationError struct {
	Name   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register handler for message %q: %s", e.Name, e.Reason)
}

// fault wraps cause so that errors.Is matches both kind and cause.
type fault struct {
	kind  error
	cause error
}

func (f *fault) Error() string {
	if f.cause == nil {
		return f.kind.Error()
	}
	return f.kind.Error() + ": " + f.cause.Error()
}

func (f *fault) Unwrap() error { return f.cause }

func (f *fault) Is(target error) bool { return target == f.kind }

func newFault(kind, cause error) error {
	return &fault{kind: kind, cause: cause}
}
