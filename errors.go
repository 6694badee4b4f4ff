package signalr

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is returned when an operation was preempted by Stop, when Stop is called
	// while another Stop is closing the transport, and for pending invocations whose
	// connection went away.
	ErrCanceled = errors.New("operation canceled")

	// ErrIncompatibleServer is returned when the negotiate response indicates a server
	// that speaks the pre-Core (ASP.NET) SignalR protocol.
	ErrIncompatibleServer = errors.New("detected a connection attempt to an ASP.NET SignalR server. " +
		"this client only supports connecting to an ASP.NET Core SignalR server")

	// ErrWebSocketsNotSupported is returned when the server does not offer a WebSockets
	// transport with the configured transfer format.
	ErrWebSocketsNotSupported = errors.New("the server does not support WebSockets " +
		"which is currently the only transport supported by this client")

	// ErrRedirectLimitExceeded is returned when negotiation was redirected more than maxRedirects times.
	ErrRedirectLimitExceeded = errors.New("negotiate redirection limit exceeded")

	// ErrTransportConnectTimeout is returned when the transport did not connect within
	// ClientConfig.TransportConnectTimeout.
	ErrTransportConnectTimeout = errors.New("transport timed out when trying to connect")
)

// InvalidStateError is returned by operations called in a ConnectionState they do not allow.
// No I/O has been done when it is returned.
type InvalidStateError struct {
	Message string
	State   ConnectionState
}

func (e *InvalidStateError) Error() string {
	return e.Message
}

func newInvalidStateError(state ConnectionState, format string) *InvalidStateError {
	return &InvalidStateError{
		Message: fmt.Sprintf(format, state),
		State:   state,
	}
}

// NegotiateError carries the error text the server sent in its negotiate response.
type NegotiateError struct {
	Message string
}

func (e *NegotiateError) Error() string {
	return e.Message
}

// HTTPStatusError is returned when the negotiate request was answered with a non-200 status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("POST %v -> %v", e.URL, e.Status)
}

// MalformedResponseError is returned when the negotiate response body is not valid JSON.
type MalformedResponseError struct {
	Body string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%v (source: %v)", e.Err, e.Body)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// InvocationError is the error a hub method reported in its completion message.
type InvocationError struct {
	Message string
}

func (e *InvocationError) Error() string {
	return e.Message
}

// ErrHandshakeTimeout is returned by HubConnection.Start when the server did not answer
// the handshake within the handshake timeout.
var ErrHandshakeTimeout = errors.New("timed out waiting for the handshake response")

// HandshakeError carries the error the server sent in its handshake response.
type HandshakeError struct {
	Message string
}

func (e *HandshakeError) Error() string {
	return "handshake failed: " + e.Message
}
