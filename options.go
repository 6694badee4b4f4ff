package signalr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Doer is the *http.Client interface
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransferFormat is the transfer format used on the transport. Allowed values are "Text" and "Binary"
type TransferFormat string

const (
	TransferFormatText   TransferFormat = "Text"
	TransferFormatBinary TransferFormat = "Binary"
)

// WebSocketClientFactory creates the WebSocketClient for a single start attempt.
type WebSocketClientFactory func(format TransferFormat) WebSocketClient

const defaultTransportConnectTimeout = 5 * time.Second

// ClientConfig is the replaceable configuration of a Connection. It can only be changed
// while the Connection is disconnected, see Connection.SetClientConfig.
type ClientConfig struct {
	// Header is sent with every negotiate request and with the transport connect request.
	Header http.Header
	// HTTPClient is used for negotiation. Defaults to http.DefaultClient.
	HTTPClient Doer
	// WebSocketClientFactory creates the transport client. Defaults to NewWebSocketClient.
	WebSocketClientFactory WebSocketClientFactory
	// TransportConnectTimeout bounds the transport connect. Defaults to 5 seconds.
	TransportConnectTimeout time.Duration
	// NegotiateBackOff, if set, creates the retry policy for negotiate requests failing on the
	// HTTP transport level. Status and protocol errors are never retried.
	NegotiateBackOff func() backoff.BackOff
	// TransferFormat is the format the server has to support for the WebSockets transport.
	// Defaults to TransferFormatText.
	TransferFormat TransferFormat
}

// withDefaults returns a copy of c with all unset fields filled.
func (c ClientConfig) withDefaults() ClientConfig {
	if c.Header == nil {
		c.Header = http.Header{}
	} else {
		c.Header = c.Header.Clone()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.WebSocketClientFactory == nil {
		c.WebSocketClientFactory = NewWebSocketClient
	}
	if c.TransportConnectTimeout <= 0 {
		c.TransportConnectTimeout = defaultTransportConnectTimeout
	}
	if c.TransferFormat == "" {
		c.TransferFormat = TransferFormatText
	}
	return c
}

func (c ClientConfig) validate() error {
	switch c.TransferFormat {
	case "", TransferFormatText, TransferFormatBinary:
		return nil
	default:
		return fmt.Errorf("invalid transferformat %v", c.TransferFormat)
	}
}

// WithHTTPClient sets the http client used to negotiate with the signalR server.
// The client is only used for http requests. It is not used for the websocket connection.
func WithHTTPClient(client Doer) func(*Connection) error {
	return func(c *Connection) error {
		if client == nil {
			return errors.New("option WithHTTPClient: client is nil")
		}
		c.config.HTTPClient = client
		return nil
	}
}

// WithHTTPHeaders sets the headers for negotiate and websocket requests
func WithHTTPHeaders(header http.Header) func(*Connection) error {
	return func(c *Connection) error {
		c.config.Header = header.Clone()
		return nil
	}
}

// WithWebSocketClientFactory sets the factory for the websocket transport client,
// e.g. NewGorillaWebSocketClient.
func WithWebSocketClientFactory(factory WebSocketClientFactory) func(*Connection) error {
	return func(c *Connection) error {
		if factory == nil {
			return errors.New("option WithWebSocketClientFactory: factory is nil")
		}
		c.config.WebSocketClientFactory = factory
		return nil
	}
}

// TransportConnectTimeout is the interval the transport has to connect within.
// Default is 5 seconds.
func TransportConnectTimeout(timeout time.Duration) func(*Connection) error {
	return func(c *Connection) error {
		c.config.TransportConnectTimeout = timeout
		return nil
	}
}

// WithNegotiateBackOff sets the retry policy for negotiate requests which failed before
// the server answered, e.g. because the server was not reachable.
func WithNegotiateBackOff(newBackOff func() backoff.BackOff) func(*Connection) error {
	return func(c *Connection) error {
		c.config.NegotiateBackOff = newBackOff
		return nil
	}
}

// WithTransferFormat sets the transfer format used on the transport.
func WithTransferFormat(format TransferFormat) func(*Connection) error {
	return func(c *Connection) error {
		c.config.TransferFormat = format
		return c.config.validate()
	}
}

// WithLogger sets the logger used by the Connection.
// Only log events with a category contained in traceLevel are written.
func WithLogger(logger StructuredLogger, traceLevel TraceLevel) func(*Connection) error {
	return func(c *Connection) error {
		if logger == nil {
			return errors.New("option WithLogger: logger is nil")
		}
		c.logger = logger
		c.traceLevel = traceLevel
		return nil
	}
}
