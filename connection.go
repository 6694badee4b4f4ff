package signalr

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/teivah/onecontext"
)

// defaultTraceLevel leaves out the message payloads.
const defaultTraceLevel = TraceAll &^ TraceMessages

// closeTimeout bounds the stop done by Close and by a lost connection.
const closeTimeout = 5 * time.Second

// Connection is a raw signalR connection. It negotiates with the server, connects the
// WebSockets transport and passes frames in both directions without interpreting them.
//
// The zero value is not usable, create a Connection with NewConnection.
// Callbacks are called from the goroutine which receives the messages.
type Connection struct {
	*connection
}

// connection holds the state of a Connection. It is separate from the public handle so
// the finalizer of the handle can run while the receive loop is still referencing it.
type connection struct {
	baseURL    string
	config     ClientConfig
	logger     StructuredLogger
	traceLevel TraceLevel
	log        *traceLogger

	mx              sync.Mutex
	state           ConnectionState
	connectionID    string
	transport       *transport
	cancelStart     context.CancelFunc
	startDone       chan struct{}
	cancelLoop      context.CancelFunc
	loopDone        chan struct{}
	messageReceived func(message []byte) error
	disconnected    func() error

	// stopMx serializes stop requests. It is never acquired while mx is held.
	stopMx sync.Mutex
	// inMessageCallback is set while the receive loop runs the message received callback.
	inMessageCallback atomic.Bool
}

// NewConnection creates a disconnected Connection to the signalR server at baseURL.
// baseURL is validated when the Connection is started.
func NewConnection(baseURL string, options ...func(*Connection) error) (*Connection, error) {
	c := &Connection{
		connection: &connection{
			baseURL:    baseURL,
			logger:     log.NewLogfmtLogger(os.Stderr),
			traceLevel: defaultTraceLevel,
			state:      Disconnected,
		},
	}
	for _, option := range options {
		if option != nil {
			if err := option(c); err != nil {
				return nil, err
			}
		}
	}
	c.log = newTraceLogger(c.logger, c.traceLevel, "Connection")
	runtime.SetFinalizer(c, func(c *Connection) {
		_ = c.connection.close()
	})
	return c, nil
}

// Start negotiates with the server and connects the transport.
// Start is only allowed when the Connection is disconnected.
// If Stop is called while Start is in progress, Start returns ErrCanceled.
func (c *Connection) Start(ctx context.Context) error {
	return c.start(ctx)
}

// Stop closes the transport and waits until the receive loop has ended. Called from the
// message received callback, Stop does not wait for the loop, which ends after the callback.
// A Start in progress is canceled. When another Stop is already closing the transport,
// Stop returns ErrCanceled without waiting.
func (c *Connection) Stop(ctx context.Context) error {
	return c.stop(ctx)
}

// Send sends data to the server. Send is only allowed when the Connection is connected.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	return c.send(ctx, data)
}

// State returns the current ConnectionState.
func (c *Connection) State() ConnectionState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// ConnectionID returns the id the server assigned during the last negotiation.
// It is empty while a new Start is negotiating.
func (c *Connection) ConnectionID() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.connectionID
}

// SetMessageReceived sets the callback for received messages.
// A returned error or a panic is logged and does not end the receive loop.
func (c *Connection) SetMessageReceived(messageReceived func(message []byte) error) error {
	return c.setMessageReceived(messageReceived)
}

// SetDisconnected sets the callback which is called once after each stop of a
// connected Connection, including stops caused by a lost connection.
func (c *Connection) SetDisconnected(disconnected func() error) error {
	return c.setDisconnected(disconnected)
}

// SetClientConfig replaces the ClientConfig used by the next Start.
func (c *Connection) SetClientConfig(config ClientConfig) error {
	return c.setClientConfig(config)
}

// ClientConfig returns the ClientConfig used by the next Start.
func (c *Connection) ClientConfig() ClientConfig {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.config
}

// Close stops the Connection if it is not disconnected.
func (c *Connection) Close() error {
	runtime.SetFinalizer(c, nil)
	return c.close()
}

func (c *connection) setMessageReceived(messageReceived func(message []byte) error) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != Disconnected {
		return newInvalidStateError(c.state, "cannot set the callback when the connection is not in the "+
			"disconnected state. current connection state: %s")
	}
	c.messageReceived = messageReceived
	return nil
}

func (c *connection) setDisconnected(disconnected func() error) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != Disconnected {
		return newInvalidStateError(c.state, "cannot set the disconnected callback when the connection is not in the "+
			"disconnected state. current connection state: %s")
	}
	c.disconnected = disconnected
	return nil
}

func (c *connection) setClientConfig(config ClientConfig) error {
	if err := config.validate(); err != nil {
		return err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != Disconnected {
		return newInvalidStateError(c.state, "cannot set client config when the connection is not in the "+
			"disconnected state. current connection state: %s")
	}
	c.config = config
	return nil
}

// changeState must be called with mx held.
func (c *connection) changeState(state ConnectionState) {
	c.log.Log(TraceStateChanges, "%v -> %v", c.state, state)
	c.state = state
}

func (c *connection) start(ctx context.Context) error {
	c.mx.Lock()
	if c.state != Disconnected {
		err := &InvalidStateError{
			Message: "cannot start a connection that is not in the disconnected state",
			State:   c.state,
		}
		c.mx.Unlock()
		return err
	}
	c.changeState(Connecting)
	c.connectionID = ""
	config := c.config.withDefaults()
	messageReceived := c.messageReceived
	startCtx, cancelStart := context.WithCancel(context.Background())
	startDone := make(chan struct{})
	c.cancelStart = cancelStart
	c.startDone = startDone
	c.mx.Unlock()

	defer close(startDone)
	defer cancelStart()

	connectCtx, cancel := onecontext.Merge(ctx, startCtx)
	t, connectionID, err := c.connect(connectCtx, config)
	cancel()

	c.mx.Lock()
	c.connectionID = connectionID
	c.cancelStart = nil
	if startCtx.Err() != nil {
		c.log.Log(TraceInfo, "starting the connection has been canceled.")
		c.changeState(Disconnected)
		c.mx.Unlock()
		if t != nil {
			closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
			defer cancelClose()
			_ = t.close(closeCtx)
		}
		return ErrCanceled
	}
	if err != nil {
		c.log.Log(TraceErrors, "connection could not be started due to: %v", err)
		c.changeState(Disconnected)
		c.mx.Unlock()
		return err
	}
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	c.transport = t
	c.cancelLoop = cancelLoop
	c.loopDone = loopDone
	c.changeState(Connected)
	c.mx.Unlock()

	go c.receiveLoop(loopCtx, t, messageReceived, loopDone)
	return nil
}

// connect negotiates and connects the transport. The connection id is returned as soon as
// negotiation succeeded, even if the transport could not connect.
func (c *connection) connect(ctx context.Context, config ClientConfig) (*transport, string, error) {
	baseURL, err := parseBaseURL(c.baseURL)
	if err != nil {
		return nil, "", err
	}
	result, err := newNegotiator(config, c.log).negotiate(ctx, baseURL)
	if err != nil {
		return nil, "", err
	}
	t := newTransport(config)
	connectURL := buildConnectURL(result.baseURL, result.connectionID)
	if err = t.connect(ctx, connectURL, authorizedHeader(config.Header, result.accessToken)); err != nil {
		if ctx.Err() == nil {
			c.log.Log(TraceErrors, "transport could not connect due to: %v", err)
		}
		return nil, result.connectionID, err
	}
	return t, result.connectionID, nil
}

func (c *connection) receiveLoop(ctx context.Context, t *transport, messageReceived func([]byte) error, done chan struct{}) {
	defer close(done)
	for {
		message, err := t.receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.connectionLost(err)
			}
			return
		}
		c.log.Log(TraceMessages, "processing message: %s", message)
		if messageReceived != nil {
			c.inMessageCallback.Store(true)
			c.runCallback("message_received", func() error {
				return messageReceived(message)
			})
			c.inMessageCallback.Store(false)
		}
	}
}

// runCallback calls callback and logs its error or panic.
func (c *connection) runCallback(name string, callback func() error) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				c.log.Log(TraceErrors, "%s callback threw an exception: %v", name, err)
			} else {
				c.log.Log(TraceErrors, "%s callback threw an unknown exception", name)
			}
		}
	}()
	if err := callback(); err != nil {
		c.log.Log(TraceErrors, "%s callback threw an exception: %v", name, err)
	}
}

// connectionLost is called from the receive loop when the transport failed while the
// connection was not being stopped.
func (c *connection) connectionLost(err error) {
	c.stopMx.Lock()
	c.mx.Lock()
	if c.state != Connected {
		c.mx.Unlock()
		c.stopMx.Unlock()
		return
	}
	c.log.Log(TraceErrors, "connection lost due to: %v", err)
	c.changeState(Disconnecting)
	t, cancelLoop := c.transport, c.cancelLoop
	c.mx.Unlock()
	c.stopMx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	// the loop is the caller, so there is nothing to wait for
	c.shutdown(ctx, t, cancelLoop, nil)
}

func (c *connection) stop(ctx context.Context) error {
	c.log.Log(TraceInfo, "stopping connection")
	c.stopMx.Lock()
	c.log.Log(TraceInfo, "acquired lock in shutdown()")
	for {
		c.mx.Lock()
		switch c.state {
		case Disconnected:
			c.mx.Unlock()
			c.stopMx.Unlock()
			return nil
		case Disconnecting:
			c.mx.Unlock()
			c.stopMx.Unlock()
			return ErrCanceled
		case Connecting:
			cancelStart, startDone := c.cancelStart, c.startDone
			c.mx.Unlock()
			if cancelStart != nil {
				cancelStart()
			}
			select {
			case <-startDone:
			case <-ctx.Done():
				c.stopMx.Unlock()
				return ctx.Err()
			}
			// start might have connected before it noticed the cancel
		case Connected:
			c.changeState(Disconnecting)
			t, cancelLoop, loopDone := c.transport, c.cancelLoop, c.loopDone
			c.mx.Unlock()
			c.stopMx.Unlock()
			return c.shutdown(ctx, t, cancelLoop, loopDone)
		}
	}
}

// shutdown closes the transport of a disconnecting connection, waits for the receive
// loop if loopDone is not nil and calls the disconnected callback.
// A receive loop busy in the message received callback is not waited for, the callback
// may be the caller. The loop ends when the callback returns.
func (c *connection) shutdown(ctx context.Context, t *transport, cancelLoop context.CancelFunc, loopDone chan struct{}) error {
	if err := t.close(ctx); err != nil {
		c.log.Log(TraceErrors, "error closing transport: %v", err)
	}
	cancelLoop()
	var err error
	if loopDone != nil && !c.inMessageCallback.Load() {
		select {
		case <-loopDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	c.mx.Lock()
	c.transport = nil
	c.changeState(Disconnected)
	disconnected := c.disconnected
	c.mx.Unlock()
	if disconnected != nil {
		c.runCallback("disconnected", disconnected)
	}
	return err
}

func (c *connection) send(ctx context.Context, data []byte) error {
	c.mx.Lock()
	if c.state != Connected {
		err := newInvalidStateError(c.state, "cannot send data when the connection is not in the "+
			"connected state. current connection state: %s")
		c.mx.Unlock()
		return err
	}
	t := c.transport
	c.mx.Unlock()
	c.log.Log(TraceMessages, "sending data: %s", data)
	if err := t.send(ctx, data); err != nil {
		c.log.Log(TraceErrors, "error sending data: %v", err)
		return err
	}
	return nil
}

// close is the best effort stop used when the owner is done with the connection.
func (c *connection) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.stop(ctx); err != nil && !errors.Is(err, ErrCanceled) {
		return err
	}
	return nil
}
