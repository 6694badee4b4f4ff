package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"
)

const defaultHandshakeTimeout = 15 * time.Second

// HubConnection is the hub RPC layer on top of a Connection.
// It owns the message received and disconnected callbacks of the Connection.
type HubConnection struct {
	*hubConnection
}

// hubConnection holds the state of a HubConnection. The callbacks installed on the
// connection only reference hubConnection, so the finalizer of the handle can run while
// the connection is receiving.
type hubConnection struct {
	conn             *connection
	protocol         HubProtocol
	handshakeTimeout time.Duration
	log              *traceLogger
	invokes          *invokeClient

	mx           sync.RWMutex
	handlers     map[string]func(arguments []interface{})
	disconnected func() error

	// receive state, guarded by recvMx
	recvMx       sync.Mutex
	remainBuf    bytes.Buffer
	handshakeBuf bytes.Buffer
	handshake    chan error
}

// WithProtocol sets the hub protocol. Default is the JSON hub protocol.
func WithProtocol(protocol HubProtocol) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if protocol == nil {
			return fmt.Errorf("option WithProtocol: protocol is nil")
		}
		h.protocol = protocol
		return nil
	}
}

// HandshakeTimeout is the interval the server has to answer the handshake within.
// Default is 15 seconds.
func HandshakeTimeout(timeout time.Duration) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if timeout <= 0 {
			return fmt.Errorf("option HandshakeTimeout: timeout must be positive")
		}
		h.handshakeTimeout = timeout
		return nil
	}
}

// NewHubConnection creates a HubConnection on conn, which must be disconnected.
// The transfer format of conn is switched to the one the protocol needs.
// The HubConnection takes over the lifetime of conn: conn is stopped when the
// HubConnection is closed or no longer referenced, not when conn is.
func NewHubConnection(conn *Connection, options ...func(*HubConnection) error) (*HubConnection, error) {
	h := &HubConnection{
		hubConnection: &hubConnection{
			conn:             conn.connection,
			protocol:         NewJSONHubProtocol(),
			handshakeTimeout: defaultHandshakeTimeout,
			log:              conn.log.withClass("HubConnection"),
			handlers:         make(map[string]func(arguments []interface{})),
		},
	}
	for _, option := range options {
		if option != nil {
			if err := option(h); err != nil {
				return nil, err
			}
		}
	}
	h.invokes = newInvokeClient(h.protocol)
	config := conn.ClientConfig()
	if config.withDefaults().TransferFormat != h.protocol.TransferFormat() {
		config.TransferFormat = h.protocol.TransferFormat()
		if err := conn.SetClientConfig(config); err != nil {
			return nil, err
		}
	}
	if err := h.conn.setMessageReceived(h.hubConnection.receive); err != nil {
		return nil, err
	}
	if err := h.conn.setDisconnected(h.hubConnection.onDisconnected); err != nil {
		return nil, err
	}
	runtime.SetFinalizer(conn, nil)
	runtime.SetFinalizer(h, func(h *HubConnection) {
		_ = h.conn.close()
	})
	return h, nil
}

// Start starts the connection and runs the handshake.
func (h *HubConnection) Start(ctx context.Context) error {
	handshake := make(chan error, 1)
	h.recvMx.Lock()
	h.remainBuf.Reset()
	h.handshakeBuf.Reset()
	h.handshake = handshake
	h.recvMx.Unlock()

	if err := h.conn.start(ctx); err != nil {
		return err
	}
	request, err := json.Marshal(handshakeRequest{Protocol: h.protocol.Name(), Version: 1})
	if err != nil {
		return h.abortStart(err)
	}
	if err = h.conn.send(ctx, append(request, recordSeparator)); err != nil {
		return h.abortStart(err)
	}
	timer := time.NewTimer(h.handshakeTimeout)
	defer timer.Stop()
	select {
	case err = <-handshake:
		if err != nil {
			h.log.Log(TraceErrors, "handshake failed: %v", err)
			return h.abortStart(err)
		}
		h.log.Log(TraceEvents, "handshake completed, protocol %v", h.protocol.Name())
		return nil
	case <-timer.C:
		return h.abortStart(ErrHandshakeTimeout)
	case <-ctx.Done():
		return h.abortStart(ctx.Err())
	}
}

func (h *hubConnection) abortStart(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = h.conn.stop(ctx)
	return err
}

// Stop stops the connection. Pending invocations fail with ErrCanceled.
func (h *HubConnection) Stop(ctx context.Context) error {
	return h.conn.stop(ctx)
}

// Close stops the connection if it is not disconnected.
func (h *HubConnection) Close() error {
	runtime.SetFinalizer(h, nil)
	return h.conn.close()
}

// State returns the state of the connection.
func (h *HubConnection) State() ConnectionState {
	h.conn.mx.Lock()
	defer h.conn.mx.Unlock()
	return h.conn.state
}

// ConnectionID returns the id of the connection.
func (h *HubConnection) ConnectionID() string {
	h.conn.mx.Lock()
	defer h.conn.mx.Unlock()
	return h.conn.connectionID
}

// SetDisconnected sets the callback called after the connection stopped.
// Like Connection.SetDisconnected it is only allowed when the connection is disconnected.
func (h *HubConnection) SetDisconnected(disconnected func() error) error {
	h.conn.mx.Lock()
	defer h.conn.mx.Unlock()
	if h.conn.state != Disconnected {
		return newInvalidStateError(h.conn.state, "cannot set the disconnected callback when the connection is not in the "+
			"disconnected state. current connection state: %s")
	}
	h.mx.Lock()
	h.disconnected = disconnected
	h.mx.Unlock()
	return nil
}

// On registers handler for the server to client method target. A handler registered
// for the same target before is replaced.
// Handlers are called on the receive goroutine and block further receiving while they run.
func (h *HubConnection) On(target string, handler func(arguments []interface{})) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if handler == nil {
		delete(h.handlers, target)
		return
	}
	h.handlers[target] = handler
}

// Invoke invokes method on the server and returns a channel which delivers exactly one InvokeResult.
// If ctx is canceled before the completion arrives, the result carries ctx.Err().
func (h *HubConnection) Invoke(ctx context.Context, method string, arguments ...interface{}) <-chan InvokeResult {
	id, pending := h.invokes.newInvocation()
	data, err := h.protocol.WriteMessage(invocationMessage{
		Type:         invocationMessageType,
		InvocationID: id,
		Target:       method,
		Arguments:    arguments,
	})
	if err == nil {
		err = h.conn.send(ctx, data)
	}
	if err != nil {
		h.invokes.resolve(id, InvokeResult{Error: err})
		return pending.result
	}
	if ctx.Done() != nil {
		invokes := h.invokes
		go func() {
			select {
			case <-ctx.Done():
				invokes.resolve(id, InvokeResult{Error: ctx.Err()})
			case <-pending.done:
			}
		}()
	}
	return pending.result
}

// Send invokes method on the server without waiting for a result.
func (h *HubConnection) Send(ctx context.Context, method string, arguments ...interface{}) error {
	data, err := h.protocol.WriteMessage(invocationMessage{
		Type:      invocationMessageType,
		Target:    method,
		Arguments: arguments,
	})
	if err != nil {
		return err
	}
	return h.conn.send(ctx, data)
}

// receive is the message received callback of the connection.
func (h *hubConnection) receive(data []byte) error {
	h.recvMx.Lock()
	if h.handshake != nil {
		var done bool
		if data, done = h.readHandshakeResponse(data); !done || len(data) == 0 {
			h.recvMx.Unlock()
			return nil
		}
	}
	messages, err := h.protocol.ParseMessages(data, &h.remainBuf)
	h.recvMx.Unlock()
	for _, message := range messages {
		h.dispatch(message)
	}
	return err
}

// readHandshakeResponse buffers data until the handshake response is complete and
// returns the bytes following it. recvMx must be held.
func (h *hubConnection) readHandshakeResponse(data []byte) ([]byte, bool) {
	_, _ = h.handshakeBuf.Write(data)
	buffered := h.handshakeBuf.Bytes()
	var frame, rest []byte
	if i := bytes.IndexByte(buffered, recordSeparator); i >= 0 {
		frame, rest = buffered[:i], buffered[i+1:]
	} else if json.Valid(buffered) {
		frame = buffered
	} else {
		return nil, false
	}
	response := handshakeResponse{}
	err := json.Unmarshal(frame, &response)
	if err == nil && response.Error != "" {
		err = &HandshakeError{Message: response.Error}
	}
	rest = append([]byte(nil), rest...)
	h.handshakeBuf.Reset()
	h.handshake <- err
	h.handshake = nil
	if err != nil {
		return nil, false
	}
	return rest, true
}

func (h *hubConnection) dispatch(message interface{}) {
	switch m := message.(type) {
	case invocationMessage:
		h.mx.RLock()
		handler, ok := h.handlers[m.Target]
		h.mx.RUnlock()
		if !ok {
			h.log.Log(TraceInfo, "no handler registered for method '%s'", m.Target)
			return
		}
		arguments := make([]interface{}, len(m.Arguments))
		for i, argument := range m.Arguments {
			if err := h.protocol.UnmarshalArgument(argument, &arguments[i]); err != nil {
				h.log.Log(TraceErrors, "invalid argument %d for method '%s': %v", i, m.Target, err)
				return
			}
		}
		h.callHandler(m.Target, handler, arguments)
	case completionMessage:
		if !h.invokes.receiveCompletion(m) {
			h.log.Log(TraceInfo, "no pending invocation with id '%s'", m.InvocationID)
		}
	case streamItemMessage:
		h.log.Log(TraceEvents, "dropped stream item for invocation '%s', streaming is not supported", m.InvocationID)
	case closeMessage:
		h.log.Log(TraceInfo, "server closed the connection: %s", m.Error)
		h.invokes.cancelAll(fmt.Errorf("%w: server closed the connection: %s", ErrCanceled, m.Error))
		// stop waits for the receive loop, which is the caller
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			_ = h.conn.stop(ctx)
		}()
	case hubMessage:
		if m.Type != pingMessageType {
			h.log.Log(TraceEvents, "ignored message of type %d", m.Type)
		}
	}
}

func (h *hubConnection) callHandler(target string, handler func(arguments []interface{}), arguments []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Log(TraceErrors, "handler for method '%s' panicked: %v", target, r)
		}
	}()
	handler(arguments)
}

// onDisconnected is the disconnected callback of the connection.
func (h *hubConnection) onDisconnected() error {
	h.invokes.cancelAll(ErrCanceled)
	h.mx.RLock()
	disconnected := h.disconnected
	h.mx.RUnlock()
	if disconnected != nil {
		return disconnected()
	}
	return nil
}
