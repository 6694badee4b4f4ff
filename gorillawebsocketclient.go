package signalr

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type gorillaWebSocketClient struct {
	format  TransferFormat
	dialer  *websocket.Dialer
	mx      sync.Mutex
	writeMx sync.Mutex
	conn    *websocket.Conn
}

// NewGorillaWebSocketClient creates a WebSocketClient based on github.com/gorilla/websocket.
// Pass it to WithWebSocketClientFactory to use it instead of the default client.
func NewGorillaWebSocketClient(format TransferFormat) WebSocketClient {
	return &gorillaWebSocketClient{
		format: format,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
	}
}

func (g *gorillaWebSocketClient) Connect(ctx context.Context, url string, header http.Header) error {
	conn, _, err := g.dialer.DialContext(ctx, url, header)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)
	g.mx.Lock()
	g.conn = conn
	g.mx.Unlock()
	return nil
}

func (g *gorillaWebSocketClient) connection() (*websocket.Conn, error) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.conn == nil {
		return nil, errNotConnected
	}
	return g.conn, nil
}

func (g *gorillaWebSocketClient) Send(ctx context.Context, data []byte) error {
	conn, err := g.connection()
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if g.format == TransferFormatBinary {
		messageType = websocket.BinaryMessage
	}
	// gorilla supports only one concurrent writer
	g.writeMx.Lock()
	defer g.writeMx.Unlock()
	return doWithContext(ctx,
		func() error { return conn.WriteMessage(messageType, data) },
		func() { _ = conn.SetWriteDeadline(time.Now()) })
}

func (g *gorillaWebSocketClient) Receive(ctx context.Context) ([]byte, error) {
	conn, err := g.connection()
	if err != nil {
		return nil, err
	}
	var data []byte
	err = doWithContext(ctx,
		func() (err error) {
			_, data, err = conn.ReadMessage()
			return err
		},
		func() { _ = conn.SetReadDeadline(time.Now()) })
	return data, err
}

func (g *gorillaWebSocketClient) Close(ctx context.Context) error {
	conn, err := g.connection()
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// doWithContext runs op and calls unblock when ctx is done before op returns.
// unblock must make op return, e.g. by setting a deadline in the past.
func doWithContext(ctx context.Context, op func() error, unblock func()) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			unblock()
		case <-done:
		}
	}()
	err := op()
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		return ctxErr
	}
	return err
}
