package signalr

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// WebSocketClient is the duplex transport capability used by a Connection.
// A WebSocketClient is used for a single start attempt and is not reused after Close.
type WebSocketClient interface {
	Connect(ctx context.Context, url string, header http.Header) error
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the next message arrives, ctx is canceled or the connection is closed.
	Receive(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// maxMessageSize is the read limit applied to websocket connections.
const maxMessageSize = 1 << 24

var errNotConnected = errors.New("websocket is not connected")

type webSocketClient struct {
	format TransferFormat
	mx     sync.Mutex
	conn   *websocket.Conn
}

// NewWebSocketClient creates a WebSocketClient based on github.com/coder/websocket.
// Messages are sent as text frames for TransferFormatText and as binary frames for TransferFormatBinary.
func NewWebSocketClient(format TransferFormat) WebSocketClient {
	return &webSocketClient{format: format}
}

func (w *webSocketClient) Connect(ctx context.Context, url string, header http.Header) error {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)
	w.mx.Lock()
	w.conn = conn
	w.mx.Unlock()
	return nil
}

func (w *webSocketClient) connection() (*websocket.Conn, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.conn == nil {
		return nil, errNotConnected
	}
	return w.conn, nil
}

func (w *webSocketClient) Send(ctx context.Context, data []byte) error {
	conn, err := w.connection()
	if err != nil {
		return err
	}
	messageType := websocket.MessageText
	if w.format == TransferFormatBinary {
		messageType = websocket.MessageBinary
	}
	return conn.Write(ctx, messageType, data)
}

func (w *webSocketClient) Receive(ctx context.Context) ([]byte, error) {
	conn, err := w.connection()
	if err != nil {
		return nil, err
	}
	_, data, err := conn.Read(ctx)
	return data, err
}

// Close runs the closing handshake. If ctx ends before the handshake is done, the
// connection is closed without it.
func (w *webSocketClient) Close(ctx context.Context) error {
	conn, err := w.connection()
	if err != nil {
		return err
	}
	closed := make(chan error, 1)
	go func() {
		closed <- conn.Close(websocket.StatusNormalClosure, "")
	}()
	select {
	case err = <-closed:
	case <-ctx.Done():
		_ = conn.CloseNow()
		err = ctx.Err()
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
