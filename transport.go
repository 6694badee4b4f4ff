package signalr

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// transport owns the WebSocketClient of a single start attempt.
type transport struct {
	client         WebSocketClient
	connectTimeout time.Duration
	closeOnce      sync.Once
	closeErr       error
}

func newTransport(config ClientConfig) *transport {
	return &transport{
		client:         config.WebSocketClientFactory(config.TransferFormat),
		connectTimeout: config.TransportConnectTimeout,
	}
}

// connect connects the client within the transport connect timeout. Clients which do
// not honor ctx are abandoned when the timeout elapses and closed as soon as their
// Connect returns.
func (t *transport) connect(ctx context.Context, url string, header http.Header) error {
	connectCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- t.client.Connect(connectCtx, url, header)
	}()
	select {
	case err := <-result:
		if err != nil && ctx.Err() == nil && connectCtx.Err() != nil {
			return ErrTransportConnectTimeout
		}
		return err
	case <-connectCtx.Done():
		go func() {
			if err := <-result; err == nil {
				_ = t.client.Close(context.Background())
			}
		}()
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrTransportConnectTimeout
	}
}

func (t *transport) send(ctx context.Context, data []byte) error {
	return t.client.Send(ctx, data)
}

func (t *transport) receive(ctx context.Context) ([]byte, error) {
	return t.client.Receive(ctx)
}

// close closes the client once. Later calls return the result of the first.
func (t *transport) close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.client.Close(ctx)
	})
	return t.closeErr
}
