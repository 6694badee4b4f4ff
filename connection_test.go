package signalr

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func startConnection(conn *Connection) {
	Expect(conn.Start(context.Background())).To(Succeed())
	Expect(conn.State()).To(Equal(Connected))
}

var _ = Describe("Connection", func() {
	var logger *memoryLogger
	var factory *testWebSocketFactory
	var doer *negotiateDoer

	BeforeEach(func() {
		logger = &memoryLogger{}
		factory = newTestWebSocketFactory(nil)
		doer = newNegotiateDoer(defaultNegotiateResponse)
	})

	Context("NewConnection", func() {
		It("should create a disconnected connection without id", func() {
			conn := newTestConnection(doer, factory, logger, TraceAll)
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(conn.ConnectionID()).To(BeEmpty())
			Expect(logger.Entries()).To(BeEmpty())
		})
		It("should fail on invalid options", func() {
			_, err := NewConnection("http://fakeuri.org", WithTransferFormat("XML"))
			Expect(err).To(HaveOccurred())
			_, err = NewConnection("http://fakeuri.org", WithHTTPClient(nil))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Start", func() {
		It("should connect and log the state changes", func() {
			conn := newTestConnection(doer, factory, logger, TraceStateChanges)
			startConnection(conn)
			Expect(conn.ConnectionID()).To(Equal(testConnectionID))
			Expect(logger.Entries()).To(Equal([]string{
				"[state change] disconnected -> connecting",
				"[state change] connecting -> connected",
			}))
			Expect(factory.last().URL()).To(Equal("ws://fakeuri.org/?id=" + testConnectionID))
		})
		It("should fail without I/O when not disconnected", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			err := conn.Start(context.Background())
			Expect(err).To(MatchError("cannot start a connection that is not in the disconnected state"))
			var stateErr *InvalidStateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
			Expect(stateErr.State).To(Equal(Connected))
			Expect(doer.Requests()).To(HaveLen(1))
			Expect(factory.Clients()).To(HaveLen(1))
		})
		It("should post to the negotiate endpoint with the configured headers", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone,
				WithHTTPHeaders(http.Header{"X-Custom": []string{"value"}}))
			startConnection(conn)
			requests := doer.Requests()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].Method).To(Equal(http.MethodPost))
			Expect(requests[0].URL.String()).To(Equal("http://fakeuri.org/negotiate"))
			Expect(requests[0].Header.Get("X-Custom")).To(Equal("value"))
			Expect(factory.last().Header().Get("X-Custom")).To(Equal("value"))
		})
		It("should keep the query of the base url", func() {
			conn, err := NewConnection("https://fakeuri.org/hub?q=1", WithHTTPClient(doer),
				WithWebSocketClientFactory(factory.create), WithLogger(logger, TraceNone))
			Expect(err).NotTo(HaveOccurred())
			startConnection(conn)
			Expect(doer.Requests()[0].URL.String()).To(Equal("https://fakeuri.org/hub/negotiate?q=1"))
			Expect(factory.last().URL()).To(Equal("wss://fakeuri.org/hub?q=1&id=" + testConnectionID))
		})
		It("should fail when the base url is invalid", func() {
			conn, err := NewConnection("ftp://fakeuri.org", WithHTTPClient(doer),
				WithWebSocketClientFactory(factory.create), WithLogger(logger, TraceErrors))
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.Start(context.Background())).NotTo(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(doer.Requests()).To(BeEmpty())
			Expect(logger.Entries()).To(HaveLen(1))
			Expect(logger.Entries()[0]).To(HavePrefix("[error] connection could not be started due to: "))
		})
		It("should fail and log when the negotiate request fails", func() {
			failing := doerFunc(func(req *http.Request) (*http.Response, error) {
				return nil, errors.New("web exception")
			})
			conn := newTestConnection(failing, factory, logger, TraceErrors|TraceStateChanges)
			Expect(conn.Start(context.Background())).To(MatchError("web exception"))
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(logger.Entries()).To(Equal([]string{
				"[state change] disconnected -> connecting",
				"[error] connection could not be started due to: web exception",
				"[state change] connecting -> disconnected",
			}))
		})
		It("should fail with an HTTPStatusError when negotiate returns a non 200 status", func() {
			bad := doerFunc(func(req *http.Request) (*http.Response, error) {
				return respond(http.StatusBadRequest, "bad request"), nil
			})
			conn := newTestConnection(bad, factory, logger, TraceNone)
			err := conn.Start(context.Background())
			var statusErr *HTTPStatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(conn.State()).To(Equal(Disconnected))
		})
		It("should fail with ErrIncompatibleServer for ASP.NET SignalR servers", func() {
			doer = newNegotiateDoer(`{"Url":"/signalr","ConnectionToken":"A==","ConnectionId":"f7707523","ProtocolVersion":"1.4",` +
				`"error":"ignored","url":"http://ignored"}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			Expect(conn.Start(context.Background())).To(MatchError(ErrIncompatibleServer))
			Expect(doer.Requests()).To(HaveLen(1))
			Expect(factory.Clients()).To(BeEmpty())
		})
		It("should fail with the error of the negotiate response", func() {
			doer = newNegotiateDoer(`{"error":"bad negotiate"}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			err := conn.Start(context.Background())
			Expect(err).To(MatchError("bad negotiate"))
			var negotiateErr *NegotiateError
			Expect(errors.As(err, &negotiateErr)).To(BeTrue())
			Expect(conn.State()).To(Equal(Disconnected))
		})
		It("should fail with a MalformedResponseError when the response is no JSON", func() {
			doer = newNegotiateDoer(`{ "connectionId" : "f7707523", "availableTransports" : [ `)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			err := conn.Start(context.Background())
			var malformed *MalformedResponseError
			Expect(errors.As(err, &malformed)).To(BeTrue())
			Expect(errors.Is(err, ErrRedirectLimitExceeded)).To(BeFalse())
		})
		It("should fail when the server does not offer WebSockets", func() {
			doer = newNegotiateDoer(`{"connectionId":"f7707523","availableTransports":[{"transport":"ServerSentEvents","transferFormats":["Text"]}]}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			Expect(conn.Start(context.Background())).To(MatchError(ErrWebSocketsNotSupported))
			Expect(conn.State()).To(Equal(Disconnected))
		})
		It("should fail when the server offers no transports", func() {
			doer = newNegotiateDoer(`{"connectionId":"f7707523","availableTransports":[]}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			Expect(conn.Start(context.Background())).To(MatchError(ErrWebSocketsNotSupported))
		})
		It("should fail when WebSockets does not support the transfer format", func() {
			doer = newNegotiateDoer(`{"connectionId":"f7707523","availableTransports":[{"transport":"WebSockets","transferFormats":["Text"]}]}`)
			conn := newTestConnection(doer, factory, logger, TraceNone, WithTransferFormat(TransferFormatBinary))
			Expect(conn.Start(context.Background())).To(MatchError(ErrWebSocketsNotSupported))
		})
		It("should log and fail when the transport cannot connect", func() {
			factory = newTestWebSocketFactory(func(client *testWebSocketClient) {
				client.connectFunc = func(context.Context, string, http.Header) error {
					return errors.New("connecting failed")
				}
			})
			conn := newTestConnection(doer, factory, logger, TraceErrors)
			Expect(conn.Start(context.Background())).To(MatchError("connecting failed"))
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(conn.ConnectionID()).To(Equal(testConnectionID))
			Expect(logger.Entries()).To(Equal([]string{
				"[error] transport could not connect due to: connecting failed",
				"[error] connection could not be started due to: connecting failed",
			}))
		})
		It("should time out when the transport does not connect in time", func(done Done) {
			factory = newTestWebSocketFactory(func(client *testWebSocketClient) {
				client.connectFunc = func(ctx context.Context, _ string, _ http.Header) error {
					<-ctx.Done()
					return ctx.Err()
				}
			})
			conn := newTestConnection(doer, factory, logger, TraceNone, TransportConnectTimeout(50*time.Millisecond))
			Expect(conn.Start(context.Background())).To(MatchError(ErrTransportConnectTimeout))
			Expect(conn.State()).To(Equal(Disconnected))
			close(done)
		}, 2.0)
		It("should reset the connection id when starting", func() {
			var idDuringNegotiate atomic.Value
			var conn *Connection
			var starts int32
			d := doerFunc(func(req *http.Request) (*http.Response, error) {
				if atomic.AddInt32(&starts, 1) == 2 {
					idDuringNegotiate.Store(conn.ConnectionID())
				}
				return respond(http.StatusOK, defaultNegotiateResponse), nil
			})
			conn = newTestConnection(d, factory, logger, TraceNone)
			startConnection(conn)
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(conn.ConnectionID()).To(Equal(testConnectionID))
			startConnection(conn)
			Expect(idDuringNegotiate.Load()).To(Equal(""))
			Expect(conn.ConnectionID()).To(Equal(testConnectionID))
		})
	})

	Context("negotiate redirects", func() {
		redirectingDoer := func(redirect string) *negotiateDoer {
			d := newNegotiateDoer("")
			d.body = func(req *http.Request) string {
				if req.URL.Host == "fakeuri.org" {
					return redirect
				}
				return defaultNegotiateResponse
			}
			return d
		}
		It("should connect to the redirect url", func() {
			doer = redirectingDoer(`{"url":"http://redirected"}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			Expect(doer.Requests()).To(HaveLen(2))
			Expect(doer.Requests()[1].URL.String()).To(Equal("http://redirected/negotiate"))
			Expect(factory.last().URL()).To(Equal("ws://redirected/?id=" + testConnectionID))
		})
		It("should use the query of the redirect url and drop the original one", func() {
			doer = redirectingDoer(`{"url":"http://redirected?customQuery=1"}`)
			conn, err := NewConnection("http://fakeuri.org?q=original", WithHTTPClient(doer),
				WithWebSocketClientFactory(factory.create), WithLogger(logger, TraceNone))
			Expect(err).NotTo(HaveOccurred())
			startConnection(conn)
			Expect(factory.last().URL()).To(Equal("ws://redirected/?customQuery=1&id=" + testConnectionID))
		})
		It("should send the access token of the redirect as bearer token", func() {
			doer = redirectingDoer(`{"url":"http://redirected","accessToken":"secret"}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			requests := doer.Requests()
			Expect(requests[0].Header.Get("Authorization")).To(BeEmpty())
			Expect(requests[1].Header.Get("Authorization")).To(Equal("Bearer secret"))
			Expect(factory.last().Header().Get("Authorization")).To(Equal("Bearer secret"))
		})
		It("should follow the redirect on every start", func() {
			doer = redirectingDoer(`{"url":"http://redirected"}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			Expect(conn.Stop(context.Background())).To(Succeed())
			startConnection(conn)
			Expect(doer.Requests()).To(HaveLen(4))
			Expect(factory.last().URL()).To(Equal("ws://redirected/?id=" + testConnectionID))
		})
		It("should fail after 100 redirects", func() {
			doer = newNegotiateDoer(`{"url":"http://redirected"}`)
			conn := newTestConnection(doer, factory, logger, TraceNone)
			Expect(conn.Start(context.Background())).To(MatchError(ErrRedirectLimitExceeded))
			Expect(doer.Requests()).To(HaveLen(100))
			Expect(conn.State()).To(Equal(Disconnected))
		})
	})

	Context("receive", func() {
		It("should log and pass received messages to the callback", func(done Done) {
			conn := newTestConnection(doer, factory, logger, TraceMessages)
			received := make(chan string, 1)
			Expect(conn.SetMessageReceived(func(message []byte) error {
				received <- string(message)
				return nil
			})).To(Succeed())
			startConnection(conn)
			factory.last().frames <- []byte("{ }\x1e")
			Expect(<-received).To(Equal("{ }\x1e"))
			Expect(logger.Entries()).To(Equal([]string{"[message] processing message: { }\x1e"}))
			close(done)
		}, 2.0)
		It("should log failing callbacks and continue receiving", func(done Done) {
			conn := newTestConnection(doer, factory, logger, TraceErrors)
			received := make(chan string, 4)
			Expect(conn.SetMessageReceived(func(message []byte) error {
				received <- string(message)
				switch string(message) {
				case "error":
					return errors.New("oops")
				case "panic error":
					panic(errors.New("error"))
				case "panic":
					panic(42)
				}
				return nil
			})).To(Succeed())
			startConnection(conn)
			for _, message := range []string{"error", "panic error", "panic", "ok"} {
				factory.last().frames <- []byte(message)
				Expect(<-received).To(Equal(message))
			}
			Eventually(logger.Entries).Should(Equal([]string{
				"[error] message_received callback threw an exception: oops",
				"[error] message_received callback threw an exception: error",
				"[error] message_received callback threw an unknown exception",
			}))
			Expect(conn.State()).To(Equal(Connected))
			close(done)
		}, 2.0)
		It("should disconnect when the transport fails", func(done Done) {
			conn := newTestConnection(doer, factory, logger, TraceErrors|TraceStateChanges)
			disconnected := make(chan struct{}, 2)
			Expect(conn.SetDisconnected(func() error {
				disconnected <- struct{}{}
				return nil
			})).To(Succeed())
			startConnection(conn)
			factory.last().failures <- errors.New("connection reset")
			<-disconnected
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(logger.Entries()).To(Equal([]string{
				"[state change] disconnected -> connecting",
				"[state change] connecting -> connected",
				"[error] connection lost due to: connection reset",
				"[state change] connected -> disconnecting",
				"[state change] disconnecting -> disconnected",
			}))
			Consistently(disconnected, 100*time.Millisecond).ShouldNot(Receive())
			Expect(factory.last().CloseCount()).To(Equal(1))
			close(done)
		}, 2.0)
		It("should be startable again after the connection was lost", func(done Done) {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			disconnected := make(chan struct{}, 1)
			Expect(conn.SetDisconnected(func() error {
				disconnected <- struct{}{}
				return nil
			})).To(Succeed())
			startConnection(conn)
			factory.last().failures <- errors.New("connection reset")
			<-disconnected
			startConnection(conn)
			Expect(factory.Clients()).To(HaveLen(2))
			close(done)
		}, 2.0)
	})

	Context("Send", func() {
		It("should fail when not connected", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			err := conn.Send(context.Background(), []byte("message"))
			Expect(err).To(MatchError("cannot send data when the connection is not in the connected state. " +
				"current connection state: disconnected"))
			Expect(factory.Clients()).To(BeEmpty())
		})
		It("should send data over the transport", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			Expect(conn.Send(context.Background(), []byte("message"))).To(Succeed())
			Expect(factory.last().Sent()).To(Equal([]string{"message"}))
		})
		It("should log and return transport errors unchanged", func() {
			sendErr := errors.New("send error")
			factory = newTestWebSocketFactory(func(client *testWebSocketClient) {
				client.sendFunc = func(context.Context, []byte) error { return sendErr }
			})
			conn := newTestConnection(doer, factory, logger, TraceErrors)
			startConnection(conn)
			Expect(conn.Send(context.Background(), []byte("message"))).To(BeIdenticalTo(sendErr))
			Expect(logger.Entries()).To(Equal([]string{"[error] error sending data: send error"}))
		})
	})

	Context("setters", func() {
		It("should only be allowed when disconnected", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			Expect(conn.SetMessageReceived(func([]byte) error { return nil })).To(MatchError(
				"cannot set the callback when the connection is not in the disconnected state. current connection state: connected"))
			Expect(conn.SetDisconnected(func() error { return nil })).To(MatchError(
				"cannot set the disconnected callback when the connection is not in the disconnected state. current connection state: connected"))
			Expect(conn.SetClientConfig(ClientConfig{})).To(MatchError(
				"cannot set client config when the connection is not in the disconnected state. current connection state: connected"))
		})
		It("should use the client config on the next start", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			config := conn.ClientConfig()
			config.Header = http.Header{"X-Config": []string{"1"}}
			Expect(conn.SetClientConfig(config)).To(Succeed())
			startConnection(conn)
			Expect(doer.Requests()[0].Header.Get("X-Config")).To(Equal("1"))
		})
	})

	Context("Stop", func() {
		It("should do nothing when disconnected", func() {
			conn := newTestConnection(doer, factory, logger, TraceAll)
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(logger.Entries()).To(Equal([]string{
				"[info] stopping connection",
				"[info] acquired lock in shutdown()",
			}))
		})
		It("should stop from within the message received callback", func(done Done) {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			stopped := make(chan error, 1)
			Expect(conn.SetMessageReceived(func([]byte) error {
				stopped <- conn.Stop(context.Background())
				return nil
			})).To(Succeed())
			var disconnected int32
			Expect(conn.SetDisconnected(func() error {
				atomic.AddInt32(&disconnected, 1)
				return nil
			})).To(Succeed())
			startConnection(conn)
			factory.last().frames <- []byte("stop")
			Eventually(stopped, 2*time.Second).Should(Receive(BeNil()))
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(factory.last().CloseCount()).To(Equal(1))
			Expect(atomic.LoadInt32(&disconnected)).To(Equal(int32(1)))
			close(done)
		}, 5.0)
		It("should stop a connected connection", func() {
			conn := newTestConnection(doer, factory, logger, TraceStateChanges)
			disconnected := 0
			Expect(conn.SetDisconnected(func() error {
				disconnected++
				return nil
			})).To(Succeed())
			startConnection(conn)
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(disconnected).To(Equal(1))
			Expect(factory.last().CloseCount()).To(Equal(1))
			Expect(logger.Entries()).To(Equal([]string{
				"[state change] disconnected -> connecting",
				"[state change] connecting -> connected",
				"[state change] connected -> disconnecting",
				"[state change] disconnecting -> disconnected",
			}))
		})
		It("should log every state change of start stop start stop exactly once", func() {
			conn := newTestConnection(doer, factory, logger, TraceStateChanges)
			startConnection(conn)
			Expect(conn.Stop(context.Background())).To(Succeed())
			startConnection(conn)
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(logger.Entries()).To(Equal([]string{
				"[state change] disconnected -> connecting",
				"[state change] connecting -> connected",
				"[state change] connected -> disconnecting",
				"[state change] disconnecting -> disconnected",
				"[state change] disconnected -> connecting",
				"[state change] connecting -> connected",
				"[state change] connected -> disconnecting",
				"[state change] disconnecting -> disconnected",
			}))
		})
		It("should cancel an ongoing start", func(done Done) {
			negotiating := make(chan struct{}, 1)
			blocking := doerFunc(func(req *http.Request) (*http.Response, error) {
				negotiating <- struct{}{}
				<-req.Context().Done()
				return nil, req.Context().Err()
			})
			conn := newTestConnection(blocking, factory, logger, TraceAll)
			started := make(chan error, 1)
			go func() { started <- conn.Start(context.Background()) }()
			<-negotiating
			Expect(conn.Stop(context.Background())).To(Succeed())
			err := <-started
			Expect(err).To(MatchError(ErrCanceled))
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(logger.Entries()).To(Equal([]string{
				"[state change] disconnected -> connecting",
				"[info] stopping connection",
				"[info] acquired lock in shutdown()",
				"[info] starting the connection has been canceled.",
				"[state change] connecting -> disconnected",
			}))
			close(done)
		}, 2.0)
		It("should cancel a start waiting for the transport", func(done Done) {
			connecting := make(chan struct{}, 1)
			factory = newTestWebSocketFactory(func(client *testWebSocketClient) {
				client.connectFunc = func(ctx context.Context, _ string, _ http.Header) error {
					connecting <- struct{}{}
					<-ctx.Done()
					return ctx.Err()
				}
			})
			conn := newTestConnection(doer, factory, logger, TraceAll)
			started := make(chan error, 1)
			go func() { started <- conn.Start(context.Background()) }()
			<-connecting
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(<-started).To(MatchError(ErrCanceled))
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(logger.Entries()).NotTo(ContainElement(HavePrefix("[error]")))
			close(done)
		}, 2.0)
		It("should not call the disconnected callback for a canceled start", func(done Done) {
			negotiating := make(chan struct{}, 1)
			blocking := doerFunc(func(req *http.Request) (*http.Response, error) {
				negotiating <- struct{}{}
				<-req.Context().Done()
				return nil, req.Context().Err()
			})
			conn := newTestConnection(blocking, factory, logger, TraceNone)
			var disconnected int32
			Expect(conn.SetDisconnected(func() error {
				atomic.AddInt32(&disconnected, 1)
				return nil
			})).To(Succeed())
			started := make(chan error, 1)
			go func() { started <- conn.Start(context.Background()) }()
			<-negotiating
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(<-started).To(MatchError(ErrCanceled))
			Expect(atomic.LoadInt32(&disconnected)).To(BeZero())
			close(done)
		}, 2.0)
		It("should return ErrCanceled when another stop is in progress", func(done Done) {
			release := make(chan struct{})
			factory = newTestWebSocketFactory(func(client *testWebSocketClient) {
				client.closeFunc = func(context.Context) error {
					<-release
					return nil
				}
			})
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			stopped := make(chan error, 1)
			go func() { stopped <- conn.Stop(context.Background()) }()
			Eventually(conn.State).Should(Equal(Disconnecting))
			Expect(conn.Stop(context.Background())).To(MatchError(ErrCanceled))
			close(release)
			Expect(<-stopped).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			close(done)
		}, 2.0)
		It("should log failing disconnected callbacks and finish the stop", func() {
			conn := newTestConnection(doer, factory, logger, TraceErrors)
			Expect(conn.SetDisconnected(func() error {
				return errors.New("disconnect failed")
			})).To(Succeed())
			startConnection(conn)
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(conn.SetDisconnected(func() error {
				panic("not an error")
			})).To(Succeed())
			startConnection(conn)
			Expect(conn.Stop(context.Background())).To(Succeed())
			Expect(logger.Entries()).To(Equal([]string{
				"[error] disconnected callback threw an exception: disconnect failed",
				"[error] disconnected callback threw an unknown exception",
			}))
		})
	})

	Context("Close", func() {
		It("should stop a connected connection", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			startConnection(conn)
			Expect(conn.Close()).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(factory.last().CloseCount()).To(Equal(1))
		})
		It("should do nothing on a disconnected connection", func() {
			conn := newTestConnection(doer, factory, logger, TraceNone)
			Expect(conn.Close()).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
		})
		It("should stop a connected connection when it is no longer referenced", func() {
			func() {
				startConnection(newTestConnection(doer, factory, logger, TraceStateChanges))
			}()
			client := factory.last()
			Eventually(func() int {
				runtime.GC()
				return client.CloseCount()
			}, 5*time.Second, 10*time.Millisecond).Should(Equal(1))
			Eventually(logger.Entries).Should(ContainElement("[state change] disconnecting -> disconnected"))
		})
	})
})
