// Command signalr-chat is an interactive client for a SignalR chat hub.
//
// Lines read from stdin are sent to the hub method given by -method. Invocations of
// -target by the server are printed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/log"

	"github.com/hubwire/signalr"
)

func main() {
	address := flag.String("url", "http://localhost:8086/chat", "hub url")
	method := flag.String("method", "Send", "hub method called with each input line")
	target := flag.String("target", "receive", "client method invoked by the server")
	protocol := flag.String("protocol", "json", "hub protocol, json or messagepack")
	useGorilla := flag.Bool("gorilla", false, "use gorilla/websocket as transport")
	verbose := flag.Bool("v", false, "log all messages")
	flag.Parse()

	if err := run(*address, *method, *target, *protocol, *useGorilla, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(address, method, target, protocolName string, useGorilla, verbose bool) error {
	traceLevel := signalr.TraceErrors | signalr.TraceStateChanges
	if verbose {
		traceLevel = signalr.TraceAll
	}
	options := []func(*signalr.Connection) error{
		signalr.WithLogger(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), traceLevel),
	}
	if useGorilla {
		options = append(options, signalr.WithWebSocketClientFactory(signalr.NewGorillaWebSocketClient))
	}
	conn, err := signalr.NewConnection(address, options...)
	if err != nil {
		return err
	}
	var protocol signalr.HubProtocol = signalr.NewJSONHubProtocol()
	if protocolName == "messagepack" {
		protocol = signalr.NewMessagePackHubProtocol()
	}
	hub, err := signalr.NewHubConnection(conn, signalr.WithProtocol(protocol))
	if err != nil {
		return err
	}
	defer func() { _ = hub.Close() }()

	hub.On(target, func(arguments []interface{}) {
		fmt.Println(arguments...)
	})
	disconnected := make(chan struct{})
	if err = hub.SetDisconnected(func() error {
		close(disconnected)
		return nil
	}); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStart()
	if err = hub.Start(startCtx); err != nil {
		return err
	}
	fmt.Printf("connected as %v\n", hub.ConnectionID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return hub.Stop(context.Background())
		case <-disconnected:
			return fmt.Errorf("connection closed")
		case line, ok := <-lines:
			if !ok {
				return hub.Stop(context.Background())
			}
			if err = hub.Send(ctx, method, line); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}
