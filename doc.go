/*
Package signalr contains a client for ASP.NET Core SignalR servers.
It supports the WebSockets transport with the transfer formats Text (JSON hub protocol)
and Binary (MessagePack hub protocol).
For a deeper understanding of signalr see https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
and https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/TransportProtocols.md

Connection

A Connection is created with NewConnection(), which gets the server address. Connection.Start() negotiates
with the server, follows negotiate redirects and connects the WebSockets transport. Received messages are passed
unchanged to the callback set with SetMessageReceived. Connection.Send() sends raw messages.
A Connection is always in one of the states disconnected, connecting, connected and disconnecting.
Callbacks and the ClientConfig can only be changed while it is disconnected.

HubConnection

A HubConnection adds the hub protocol on top of a Connection. After HubConnection.Start() has completed the
handshake, server methods can be called with Send (no result) and Invoke (one result), and server to client calls
are dispatched to the handlers registered with On.

Automatic reconnects and streaming are not supported.
*/
package signalr
