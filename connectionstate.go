package signalr

import "fmt"

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	// Disconnected is the initial state and the state after every completed stop.
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}
