package signalr

import "bytes"

// HubProtocol encodes and decodes hub messages.
type HubProtocol interface {
	// Name is the protocol name sent in the handshake request.
	Name() string
	// TransferFormat is the transfer format the protocol needs on the transport.
	TransferFormat() TransferFormat
	// ParseMessages parses all complete messages contained in the bytes of remainBuf
	// followed by data. Bytes of an incomplete message are left in remainBuf.
	ParseMessages(data []byte, remainBuf *bytes.Buffer) ([]interface{}, error)
	// WriteMessage returns the framed wire representation of message.
	WriteMessage(message interface{}) ([]byte, error)
	// UnmarshalArgument decodes a raw argument or result into the value pointed to by dst.
	UnmarshalArgument(src interface{}, dst interface{}) error
}

const recordSeparator = 0x1e

// message types of the hub protocol
const (
	invocationMessageType       = 1
	streamItemMessageType       = 2
	completionMessageType       = 3
	streamInvocationMessageType = 4
	cancelInvocationMessageType = 5
	pingMessageType             = 6
	closeMessageType            = 7
)

type hubMessage struct {
	Type int `json:"type"`
}

type invocationMessage struct {
	Type         int           `json:"type"`
	InvocationID string        `json:"invocationId,omitempty"`
	Target       string        `json:"target"`
	Arguments    []interface{} `json:"arguments"`
	StreamIds    []string      `json:"streamIds,omitempty"`
}

type streamItemMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Item         interface{} `json:"item"`
}

// completionMessage.Result is nil for void results.
type completionMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Result       interface{} `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type closeMessage struct {
	Type           int    `json:"type"`
	Error          string `json:"error,omitempty"`
	AllowReconnect bool   `json:"allowReconnect,omitempty"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}
