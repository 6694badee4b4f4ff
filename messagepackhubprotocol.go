package signalr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessagePackHubProtocol is the binary SignalR protocol. Each message is prefixed by
// its length encoded as varint.
type MessagePackHubProtocol struct{}

// NewMessagePackHubProtocol creates the MessagePack hub protocol.
func NewMessagePackHubProtocol() *MessagePackHubProtocol {
	return &MessagePackHubProtocol{}
}

func (m *MessagePackHubProtocol) Name() string {
	return "messagepack"
}

func (m *MessagePackHubProtocol) TransferFormat() TransferFormat {
	return TransferFormatBinary
}

func (m *MessagePackHubProtocol) ParseMessages(data []byte, remainBuf *bytes.Buffer) ([]interface{}, error) {
	frames, err := m.readFrames(data, remainBuf)
	if err != nil {
		return nil, err
	}
	messages := make([]interface{}, 0, len(frames))
	var errs []error
	for _, frame := range frames {
		message, err := m.parseMessage(bytes.NewBuffer(frame))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		messages = append(messages, message)
	}
	return messages, errors.Join(errs...)
}

func (m *MessagePackHubProtocol) readFrames(data []byte, remainBuf *bytes.Buffer) ([][]byte, error) {
	_, _ = remainBuf.Write(data)
	frames := make([][]byte, 0)
	for remainBuf.Len() > 0 {
		buffered := remainBuf.Bytes()
		frameLen, lenLen := binary.Uvarint(buffered)
		if lenLen == 0 {
			// the length itself is incomplete
			break
		}
		if lenLen < 0 || frameLen > maxMessageSize {
			remainBuf.Reset()
			return nil, fmt.Errorf("messagepack frame length too large")
		}
		if uint64(len(buffered)-lenLen) < frameLen {
			break
		}
		frame := make([]byte, frameLen)
		copy(frame, buffered[lenLen:lenLen+int(frameLen)])
		remainBuf.Next(lenLen + int(frameLen))
		if frameLen > 0 {
			frames = append(frames, frame)
		}
	}
	return frames, nil
}

func (m *MessagePackHubProtocol) parseMessage(buf *bytes.Buffer) (interface{}, error) {
	decoder := msgpack.NewDecoder(buf)
	// Default map decoding expects all maps to have string keys
	decoder.SetMapDecoder(func(decoder *msgpack.Decoder) (interface{}, error) {
		return decoder.DecodeUntypedMap()
	})
	msgLen, err := decoder.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	msgType, err := decoder.DecodeInt()
	if err != nil {
		return nil, err
	}
	// Ping and close messages have no headers
	// see https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md#message-headers
	if msgType != pingMessageType && msgType != closeMessageType {
		if _, err = decoder.DecodeMap(); err != nil {
			return nil, err
		}
	}
	switch msgType {
	case invocationMessageType, streamInvocationMessageType:
		if msgLen < 5 {
			return nil, fmt.Errorf("invalid invocationMessage length %v", msgLen)
		}
		invocationID, err := m.decodeInvocationID(decoder)
		if err != nil {
			return nil, err
		}
		invocation := invocationMessage{
			Type:         msgType,
			InvocationID: invocationID,
		}
		if invocation.Target, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		argLen, err := decoder.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		invocation.Arguments = make([]interface{}, 0, argLen)
		for i := 0; i < argLen; i++ {
			argument, err := decoder.DecodeRaw()
			if err != nil {
				return nil, err
			}
			invocation.Arguments = append(invocation.Arguments, argument)
		}
		// StreamIds are optional
		if msgLen > 5 {
			streamIDLen, err := decoder.DecodeArrayLen()
			if err != nil {
				return nil, err
			}
			for i := 0; i < streamIDLen; i++ {
				streamID, err := decoder.DecodeString()
				if err != nil {
					return nil, err
				}
				invocation.StreamIds = append(invocation.StreamIds, streamID)
			}
		}
		return invocation, nil
	case streamItemMessageType:
		if msgLen != 4 {
			return nil, fmt.Errorf("invalid streamItemMessage length %v", msgLen)
		}
		streamItem := streamItemMessage{Type: streamItemMessageType}
		if streamItem.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		if streamItem.Item, err = decoder.DecodeRaw(); err != nil {
			return nil, err
		}
		return streamItem, nil
	case completionMessageType:
		if msgLen < 4 {
			return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
		}
		completion := completionMessage{Type: completionMessageType}
		if completion.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		resultKind, err := decoder.DecodeInt8()
		if err != nil {
			return nil, err
		}
		switch resultKind {
		case 1: // Error result
			if msgLen < 5 {
				return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
			}
			if completion.Error, err = decoder.DecodeString(); err != nil {
				return nil, err
			}
		case 2: // Void result
		case 3: // Non-void result
			if msgLen < 5 {
				return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
			}
			result, err := decoder.DecodeRaw()
			if err != nil {
				return nil, err
			}
			completion.Result = result
		default:
			return nil, fmt.Errorf("invalid resultKind %v", resultKind)
		}
		return completion, nil
	case pingMessageType:
		return hubMessage{Type: pingMessageType}, nil
	case closeMessageType:
		if msgLen < 2 {
			return nil, fmt.Errorf("invalid closeMessage length %v", msgLen)
		}
		cm := closeMessage{Type: closeMessageType}
		errorText, err := decoder.DecodeInterface()
		if err != nil {
			return nil, err
		}
		if s, ok := errorText.(string); ok {
			cm.Error = s
		}
		if msgLen > 2 {
			if cm.AllowReconnect, err = decoder.DecodeBool(); err != nil {
				return nil, err
			}
		}
		return cm, nil
	}
	return hubMessage{Type: msgType}, nil
}

func (m *MessagePackHubProtocol) decodeInvocationID(decoder *msgpack.Decoder) (string, error) {
	rawID, err := decoder.DecodeInterface()
	if err != nil {
		return "", err
	}
	// nil is ok
	if rawID == nil {
		return "", nil
	}
	// Otherwise, it must be string
	invocationID, ok := rawID.(string)
	if !ok {
		return "", fmt.Errorf("invalid InvocationID %#v", rawID)
	}
	return invocationID, nil
}

// WriteMessage encodes message and prefixes it with its length.
func (m *MessagePackHubProtocol) WriteMessage(message interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := msgpack.NewEncoder(buf)
	// Ensure uppercase/lowercase mapping for struct member names
	encoder.SetCustomStructTag("json")
	if err := m.encodeMessage(encoder, message); err != nil {
		return nil, err
	}
	lenBuf := make([]byte, binary.MaxVarintLen32)
	lenLen := binary.PutUvarint(lenBuf, uint64(buf.Len()))
	return append(lenBuf[:lenLen], buf.Bytes()...), nil
}

func (m *MessagePackHubProtocol) encodeMessage(encoder *msgpack.Encoder, message interface{}) error {
	switch msg := message.(type) {
	case invocationMessage:
		if err := encodeMsgHeader(encoder, 6, msg.Type); err != nil {
			return err
		}
		var err error
		if msg.InvocationID == "" {
			err = encoder.EncodeNil()
		} else {
			err = encoder.EncodeString(msg.InvocationID)
		}
		if err != nil {
			return err
		}
		if err := encoder.EncodeString(msg.Target); err != nil {
			return err
		}
		if err := encoder.EncodeArrayLen(len(msg.Arguments)); err != nil {
			return err
		}
		for _, arg := range msg.Arguments {
			if err := encoder.Encode(arg); err != nil {
				return err
			}
		}
		if err := encoder.EncodeArrayLen(len(msg.StreamIds)); err != nil {
			return err
		}
		for _, id := range msg.StreamIds {
			if err := encoder.EncodeString(id); err != nil {
				return err
			}
		}
	case streamItemMessage:
		if err := encodeMsgHeader(encoder, 4, msg.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(msg.InvocationID); err != nil {
			return err
		}
		if err := encoder.Encode(msg.Item); err != nil {
			return err
		}
	case completionMessage:
		msgLen := 4
		if msg.Result != nil || msg.Error != "" {
			msgLen = 5
		}
		if err := encodeMsgHeader(encoder, msgLen, msg.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(msg.InvocationID); err != nil {
			return err
		}
		var resultKind int8 = 2
		if msg.Error != "" {
			resultKind = 1
		} else if msg.Result != nil {
			resultKind = 3
		}
		if err := encoder.EncodeInt8(resultKind); err != nil {
			return err
		}
		switch resultKind {
		case 1:
			return encoder.EncodeString(msg.Error)
		case 3:
			return encoder.Encode(msg.Result)
		}
	case hubMessage:
		if err := encoder.EncodeArrayLen(1); err != nil {
			return err
		}
		return encoder.EncodeInt(int64(msg.Type))
	case closeMessage:
		if err := encoder.EncodeArrayLen(3); err != nil {
			return err
		}
		if err := encoder.EncodeInt(closeMessageType); err != nil {
			return err
		}
		if err := encoder.EncodeString(msg.Error); err != nil {
			return err
		}
		return encoder.EncodeBool(msg.AllowReconnect)
	default:
		return fmt.Errorf("%#v is not a hub message", message)
	}
	return nil
}

func encodeMsgHeader(e *msgpack.Encoder, msgLen int, msgType int) (err error) {
	if err = e.EncodeArrayLen(msgLen); err != nil {
		return err
	}
	if err = e.EncodeInt(int64(msgType)); err != nil {
		return err
	}
	headers := make(map[string]interface{})
	if err = e.EncodeMap(headers); err != nil {
		return err
	}
	return nil
}

// UnmarshalArgument unmarshals raw bytes to a destination value. dst is the pointer to the destination value.
func (m *MessagePackHubProtocol) UnmarshalArgument(src interface{}, dst interface{}) error {
	rawSrc, ok := src.(msgpack.RawMessage)
	if !ok {
		return fmt.Errorf("invalid source %#v for UnmarshalArgument", src)
	}
	decoder := msgpack.GetDecoder()
	defer msgpack.PutDecoder(decoder)
	decoder.Reset(bytes.NewReader(rawSrc))
	// Default map decoding expects all maps to have string keys
	decoder.SetMapDecoder(func(decoder *msgpack.Decoder) (interface{}, error) {
		return decoder.DecodeUntypedMap()
	})
	// Ensure uppercase/lowercase mapping for struct member names
	decoder.SetCustomStructTag("json")
	return decoder.Decode(dst)
}
