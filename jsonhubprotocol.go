package signalr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONHubProtocol is the JSON based SignalR protocol. Messages are terminated by the
// record separator 0x1E.
type JSONHubProtocol struct{}

// NewJSONHubProtocol creates the JSON hub protocol.
func NewJSONHubProtocol() *JSONHubProtocol {
	return &JSONHubProtocol{}
}

// Protocol specific messages for deferred unmarshaling of arguments and results
type jsonInvocationMessage struct {
	Type         int               `json:"type"`
	Target       string            `json:"target"`
	InvocationID string            `json:"invocationId"`
	Arguments    []json.RawMessage `json:"arguments"`
	StreamIds    []string          `json:"streamIds,omitempty"`
}

type jsonStreamItemMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Item         json.RawMessage `json:"item"`
}

type jsonCompletionMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
}

type jsonError struct {
	raw string
	err error
}

func (j *jsonError) Error() string {
	return fmt.Sprintf("%v (source: %v)", j.err, j.raw)
}

func (j *jsonError) Unwrap() error {
	return j.err
}

func (j *JSONHubProtocol) Name() string {
	return "json"
}

func (j *JSONHubProtocol) TransferFormat() TransferFormat {
	return TransferFormatText
}

// ParseMessages splits the buffered text at record separators and parses each frame.
// A trailing segment without separator which is valid JSON is taken as a whole message,
// so servers sending one message per transport frame without separator are understood.
// Malformed frames are skipped. Their errors are joined into the returned error.
func (j *JSONHubProtocol) ParseMessages(data []byte, remainBuf *bytes.Buffer) ([]interface{}, error) {
	frames := splitTextFrames(data, remainBuf)
	messages := make([]interface{}, 0, len(frames))
	var errs []error
	for _, frame := range frames {
		message, err := j.parseMessage(frame)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		messages = append(messages, message)
	}
	return messages, errors.Join(errs...)
}

// splitTextFrames returns the complete frames of remainBuf followed by data and keeps the rest in remainBuf.
func splitTextFrames(data []byte, remainBuf *bytes.Buffer) [][]byte {
	_, _ = remainBuf.Write(data)
	frames := make([][]byte, 0)
	for {
		buffered := remainBuf.Bytes()
		i := bytes.IndexByte(buffered, recordSeparator)
		if i < 0 {
			break
		}
		frame := make([]byte, i)
		copy(frame, buffered[:i])
		remainBuf.Next(i + 1)
		if len(bytes.TrimSpace(frame)) > 0 {
			frames = append(frames, frame)
		}
	}
	if rest := bytes.TrimSpace(remainBuf.Bytes()); len(rest) > 0 && json.Valid(rest) {
		frame := make([]byte, len(rest))
		copy(frame, rest)
		frames = append(frames, frame)
		remainBuf.Reset()
	}
	return frames
}

func (j *JSONHubProtocol) parseMessage(data []byte) (interface{}, error) {
	message := hubMessage{}
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, &jsonError{string(data), err}
	}
	switch message.Type {
	case invocationMessageType, streamInvocationMessageType:
		jsonInvocation := jsonInvocationMessage{}
		if err := json.Unmarshal(data, &jsonInvocation); err != nil {
			return nil, &jsonError{string(data), err}
		}
		arguments := make([]interface{}, len(jsonInvocation.Arguments))
		for i, a := range jsonInvocation.Arguments {
			arguments[i] = a
		}
		return invocationMessage{
			Type:         jsonInvocation.Type,
			Target:       jsonInvocation.Target,
			InvocationID: jsonInvocation.InvocationID,
			Arguments:    arguments,
			StreamIds:    jsonInvocation.StreamIds,
		}, nil
	case streamItemMessageType:
		jsonStreamItem := jsonStreamItemMessage{}
		if err := json.Unmarshal(data, &jsonStreamItem); err != nil {
			return nil, &jsonError{string(data), err}
		}
		return streamItemMessage{
			Type:         jsonStreamItem.Type,
			InvocationID: jsonStreamItem.InvocationID,
			Item:         jsonStreamItem.Item,
		}, nil
	case completionMessageType:
		jsonCompletion := jsonCompletionMessage{}
		if err := json.Unmarshal(data, &jsonCompletion); err != nil {
			return nil, &jsonError{string(data), err}
		}
		completion := completionMessage{
			Type:         jsonCompletion.Type,
			InvocationID: jsonCompletion.InvocationID,
			Error:        jsonCompletion.Error,
		}
		if len(jsonCompletion.Result) > 0 {
			completion.Result = jsonCompletion.Result
		}
		return completion, nil
	case closeMessageType:
		cm := closeMessage{}
		if err := json.Unmarshal(data, &cm); err != nil {
			return nil, &jsonError{string(data), err}
		}
		return cm, nil
	default:
		return message, nil
	}
}

// WriteMessage returns message as JSON followed by the record separator
func (j *JSONHubProtocol) WriteMessage(message interface{}) ([]byte, error) {
	if invocation, ok := message.(invocationMessage); ok && invocation.Arguments == nil {
		invocation.Arguments = make([]interface{}, 0)
		message = invocation
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// UnmarshalArgument unmarshals a json.RawMessage depending on the specified value type into value
func (j *JSONHubProtocol) UnmarshalArgument(src interface{}, dst interface{}) error {
	raw, ok := src.(json.RawMessage)
	if !ok {
		return fmt.Errorf("invalid source %#v for UnmarshalArgument", src)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &jsonError{string(raw), err}
	}
	return nil
}
