package signalr

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

type pendingInvocation struct {
	result chan InvokeResult
	// done is closed when the invocation is resolved
	done chan struct{}
}

// invokeClient correlates invocations with their completions. Each invocation is
// resolved exactly once, either by its completion or by one of the failure paths.
type invokeClient struct {
	mx       sync.Mutex
	pending  map[string]pendingInvocation
	protocol HubProtocol
}

func newInvokeClient(protocol HubProtocol) *invokeClient {
	return &invokeClient{
		pending:  make(map[string]pendingInvocation),
		protocol: protocol,
	}
}

func (i *invokeClient) newInvocation() (string, pendingInvocation) {
	id := uuid.New().String()
	p := pendingInvocation{
		result: make(chan InvokeResult, 1),
		done:   make(chan struct{}),
	}
	i.mx.Lock()
	i.pending[id] = p
	i.mx.Unlock()
	return id, p
}

// resolve delivers result to the invocation with id and reports if it was still pending.
func (i *invokeClient) resolve(id string, result InvokeResult) bool {
	i.mx.Lock()
	p, ok := i.pending[id]
	delete(i.pending, id)
	i.mx.Unlock()
	if !ok {
		return false
	}
	p.result <- result
	close(p.result)
	close(p.done)
	return true
}

func (i *invokeClient) receiveCompletion(completion completionMessage) bool {
	result := InvokeResult{protocol: i.protocol}
	switch {
	case completion.Error != "":
		result.Error = &InvocationError{Message: completion.Error}
	case completion.Result != nil:
		result.raw = completion.Result
		var value interface{}
		if err := i.protocol.UnmarshalArgument(completion.Result, &value); err != nil {
			result.Error = err
		} else {
			result.Value = value
		}
	}
	return i.resolve(completion.InvocationID, result)
}

// cancelAll fails all pending invocations with err, which should match ErrCanceled.
func (i *invokeClient) cancelAll(err error) {
	if !errors.Is(err, ErrCanceled) {
		err = ErrCanceled
	}
	i.mx.Lock()
	ids := make([]string, 0, len(i.pending))
	for id := range i.pending {
		ids = append(ids, id)
	}
	i.mx.Unlock()
	for _, id := range ids {
		i.resolve(id, InvokeResult{Error: err})
	}
}
