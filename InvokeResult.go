package signalr

// InvokeResult is the result of HubConnection.Invoke.
// Value holds the result decoded into generic values (maps, slices, strings, numbers).
// Error is an *InvocationError when the hub method failed, or the client side error.
type InvokeResult struct {
	Value interface{}
	Error error

	raw      interface{}
	protocol HubProtocol
}

// Decode decodes the result into the value pointed to by dst.
// For a void result dst is left unchanged.
func (r InvokeResult) Decode(dst interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if r.raw == nil {
		return nil
	}
	return r.protocol.UnmarshalArgument(r.raw, dst)
}
