package signalr

import "encoding/json"

// TransportType is the name of a transport offered in the negotiate response.
type TransportType string

const (
	TransportWebSockets       TransportType = "WebSockets"
	TransportServerSentEvents TransportType = "ServerSentEvents"
	TransportLongPolling      TransportType = "LongPolling"
)

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiateResponse struct {
	Error               *string              `json:"error"`
	ConnectionID        string               `json:"connectionId"`
	URL                 string               `json:"url"`
	AccessToken         string               `json:"accessToken"`
	AvailableTransports []availableTransport `json:"availableTransports"`
}

// legacyProtocolMarker is only sent by ASP.NET (non Core) SignalR servers.
const legacyProtocolMarker = "ProtocolVersion"

func parseNegotiateResponse(body []byte) (*negotiateResponse, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &MalformedResponseError{Body: string(body), Err: err}
	}
	if _, ok := fields[legacyProtocolMarker]; ok {
		return nil, ErrIncompatibleServer
	}
	nr := &negotiateResponse{}
	if err := json.Unmarshal(body, nr); err != nil {
		return nil, &MalformedResponseError{Body: string(body), Err: err}
	}
	if nr.Error != nil {
		return nil, &NegotiateError{Message: *nr.Error}
	}
	return nr, nil
}

func (nr *negotiateResponse) isRedirect() bool {
	return nr.URL != ""
}

// supportsWebSockets reports whether a WebSockets transport with format is offered.
// A WebSockets entry without transfer formats is taken as supporting all formats.
func (nr *negotiateResponse) supportsWebSockets(format TransferFormat) bool {
	for _, transport := range nr.AvailableTransports {
		if transport.Transport != string(TransportWebSockets) {
			continue
		}
		if len(transport.TransferFormats) == 0 {
			return true
		}
		for _, f := range transport.TransferFormats {
			if f == string(format) {
				return true
			}
		}
	}
	return false
}
