package signalr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRedirects = 100

type negotiateResult struct {
	connectionID string
	// baseURL is the url the last negotiate request was sent to, i.e. the url
	// of the last redirect if there was one.
	baseURL     *url.URL
	accessToken string
}

type negotiator struct {
	client     Doer
	header     http.Header
	format     TransferFormat
	newBackOff func() backoff.BackOff
	logger     *traceLogger
}

func newNegotiator(config ClientConfig, logger *traceLogger) *negotiator {
	return &negotiator{
		client:     config.HTTPClient,
		header:     config.Header,
		format:     config.TransferFormat,
		newBackOff: config.NegotiateBackOff,
		logger:     logger,
	}
}

// negotiate follows redirects until the server answers with transport information.
// A redirect url replaces the negotiate target including its query.
func (n *negotiator) negotiate(ctx context.Context, baseURL *url.URL) (*negotiateResult, error) {
	target := baseURL
	accessToken := ""
	for redirects := 0; ; redirects++ {
		if redirects >= maxRedirects {
			return nil, ErrRedirectLimitExceeded
		}
		nr, err := n.post(ctx, target, accessToken)
		if err != nil {
			return nil, err
		}
		if nr.AccessToken != "" {
			accessToken = nr.AccessToken
		}
		if !nr.isRedirect() {
			if !nr.supportsWebSockets(n.format) {
				return nil, ErrWebSocketsNotSupported
			}
			return &negotiateResult{
				connectionID: nr.ConnectionID,
				baseURL:      target,
				accessToken:  accessToken,
			}, nil
		}
		n.logger.Log(TraceEvents, "negotiate redirected to %v", nr.URL)
		if target, err = parseBaseURL(nr.URL); err != nil {
			return nil, err
		}
	}
}

func (n *negotiator) post(ctx context.Context, target *url.URL, accessToken string) (*negotiateResponse, error) {
	negotiateURL := buildNegotiateURL(target)
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, negotiateURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header = authorizedHeader(n.header, accessToken)
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { closeResponseBody(resp.Body) }()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&HTTPStatusError{
				URL:        negotiateURL,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
			})
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if n.newBackOff != nil {
		policy = n.newBackOff()
	}
	notify := func(err error, next time.Duration) {
		n.logger.Log(TraceEvents, "negotiate request failed: %v, retrying in %v", err, next)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return parseNegotiateResponse(body)
}

// closeResponseBody reads a http response body to the end and closes it
// See https://blog.cubieserver.de/2022/http-connection-reuse-in-go-clients/
// The body needs to be fully read and closed, otherwise the connection will not be reused
func closeResponseBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func authorizedHeader(header http.Header, accessToken string) http.Header {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	return h
}

func parseBaseURL(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid url %q: scheme must be http, https, ws or wss", address)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", address)
	}
	return u, nil
}

func buildNegotiateURL(base *url.URL) string {
	negotiateURL := *base
	switch strings.ToLower(negotiateURL.Scheme) {
	case "ws":
		negotiateURL.Scheme = "http"
	case "wss":
		negotiateURL.Scheme = "https"
	}
	negotiateURL.Path = path.Join("/", negotiateURL.Path, "negotiate")
	negotiateURL.RawPath = ""
	return negotiateURL.String()
}

// buildConnectURL appends the connection id to the query of base without reordering
// the existing query parameters.
func buildConnectURL(base *url.URL, connectionID string) string {
	connectURL := *base
	switch strings.ToLower(connectURL.Scheme) {
	case "https", "wss":
		connectURL.Scheme = "wss"
	default:
		connectURL.Scheme = "ws"
	}
	if connectURL.Path == "" {
		connectURL.Path = "/"
	}
	if connectionID != "" {
		id := "id=" + url.QueryEscape(connectionID)
		if connectURL.RawQuery == "" {
			connectURL.RawQuery = id
		} else {
			connectURL.RawQuery += "&" + id
		}
	}
	return connectURL.String()
}
