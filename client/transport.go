package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrTransport indicates a connection failure or a non-200 status from
// a remote source.
var ErrTransport = errors.New("transport failure")

// Transport posts a request body to a remote source and returns the
// status code and response body.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) (int, []byte, error)
}

// maxResponseSize bounds response bodies read from remote sources
// (4MB).
const maxResponseSize = 4 * 1024 * 1024

// HTTPTransport is the production Transport on net/http with a bounded
// per-call timeout.
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport creates a transport with the given per-call
// timeout; zero means 30 seconds.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Post sends body to url and returns the status and response body. A
// connection-level failure is wrapped in ErrTransport; non-200 statuses
// are returned to the caller for per-source handling.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	return resp.StatusCode, respBody, nil
}
