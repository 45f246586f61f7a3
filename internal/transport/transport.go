// Package transport performs HTTP requests through a single proxy endpoint.
// It owns dialing, TLS, timeouts and retries; callers only decide which
// endpoint to use.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/proxy-rotator/internal/pool"
)

// Request is one HTTP call routed through Endpoint.
type Request struct {
	Method   string
	URL      string
	Endpoint pool.Endpoint
	Header   http.Header
	Timeout  time.Duration // zero uses the transport default
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Transport is the network collaborator used by the health checker and the
// request executor.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// StatusError describes a response that was received but was not 200 OK.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Check converts a non-200 response into a *StatusError.
func Check(resp *Response) error {
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Get is a convenience wrapper for a GET with no extra headers.
func Get(ctx context.Context, t Transport, rawURL string, ep pool.Endpoint) (*Response, error) {
	return t.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Endpoint: ep})
}
