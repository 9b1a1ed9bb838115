// Package upstream is the external collaborator the pipeline forwards
// non-mocked requests to.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is what the pipeline sends upstream.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is what the pipeline receives back.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Client wraps net/http.Client with a configurable timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client that rewrites request paths onto baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send issues req against the upstream and returns its response.
// Connection errors and timeouts are returned as plain errors; the
// pipeline is responsible for synthesizing the diagnostic 502.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	for name, v := range req.Headers {
		httpReq.Header.Set(name, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	headers := make(map[string]string, len(httpResp.Header))
	for name, values := range httpResp.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	return &Response{Status: httpResp.StatusCode, Headers: headers, Body: body}, nil
}
