package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	userAgent = "bulkmail-dispatcher"
	// maxResponseBody caps how much of an ESP reply is kept for diagnostics.
	maxResponseBody = 1 << 20
)

// DefaultHTTPClient is the net/http implementation of HTTPClient shared by
// the REST adapters. Every batch goes to the same host, so idle connections
// are kept per host.
type DefaultHTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a client whose requests, body read included, are
// bounded by timeout. A non-positive timeout uses the provider default.
func NewHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	return &DefaultHTTPClient{
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Do sends req under ctx and returns the status, first header values and
// the body truncated to maxResponseBody.
func (c *DefaultHTTPClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}
