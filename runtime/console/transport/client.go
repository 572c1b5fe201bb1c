// Package transport opens the HTTP streams consumed by the console. A
// Client posts a turn request and hands the SSE response body to the caller;
// it never interprets the stream.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type (
	// Request is the body of a turn request.
	Request struct {
		// Prompt is the user message starting the turn.
		Prompt string `json:"prompt"`
		// SessionID resumes an existing session when set.
		SessionID string `json:"session_id,omitempty"`
		// AgentID selects the agent answering the turn.
		AgentID string `json:"agent_id,omitempty"`
		// Options carries agent specific settings passed through verbatim.
		Options map[string]any `json:"options,omitempty"`
	}

	// Client opens turn streams against one endpoint.
	Client struct {
		endpoint string
		http     *http.Client
		headers  http.Header
		retry    RetryConfig
	}

	// Option configures the Client.
	Option func(*Client)
)

// WithHTTPClient overrides the underlying *http.Client. The client must not
// set a Timeout shorter than the longest expected turn.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithRetry overrides the retry configuration used when opening streams.
func WithRetry(cfg RetryConfig) Option {
	return func(cl *Client) {
		cl.retry = cfg
	}
}

// New constructs a Client posting turn requests to endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("transport: endpoint is required")
	}
	cl := &Client{
		endpoint: endpoint,
		headers:  make(http.Header),
		retry:    DefaultRetryConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{}
	}
	return cl, nil
}

// Open posts req and returns the event stream body. The caller must close
// it. Canceling ctx aborts pending reads on the body.
func (c *Client) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}
	return c.open(ctx, http.MethodPost, payload)
}

// Get opens a stream with a GET request, used to replay captured streams
// served over HTTP.
func (c *Client) Get(ctx context.Context) (io.ReadCloser, error) {
	return c.open(ctx, http.MethodGet, nil)
}

func (c *Client) open(ctx context.Context, method string, payload []byte) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := retry(ctx, c.retry, func(ctx context.Context) error {
		var rerr error
		body, rerr = c.do(ctx, method, payload)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method string, payload []byte) (io.ReadCloser, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.endpoint, rd)
	if err != nil {
		return nil, err
	}
	for k, vals := range c.headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(httpReq) //nolint:gosec // endpoint is configured by the operator
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q: %s", resp.Header.Get("Content-Type"), string(raw))
	}
	return resp.Body, nil
}
