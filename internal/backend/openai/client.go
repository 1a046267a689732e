// Package openai is the upstream HTTP client for OpenAI-compatible
// completion APIs. The client holds no credential of its own: every call
// carries the key of the pooled credential selected for it.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultUserAgent = "polyglot-token-pool/1.0"
)

// ErrMissingAPIKey is returned when a call is made without a credential.
var ErrMissingAPIKey = errors.New("openai: request has no API key")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the default User-Agent sent upstream.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client is a custom HTTP client for the OpenAI API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new OpenAI API client. Outbound requests are traced
// through otelhttp unless a custom HTTP client is supplied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// APIKey is the credential for this call only.
	APIKey string

	// UserAgent is forwarded as-is when set.
	UserAgent string
}

// CreateChatCompletion sends a chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (*ChatCompletionResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/chat/completions", req, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// StreamResult wraps a chunk or error from streaming.
type StreamResult struct {
	Chunk *ChatCompletionChunk
	Err   error
}

// StreamChatCompletion sends a streaming chat completion request and returns
// a channel of chunks. Usage reporting is always requested so the final chunk
// carries the cost of the call.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (<-chan StreamResult, error) {
	streamReq := *req
	streamReq.Stream = true
	streamReq.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := c.do(ctx, http.MethodPost, "/chat/completions", &streamReq, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	send := func(r StreamResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(StreamResult{Err: fmt.Errorf("failed to unmarshal chunk: %w", err)})
			return
		}
		if !send(StreamResult{Chunk: &chunk}) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(StreamResult{Err: fmt.Errorf("stream read error: %w", err)})
	}
}

// ListModels retrieves the list of models visible to the credential.
func (c *Client) ListModels(ctx context.Context, opts *RequestOptions) (*ModelList, error) {
	resp, err := c.do(ctx, http.MethodGet, "/models", nil, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ModelList
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do sends one request and returns the response when the status is 200.
// Any other status is turned into a canonical error and the body is closed.
func (c *Client) do(ctx context.Context, method, path string, payload any, opts *RequestOptions) (*http.Response, error) {
	if opts == nil || opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, upstreamError(resp.StatusCode, respBody)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)

	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
