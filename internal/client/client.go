// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client talks HTTP to the question-answering service.
//
// Open starts a streaming answer and hands back the raw event-stream body;
// Ask is the non-streaming fallback. Neither retries: a failed turn is
// reported to the user, who decides whether to ask again.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeranaias/ragchat/internal/model"
)

// Configuration constants for the answering service.
const (
	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL = "http://127.0.0.1:8000"

	// DefaultStreamPath is the streaming chat endpoint.
	DefaultStreamPath = "/api/chat/stream"

	// DefaultAskPath is the non-streaming chat endpoint.
	DefaultAskPath = "/api/chat"

	// DefaultHealthPath is probed by Health.
	DefaultHealthPath = "/health"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize caps non-streaming bodies and error bodies.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorBody caps how much of a failed response is read for its detail.
	maxErrorBody = 64 * 1024

	// RequestIDHeader carries a per-request identifier for server-side logs.
	RequestIDHeader = "X-Request-ID"
)

// sharedTransport is reused by every client for connection pooling.
var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        20,
	MaxIdleConnsPerHost: 4,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// Turn is one prior message sent as conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of both chat endpoints. ConversationID is omitted on
// the first turn of a conversation.
type Request struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
	History        []Turn `json:"history"`
}

// Answer is the body returned by the non-streaming endpoint.
type Answer struct {
	Answer         string         `json:"answer"`
	Sources        []model.Source `json:"sources"`
	Confidence     *float64       `json:"confidence,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	FollowUps      []string       `json:"follow_ups,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is an HTTP client for the answering service. Configure it with the
// With* methods before first use; it is safe for concurrent use afterwards.
type Client struct {
	baseURL    string
	streamPath string
	askPath    string
	healthPath string
	apiKey     string
	userAgent  string
	timeout    time.Duration

	httpClient      *http.Client
	streamingClient *http.Client
	limiter         *rate.Limiter
	logger          *slog.Logger
}

// NewClient creates a client for the service at baseURL. An empty baseURL
// uses DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		streamPath: DefaultStreamPath,
		askPath:    DefaultAskPath,
		healthPath: DefaultHealthPath,
		userAgent:  "ragchat",
		timeout:    DefaultTimeout,
		httpClient: &http.Client{
			Transport: sharedTransport,
			Timeout:   DefaultTimeout,
		},
		// No timeout for streaming - controlled via context
		streamingClient: &http.Client{Transport: sharedTransport},
		logger:          slog.Default().With("component", "client"),
	}
}

// WithStreamPath sets the streaming endpoint path.
func (c *Client) WithStreamPath(path string) *Client {
	if path != "" {
		c.streamPath = path
	}
	return c
}

// WithAskPath sets the non-streaming endpoint path.
func (c *Client) WithAskPath(path string) *Client {
	if path != "" {
		c.askPath = path
	}
	return c
}

// WithHealthPath sets the path probed by Health.
func (c *Client) WithHealthPath(path string) *Client {
	if path != "" {
		c.healthPath = path
	}
	return c
}

// WithAPIKey sends the key as a bearer token.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// WithUserAgent overrides the User-Agent header.
func (c *Client) WithUserAgent(ua string) *Client {
	if ua != "" {
		c.userAgent = ua
	}
	return c
}

// WithTimeout sets the timeout for non-streaming requests.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
	return c
}

// WithRateLimit limits outbound requests to perSecond with the given burst.
// A non-positive rate disables limiting.
func (c *Client) WithRateLimit(perSecond float64, burst int) *Client {
	if perSecond <= 0 {
		c.limiter = nil
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

// WithHTTPClient replaces both underlying HTTP clients. Used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
		c.streamingClient = hc
	}
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	if l != nil {
		c.logger = l.With("component", "client")
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Open starts a streaming answer. On success the caller owns the returned
// body and must close it. A non-2xx status is returned as *APIError.
func (c *Client) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, c.streamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(ctx, c.streamingClient, httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.handleErrorResponse(resp)
	}
	return resp.Body, nil
}

// Ask requests a complete answer from the non-streaming endpoint.
func (c *Client) Ask(ctx context.Context, req Request) (*Answer, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, c.askPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.do(ctx, c.httpClient, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.handleErrorResponse(resp)
	}

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	var answer Answer
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &answer, nil
}

// Health checks that the service is reachable and healthy.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	return req, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do waits for the rate limiter, then sends the request.
func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.logger.Debug("request sent",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", req.Header.Get(RequestIDHeader),
		"elapsed", time.Since(start))
	return resp, nil
}

// readResponse reads a body up to MaxResponseSize.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil && !errors.Is(err, io.EOF) {
		c.logger.Debug("failed to read error body", "error", err)
	}
	apiErr := &APIError{
		Status: resp.StatusCode,
		Detail: extractDetail(body),
	}
	c.logger.Warn("service returned an error",
		"status", resp.StatusCode,
		"detail", apiErr.Detail)
	return apiErr
}
