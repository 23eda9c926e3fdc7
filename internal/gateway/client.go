// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultBaseURL is the base URL for the hosted completion gateway.
	DefaultBaseURL = "https://ai.gateway.lovable.dev/v1"

	// DefaultModel is the completion model requested for coach turns.
	DefaultModel = "google/gemini-3-flash-preview"

	// DefaultHeaderTimeout bounds the wait for upstream response headers.
	// The stream body itself is context-controlled, not timeout-bound.
	DefaultHeaderTimeout = 60 * time.Second

	// MaxErrorBodySize caps how much of an upstream error body is read for
	// diagnostics. Error bodies are logged, never forwarded.
	MaxErrorBodySize = 64 * 1024
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the gateway API key is not set.
	ErrNotConfigured = errors.New("gateway API key not configured")

	// ErrRateLimited indicates the gateway returned HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExhausted indicates the gateway returned HTTP 402.
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// GatewayError is any other non-success response from the gateway. The body
// is kept for server-side logging only.
type GatewayError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error (HTTP %d)", e.Status)
}

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// ChatMessage is a single role/content pair in a conversation transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// chatRequest is the gateway's completion request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// apiErrorResponse is the gateway's JSON error envelope, when present.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client issues streamed completion requests against the gateway.
type Client struct {
	apiKey  string
	baseURL string
	model   string

	// streamClient has no overall timeout; streams live as long as the
	// request context. Header receipt is bounded by the transport.
	streamClient *http.Client
}

// NewClient creates a gateway client with the given server-held API key.
// An empty key still yields a usable value; OpenStream will fail with
// ErrNotConfigured.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		streamClient: &http.Client{
			Transport: newStreamTransport(DefaultHeaderTimeout),
		},
	}
}

// newStreamTransport builds the pooled transport used for streaming calls.
// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
func newStreamTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// WithBaseURL sets a custom base URL (used by tests and self-hosted setups).
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimRight(url, "/")
	return c
}

// WithModel sets the completion model.
func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.model = model
	}
	return c
}

// WithHeaderTimeout sets the bound on waiting for upstream response headers.
func (c *Client) WithHeaderTimeout(d time.Duration) *Client {
	if d > 0 {
		c.streamClient.Transport = newStreamTransport(d)
	}
	return c
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Model returns the configured completion model.
func (c *Client) Model() string {
	return c.model
}

// =============================================================================
// STREAMED COMPLETION
// =============================================================================

// OpenStream issues a single streamed completion request and returns the
// open response on success. The caller owns resp.Body and must close it.
// No retries: a failure surfaces immediately as the mapped error.
func (c *Client) OpenStream(ctx context.Context, messages []ChatMessage) (*http.Response, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		resp.Body.Close()
		return nil, errorFromStatus(resp.StatusCode, errBody)
	}

	return resp, nil
}

// errorFromStatus converts a non-success upstream response to a typed error.
func errorFromStatus(status int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		switch status {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Error.Message)
		case http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", ErrQuotaExhausted, apiErr.Error.Message)
		}
		return &GatewayError{Status: status, Body: apiErr.Error.Message}
	}

	switch status {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusPaymentRequired:
		return ErrQuotaExhausted
	}
	return &GatewayError{Status: status, Body: string(body)}
}
