// Package gateway talks to the external agent runtime that hosts planning
// conversations. It sends messages into a runtime session and retrieves the
// agent's replies, either from the runtime's on-disk transcripts or from its
// history endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize limits runtime response bodies.
const maxResponseSize = 4 * 1024 * 1024

// Runtime endpoint paths, relative to the base URL.
const (
	SendPath    = "/api/sessions/send"
	HistoryPath = "/api/sessions/history"
)

// RetryConfig holds retry configuration for runtime requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per request.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns retry defaults for runtime requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// SendRequest is the body of a send call.
type SendRequest struct {
	SessionKey     string `json:"session_key"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key"`
}

// HistoryResponse is the body returned by the history endpoint.
type HistoryResponse struct {
	SessionKey string        `json:"session_key,omitempty"`
	Messages   []HistoryTurn `json:"messages"`
}

// HistoryTurn is one message as the runtime reports it. Content is either a
// plain string or a list of typed content blocks.
type HistoryTurn struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Client is the RPC client for the agent runtime.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a runtime client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Send posts a message into a runtime session. The idempotency key lets the
// runtime discard a resend of the same logical turn.
// Transient failures are retried here under the same key, bounded by
// RetryConfig. Once Send returns a workflow TransportError the turn is not
// sent again until the caller retries it.
func (c *Client) Send(ctx context.Context, sessionKey, message, idempotencyKey string) error {
	body, err := json.Marshal(SendRequest{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return transportError("encode send request", err)
	}

	_, err = c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SendPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		return req, nil
	})
	if err != nil {
		return transportError("send to session "+sessionKey, err)
	}

	c.logger.Debug("Sent message to agent runtime",
		"session_key", sessionKey,
		"idempotency_key", idempotencyKey,
		"bytes", len(message))
	return nil
}

// History fetches up to limit recent turns of a session, oldest first.
func (c *Client) History(ctx context.Context, sessionKey string, limit int) ([]HistoryTurn, error) {
	q := url.Values{}
	q.Set("session_key", sessionKey)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + HistoryPath + "?" + q.Encode()

	respBody, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, transportError("fetch history for "+sessionKey, err)
	}

	var resp HistoryResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, transportError("decode history response", err)
	}
	return resp.Messages, nil
}

// doWithRetry executes a request, retrying transient failures.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	attempts := max(c.retryConfig.MaxAttempts, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.do(build)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if isPermanent(err) || ctx.Err() != nil {
			return nil, err
		}

		if attempt < attempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Runtime request failed, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

func (c *Client) do(build func() (*http.Request, error)) ([]byte, error) {
	req, err := build()
	if err != nil {
		return nil, permanent(fmt.Errorf("create HTTP request: %w", err))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retryable(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, retryable(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

// calculateBackoff computes exponential backoff with +/- 25% jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if c.retryConfig.MaxBackoff > 0 && backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
