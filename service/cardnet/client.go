// Package cardnet implements the signed HTTP client for the card network
// notification APIs: request signing, classification-driven retries, and a
// structured error taxonomy.
package cardnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cardwatch/cardwatch/service/metrics"
)

const defaultUserAgent = "cardwatch/1.0"

// Config tunes the HTTP client behavior.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int           // total attempts, not extra retries
	Backoff    time.Duration // initial retry delay
	MaxBackoff time.Duration // cap on the retry delay
	UserAgent  string
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return cfg
}

// Request describes one outbound API call.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   url.Values
	Body    any

	// AllowRetry overrides the default retry policy. When nil, retries are
	// enabled for safe methods (GET, HEAD, OPTIONS) and disabled otherwise,
	// since posting transactions or consents must not be replayed blindly.
	AllowRetry *bool
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// CorrelationID returns the provider correlation identifier, if present.
func (r *Response) CorrelationID() string {
	return correlationID(r.Header)
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Client is the signed HTTP client for the card network APIs. It is
// stateless across calls; all records and correlation state live elsewhere.
type Client struct {
	cfg        Config
	signer     Signer
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a new card network client. The signer is required; if
// logger is nil, logging is discarded. If m is nil, no metrics are recorded.
func NewClient(cfg Config, signer Signer, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	resolved := cfg.withDefaults()
	return &Client{
		cfg:        resolved,
		signer:     signer,
		httpClient: &http.Client{Timeout: resolved.Timeout},
		logger:     logger,
		metrics:    m,
	}, nil
}

// Send builds, signs and sends the request. Responses with status >= 400 are
// returned as a *APIError; transient failures (transport errors, status
// >= 500) are retried with exponential backoff plus jitter when retries are
// allowed for the request.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	fullURL, err := c.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	allowRetry := isSafeMethod(method)
	if req.AllowRetry != nil {
		allowRetry = *req.AllowRetry
	}

	maxAttempts := 1
	if allowRetry {
		maxAttempts = c.cfg.MaxRetries
	}

	var resp *Response
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, lastErr = c.sendOnce(ctx, method, fullURL, req.Headers, bodyBytes)

		retryable, reason := shouldRetry(resp, lastErr)
		if !retryable || attempt == maxAttempts {
			break
		}

		c.metrics.RecordAPIRetry(method, reason)
		c.logger.DebugContext(ctx, "retrying cardnet request",
			"method", method,
			"url", fullURL,
			"attempt", attempt,
			"reason", reason,
		)
		if err := c.sleep(ctx, c.retryDelay(attempt)); err != nil {
			return nil, err
		}
	}

	duration := time.Since(start).Seconds()
	if lastErr != nil {
		c.metrics.RecordAPIRequest(method, req.Path, "transport_error", duration)
		return nil, fmt.Errorf("cardnet request failed: %w", lastErr)
	}

	status := strconv.Itoa(resp.StatusCode)
	c.metrics.RecordAPIRequest(method, req.Path, status, duration)

	if resp.StatusCode >= 400 {
		apiErr := buildAPIError(&http.Response{StatusCode: resp.StatusCode, Header: resp.Header}, resp.Body)
		c.metrics.RecordAPIError(method, req.Path, status)
		c.logError(ctx, method, fullURL, apiErr, resp.Body)
		return nil, apiErr
	}

	return resp, nil
}

// sendOnce performs a single signed request attempt. The body reader is
// rebuilt per attempt so retries resend the full payload.
func (c *Client) sendOnce(ctx context.Context, method, fullURL string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if err := c.signer.Sign(httpReq); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	c.logger.DebugContext(ctx, "cardnet request",
		"method", method,
		"url", fullURL,
		"headers", redactHeaders(httpReq.Header),
	)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// shouldRetry classifies the outcome of one attempt. Transport failures and
// server errors are transient; anything below 500 is final.
func shouldRetry(resp *Response, err error) (bool, string) {
	if err != nil {
		return true, "transport_error"
	}
	if resp != nil && resp.StatusCode >= 500 {
		return true, "server_error"
	}
	return false, ""
}

// retryDelay computes exponential backoff with jitter, capped at MaxBackoff.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.cfg.Backoff << (attempt - 1)
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	full := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	u, err := url.Parse(full)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", full, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func (c *Client) logError(ctx context.Context, method, fullURL string, apiErr *APIError, body []byte) {
	var payload any
	if err := json.Unmarshal(body, &payload); err == nil {
		payload = redactPayload(payload)
	} else {
		payload = truncate(string(body), maxErrorBodyLen)
	}
	c.logger.WarnContext(ctx, "cardnet error response",
		"method", method,
		"url", fullURL,
		"status", apiErr.StatusCode,
		"reason_code", apiErr.ReasonCode,
		"correlation_id", apiErr.CorrelationID,
		"payload", payload,
	)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
