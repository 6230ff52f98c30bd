// Package gateway is the REST client for the upstream fitness gateway: user
// summaries, trainings and plan calendar events.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"stas-mcp-bridge/internal/config"
	"stas-mcp-bridge/internal/metrics"
)

// Gateway paths.
const (
	PathUserSummary = "/api/db/user_summary"
	PathTrainings   = "/trainings"
	PathEvents      = "/icu/events"
)

// DefaultUserAgent is sent on every gateway request.
const DefaultUserAgent = "stas-mcp-bridge/1.0"

// Client handles all interactions with the gateway
type Client struct {
	baseURL     string
	client      *http.Client
	rateLimiter *rate.Limiter
	policy      Policy
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	userAgent   string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from the configured timeouts.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithPolicy replaces the retry policy derived from configuration.
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithClock sets the time source used for default date windows.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithMetrics records request counters on m; nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRateLimiter replaces the limiter; nil disables limiting.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.rateLimiter = l }
}

// New creates a gateway client with rate limiting and bounded retries
func New(cfg config.Gateway, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit.PerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimit.PerMinute))
	}
	burst := cfg.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		baseURL: base,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(limit, burst),
		policy:      PolicyFrom(cfg.Retry),
		logger:      slog.Default(),
		now:         time.Now,
		userAgent:   DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured gateway root.
func (c *Client) BaseURL() string { return c.baseURL }

// call describes one logical gateway operation.
type call struct {
	method string
	path   string
	userID int64
	query  url.Values
	body   any
	header http.Header
}

// requestJSON performs a call with retries and returns the decoded JSON body.
// Transport failures and 5xx are retried, then reported as ErrUnavailable;
// 4xx and malformed bodies come back as *BadResponseError on first sight.
func (c *Client) requestJSON(ctx context.Context, cl call) (any, error) {
	bearer, err := BearerForUser(cl.userID)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if cl.body != nil {
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var result any
	err = c.policy.Do(ctx, func(attempt int) error {
		res, err := c.attempt(ctx, cl, bearer, payload)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(err error, attempt int, delay time.Duration) {
		c.metrics.GatewayRetry(cl.method, cl.path)
		c.logger.Warn("gateway attempt failed, retrying",
			"method", cl.method,
			"path", cl.path,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})
	if err == nil {
		return result, nil
	}

	var bad *BadResponseError
	if errors.As(err, &bad) {
		return nil, err
	}
	c.logger.Warn("gateway unavailable", "method", cl.method, "path", cl.path, "error", err)
	return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, cl.method, cl.path, err)
}

// attempt performs a single HTTP exchange.
func (c *Client) attempt(ctx context.Context, cl call, bearer string, payload []byte) (any, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, &transportError{err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.endpoint(cl), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", bearer)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range cl.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.GatewayAttempt(cl.method, cl.path, "transport_error", time.Since(start))
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.GatewayAttempt(cl.method, cl.path, "transport_error", time.Since(start))
		return nil, &transportError{err: fmt.Errorf("failed to read response body: %w", err)}
	}
	elapsed := time.Since(start)

	c.logger.Debug("gateway response",
		"method", cl.method,
		"path", cl.path,
		"status", resp.StatusCode,
		"elapsed", elapsed)

	switch {
	case resp.StatusCode >= 500:
		c.metrics.GatewayAttempt(cl.method, cl.path, "server_error", elapsed)
		return nil, &serverError{statusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		c.metrics.GatewayAttempt(cl.method, cl.path, "client_error", elapsed)
		return nil, &BadResponseError{
			Message:    fmt.Sprintf("gateway responded with %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Payload:    decodeErrorPayload(data),
		}
	}

	if resp.StatusCode == http.StatusNoContent && len(bytes.TrimSpace(data)) == 0 {
		c.metrics.GatewayAttempt(cl.method, cl.path, "ok", elapsed)
		return nil, nil
	}

	value, err := decodeJSON(data)
	if err != nil {
		c.metrics.GatewayAttempt(cl.method, cl.path, "decode_error", elapsed)
		return nil, &BadResponseError{Message: "invalid JSON from gateway", Err: err}
	}
	c.metrics.GatewayAttempt(cl.method, cl.path, "ok", elapsed)
	return value, nil
}

func (c *Client) endpoint(cl call) string {
	query := url.Values{}
	for key, values := range cl.query {
		query[key] = append([]string(nil), values...)
	}
	query.Set("user_id", fmt.Sprint(cl.userID))
	return c.baseURL + cl.path + "?" + query.Encode()
}

// today returns the current calendar day at midnight UTC.
func (c *Client) today() time.Time {
	y, m, d := c.now().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// decodeJSON decodes a single JSON value, keeping numbers verbatim.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func decodeErrorPayload(data []byte) any {
	if v, err := decodeJSON(data); err == nil {
		return v
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return text
}
