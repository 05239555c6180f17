// Package inference provides the JSON-over-HTTP transport shared by the
// model-server adapters (stability oracle, structure generator, energy
// predictor).
//
// Responses are classified into the screening error taxonomy:
// timeouts, throttling, and server errors are transient; request
// rejections (400, 422) and undecodable bodies are validation errors.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/3leaps/heascreen/pkg/screenerr"
)

// HeaderModelVersion carries the model identity returned by model servers.
const HeaderModelVersion = "X-Model-Version"

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4096

// Config configures a Client.
type Config struct {
	// BaseURL is the model server root (e.g., "http://localhost:8500").
	BaseURL string

	// Timeout bounds each HTTP request.
	// Default: 60s
	Timeout time.Duration

	// RateLimit is the maximum requests per second. Zero means unlimited.
	RateLimit float64

	// MaxInFlight caps concurrent requests across all workers.
	// Zero means unlimited.
	MaxInFlight int64

	// Headers are added to every request.
	Headers map[string]string
}

// DefaultTimeout is the per-request timeout when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Client posts JSON requests to a model server.
//
// Client is safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	headers map[string]string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client. BaseURL is required.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("inference: base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("inference: base URL must be http(s): %q", base)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		headers: cfg.Headers,
		logger:  zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	if cfg.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized server root.
func (c *Client) BaseURL() string { return c.base }

// PostJSON sends body as JSON to path and decodes the response into out.
// It returns the response headers on success.
func (c *Client) PostJSON(ctx context.Context, op, path string, body, out any) (http.Header, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("model server call",
		zap.String("op", op),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, screenerr.Validation("malformed_response", fmt.Errorf("%s: %w", op, err))
		}
	}
	return resp.Header, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

func classifyStatus(op string, code int, body string) error {
	se := &StatusError{Op: op, StatusCode: code, Body: body}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return screenerr.Transient(op, se)
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return screenerr.Validation("rejected_by_model", se)
	default:
		return se
	}
}

func classifyTransportError(ctx context.Context, op string, err error) error {
	// Caller cancellation is not an adapter failure.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Connection refused, resets and client timeouts all surface here.
	return screenerr.Transient(op, err)
}
