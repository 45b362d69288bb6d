package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultMaxTries    = 5
	defaultRateLimit   = rate.Limit(10) // requests per second
	defaultBurst       = 5
)

// Client wraps an HTTP client with the request discipline every catalog
// variant needs: request pacing, a per-call timeout, and backoff on
// throttling and server errors. Authentication and schema failures are
// permanent and abort immediately.
type Client struct {
	source      string // label used in error values, e.g. "sentinel-2"
	httpClient  *http.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
	maxTries    uint
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit bounds outgoing requests to n per second with the given
// burst.
func WithRateLimit(n float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(n), burst)
	}
}

// WithCallTimeout bounds each individual HTTP call.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithMaxTries bounds retry attempts for transient failures.
func WithMaxTries(n uint) ClientOption {
	return func(c *Client) {
		c.maxTries = n
	}
}

// NewClient creates a catalog HTTP client. The source label names the
// upstream in error values.
func NewClient(source string, options ...ClientOption) *Client {
	c := &Client{
		source:      source,
		httpClient:  http.DefaultClient,
		limiter:     rate.NewLimiter(defaultRateLimit, defaultBurst),
		callTimeout: defaultCallTimeout,
		maxTries:    defaultMaxTries,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// GetJSON fetches url and decodes the response body into out. Decode
// failures are fatal: a catalog answering with a shape we cannot read will
// not get better on retry.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	body, err := c.get(ctx, url, "application/json")
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return types.NewFatalFetchError(c.source, fmt.Errorf("decoding response from %s: %w", url, err))
	}
	return nil
}

// Get fetches url and returns the response body for streaming reads. The
// caller must close it.
func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	return c.get(ctx, url, "")
}

func (c *Client) get(ctx context.Context, url string, accept string) (io.ReadCloser, error) {
	body, err := backoff.Retry(ctx, func() (io.ReadCloser, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return nil, backoff.Permanent(types.NewFatalFetchError(c.source, err))
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			// network trouble is worth another try
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return &cancelingReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("%s answered %s", url, resp.Status)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			cancel()
			return nil, backoff.Permanent(types.NewFatalFetchError(c.source, fmt.Errorf("%s answered %s", url, resp.Status)))
		default:
			resp.Body.Close()
			cancel()
			return nil, backoff.Permanent(types.NewFatalFetchError(c.source, fmt.Errorf("unexpected status %s from %s", resp.Status, url)))
		}
	}, backoff.WithMaxTries(c.maxTries))

	if err != nil {
		var fatal types.FatalFetchError
		if errors.As(err, &fatal) {
			return nil, fatal
		}
		return nil, types.NewTransientFetchError(c.source, err)
	}
	return body, nil
}

// cancelingReadCloser ties the per-call context to the body's lifetime so the
// timeout keeps covering the streaming read.
type cancelingReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelingReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
