package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultSinkTimeout = 30 * time.Second

// HTTPSink posts message batches as JSON to a queue-front HTTP endpoint.
type HTTPSink struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

var _ Sink = (*HTTPSink)(nil)

// SinkOption configures an HTTPSink.
type SinkOption func(*HTTPSink)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) SinkOption {
	return func(s *HTTPSink) {
		s.httpClient = hc
	}
}

// WithTimeout bounds each enqueue call.
func WithTimeout(d time.Duration) SinkOption {
	return func(s *HTTPSink) {
		s.timeout = d
	}
}

// NewHTTPSink creates a sink posting batches to endpoint.
func NewHTTPSink(endpoint string, opts ...SinkOption) *HTTPSink {
	s := &HTTPSink{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		timeout:    defaultSinkTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type enqueueRequest struct {
	Messages []Message `json:"messages"`
}

// Send posts the batch. Throttling, server errors and network trouble are
// transient; any other rejection is fatal.
func (s *HTTPSink) Send(ctx context.Context, batch []Message) error {
	body, err := json.Marshal(enqueueRequest{Messages: batch})
	if err != nil {
		return NewFatalError(fmt.Errorf("encoding batch: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return NewFatalError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return NewTransientError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return NewTransientError(fmt.Errorf("queue answered %s", resp.Status))
	default:
		return NewFatalError(fmt.Errorf("queue refused batch: %s", resp.Status))
	}
}
