// Package pagerduty provides a client for the PagerDuty Events API v2.
package pagerduty

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nonce-validator/internal/codec"
	"github.com/sells-group/nonce-validator/internal/resilience"
)

// DefaultEndpoint is the Events API v2 enqueue URL.
const DefaultEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Client defines the Events API operations.
type Client interface {
	// Enqueue sends one event. A non-202 answer or a transport failure is
	// returned as a *DeliveryError.
	Enqueue(ctx context.Context, event Event) (*Response, error)
}

// Response is the decoded Events API answer.
type Response struct {
	StatusCode int
	Status     string
	Message    string
	DedupKey   string
}

// DeliveryReason classifies a failed enqueue.
type DeliveryReason string

const (
	ReasonBadRequest  DeliveryReason = "bad_request"
	ReasonRateLimited DeliveryReason = "rate_limited"
	ReasonServerError DeliveryReason = "server_error"
	ReasonUnexpected  DeliveryReason = "unexpected_status"
	ReasonNetwork     DeliveryReason = "network"
)

// DeliveryError is returned when an event was not accepted.
type DeliveryError struct {
	Reason     DeliveryReason
	StatusCode int
	Message    string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("pagerduty: %s: %v", e.Reason, e.Err)
	case e.Message != "":
		return fmt.Sprintf("pagerduty: %s (status %d): %s", e.Reason, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("pagerduty: %s (status %d)", e.Reason, e.StatusCode)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable reports whether sending the same event again can succeed.
func (e *DeliveryError) Retryable() bool {
	return e.Reason != ReasonBadRequest
}

// Option configures the client.
type Option func(*httpClient)

// WithEndpoint sets a custom enqueue URL (for testing).
func WithEndpoint(url string) Option {
	return func(c *httpClient) {
		c.endpoint = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a new Events API client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		endpoint: DefaultEndpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Enqueue(ctx context.Context, event Event) (*Response, error) {
	body, err := event.Value()
	if err != nil {
		return nil, err
	}
	payload, err := codec.EncodeBytes(body)
	if err != nil {
		return nil, eris.Wrap(err, "pagerduty: encode event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "pagerduty: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DeliveryError{Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &DeliveryError{Reason: ReasonNetwork, StatusCode: resp.StatusCode, Err: err}
	}

	fields := codec.Decode(string(raw), "status", "message", "dedup_key")
	out := &Response{
		StatusCode: resp.StatusCode,
		Status:     fields["status"],
		Message:    fields["message"],
		DedupKey:   fields["dedup_key"],
	}

	if resp.StatusCode == http.StatusAccepted {
		return out, nil
	}

	de := &DeliveryError{StatusCode: resp.StatusCode, Message: out.Message}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		de.Reason = ReasonBadRequest
	case resp.StatusCode == http.StatusTooManyRequests:
		de.Reason = ReasonRateLimited
	case resp.StatusCode >= 500:
		de.Reason = ReasonServerError
	default:
		de.Reason = ReasonUnexpected
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return out, resilience.NewTransientError(de, resp.StatusCode)
	}
	return out, de
}

// Resolve resolves the open incident for dedupKey.
func Resolve(ctx context.Context, c Client, routingKey, dedupKey string) (*Response, error) {
	return c.Enqueue(ctx, Event{RoutingKey: routingKey, Action: ActionResolve, DedupKey: dedupKey})
}
