// Package fetcher retrieves the raw responses for each target from the
// two independent sources, with bounded retry and exponential backoff.
package fetcher

import (
	"context"
	"fmt"
	"time"
)

// Fetcher issues GET requests with retry.
type Fetcher interface {
	// FetchWithRetry GETs url until it answers 200 or maxAttempts attempts
	// have failed, sleeping baseDelay * 2^(n-1) after the nth failure.
	// It returns the response body or a *FetchError.
	FetchWithRetry(ctx context.Context, url string, maxAttempts int, baseDelay time.Duration) (string, error)
}

// FetchError is returned once every attempt for a URL has failed.
type FetchError struct {
	URL      string
	Attempts int
	// StatusCode is the last HTTP status seen, or 0 for network failures.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetcher: GET %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
