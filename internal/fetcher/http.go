package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/nonce-validator/internal/resilience"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout applies to each individual request.
	Timeout time.Duration
	// HostRPS throttles requests per host. 0 disables throttling.
	HostRPS float64
	// Sleep replaces the backoff wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
	// Client replaces the default HTTP client (tests).
	Client *http.Client
}

// HTTPFetcher implements Fetcher using net/http with per-host rate limiting.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "nonce-validator/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}
	return &HTTPFetcher{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the limiter for rawURL's host, or nil when throttling
// is disabled.
func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	if f.opts.HostRPS <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		burst := int(f.opts.HostRPS)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(f.opts.HostRPS), burst)
		f.limiters[u.Host] = lim
	}
	return lim
}

// FetchWithRetry implements Fetcher. Any non-200 status is retried, 4xx
// included.
func (f *HTTPFetcher) FetchWithRetry(ctx context.Context, rawURL string, maxAttempts int, baseDelay time.Duration) (string, error) {
	cfg := resilience.Exponential(maxAttempts, baseDelay)
	cfg.Sleep = f.opts.Sleep
	cfg.OnRetry = func(attempt int, err error) {
		zap.L().Debug("fetcher: retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.String("error_type", resilience.ClassifyError(err)),
			zap.Error(err),
		)
	}

	attempts := 0
	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		attempts++
		return f.get(ctx, rawURL)
	})
	if err != nil {
		fe := &FetchError{URL: rawURL, Attempts: attempts, Err: err}
		var te *resilience.TransientError
		if errors.As(err, &te) {
			fe.StatusCode = te.StatusCode
		}
		return "", fe
	}
	return body, nil
}

// get performs a single GET attempt.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (string, error) {
	if lim := f.limiterFor(rawURL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "fetcher: rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "fetcher: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "fetcher: read body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return "", resilience.NewTransientError(
			eris.Wrap(&resilience.StatusError{StatusCode: resp.StatusCode}, "fetcher: get"),
			resp.StatusCode,
		)
	}
	return string(body), nil
}
