package fetcher

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/sells-group/nonce-validator/internal/model"
)

// Sources builds the two per-target URLs.
type Sources struct {
	// SourceATemplate contains {host} and {id} placeholders.
	SourceATemplate string
	// SourceBBase is the router base URL; the path is /{id}/latest.
	SourceBBase string
}

// DefaultSources returns the production endpoints.
func DefaultSources() Sources {
	return Sources{
		SourceATemplate: "https://{host}/{id}~process@1.0/compute/at-slot",
		SourceBBase:     "https://su-router.ao-testnet.xyz",
	}
}

// SourceAURL returns the compute endpoint for t.
func (s Sources) SourceAURL(t model.Target) string {
	return strings.NewReplacer(
		"{host}", t.Host,
		"{id}", url.PathEscape(t.ID),
	).Replace(s.SourceATemplate)
}

// SourceBURL returns the scheduler router endpoint for t.
func (s Sources) SourceBURL(t model.Target) string {
	return strings.TrimRight(s.SourceBBase, "/") + "/" + url.PathEscape(t.ID) + "/latest"
}

// Pair holds the raw outcome of fetching both sources for one target.
type Pair struct {
	SourceAURL  string
	SourceBURL  string
	SourceABody string
	SourceAErr  error
	SourceBBody string
	SourceBErr  error
	Duration    time.Duration
}

// Dual fetches both sources for a target, one after the other.
type Dual struct {
	fetcher     Fetcher
	sources     Sources
	maxAttempts int
	baseDelay   time.Duration
}

// NewDual creates a Dual fetcher.
func NewDual(f Fetcher, sources Sources, maxAttempts int, baseDelay time.Duration) *Dual {
	return &Dual{
		fetcher:     f,
		sources:     sources,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// FetchPair fetches source A then source B. A failure of one source does
// not prevent fetching the other.
func (d *Dual) FetchPair(ctx context.Context, t model.Target) Pair {
	start := time.Now()
	p := Pair{
		SourceAURL: d.sources.SourceAURL(t),
		SourceBURL: d.sources.SourceBURL(t),
	}
	p.SourceABody, p.SourceAErr = d.fetcher.FetchWithRetry(ctx, p.SourceAURL, d.maxAttempts, d.baseDelay)
	p.SourceBBody, p.SourceBErr = d.fetcher.FetchWithRetry(ctx, p.SourceBURL, d.maxAttempts, d.baseDelay)
	p.Duration = time.Since(start)
	return p
}
