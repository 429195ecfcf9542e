// Package pipeline runs the fetch, extract, compare and aggregate stages
// over a list of targets.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/nonce-validator/internal/compare"
	"github.com/sells-group/nonce-validator/internal/config"
	"github.com/sells-group/nonce-validator/internal/fetcher"
	"github.com/sells-group/nonce-validator/internal/model"
	"github.com/sells-group/nonce-validator/internal/monitoring"
)

// Report is the outcome of one validation run.
type Report struct {
	Results    []model.ComparisonResult `json:"results"`
	Stats      model.AggregateStats     `json:"stats"`
	ExitCode   int                      `json:"exit_code"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`

	agg *monitoring.Aggregator
}

// Aggregator returns the aggregator the run's results were folded into.
func (r *Report) Aggregator() *monitoring.Aggregator {
	return r.agg
}

// Validator checks targets against both sources.
type Validator struct {
	dual        *fetcher.Dual
	tagName     string
	concurrency int
}

// Options configures a Validator.
type Options struct {
	// Concurrency bounds how many targets are checked at once. Values
	// below 1 mean 1.
	Concurrency int
	// TagName is the source B tag holding the value. Defaults to "Nonce".
	TagName string
}

// New creates a Validator around dual.
func New(dual *fetcher.Dual, opts Options) *Validator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.TagName == "" {
		opts.TagName = compare.DefaultTagName
	}
	return &Validator{
		dual:        dual,
		tagName:     opts.TagName,
		concurrency: opts.Concurrency,
	}
}

// FromConfig builds a Validator backed by an HTTPFetcher.
func FromConfig(cfg config.FetchConfig) *Validator {
	hf := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		HostRPS: cfg.HostRPS,
	})
	sources := fetcher.DefaultSources()
	if cfg.SourceAURLTemplate != "" {
		sources.SourceATemplate = cfg.SourceAURLTemplate
	}
	if cfg.SourceBBaseURL != "" {
		sources.SourceBBase = cfg.SourceBBaseURL
	}
	baseDelay := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	dual := fetcher.NewDual(hf, sources, cfg.MaxAttempts, baseDelay)
	return New(dual, Options{Concurrency: cfg.Concurrency, TagName: cfg.TagName})
}

// Run checks every target and aggregates the results. Results keep the
// order of targets regardless of concurrency. Per-target failures are
// recorded as error results; Run itself does not fail.
func (v *Validator) Run(ctx context.Context, targets []model.Target) *Report {
	log := zap.L().With(zap.String("component", "pipeline"))
	log.Info("pipeline: starting run",
		zap.Int("targets", len(targets)),
		zap.Int("concurrency", v.concurrency),
	)

	report := &Report{StartedAt: time.Now().UTC()}
	agg := monitoring.NewAggregator()

	results := make([]model.ComparisonResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = v.Check(gctx, t)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	for _, r := range results {
		agg.Add(r)
	}
	report.agg = agg
	report.Stats = agg.Finish()
	report.Results = agg.Results()
	report.ExitCode = report.Stats.ExitCode()
	report.FinishedAt = time.Now().UTC()

	log.Info("pipeline: run complete",
		zap.Int("total", report.Stats.Total),
		zap.Int("matches", report.Stats.Matches),
		zap.Int("mismatches", report.Stats.Mismatches),
		zap.Int("errors", report.Stats.Errors),
		zap.Duration("elapsed", report.Stats.Elapsed),
	)
	return report
}

// Check fetches both sources for t and classifies the outcome.
func (v *Validator) Check(ctx context.Context, t model.Target) model.ComparisonResult {
	pair := v.dual.FetchPair(ctx, t)

	in := compare.Input{
		Target:     t,
		SourceAURL: pair.SourceAURL,
		SourceBURL: pair.SourceBURL,
		SourceAErr: pair.SourceAErr,
		SourceBErr: pair.SourceBErr,
		Duration:   pair.Duration,
	}
	if in.SourceAErr == nil {
		in.SourceA, in.SourceAErr = compare.ExtractSourceA(pair.SourceABody)
	}
	if in.SourceBErr == nil {
		in.SourceB, in.SourceBErr = compare.ExtractSourceB(pair.SourceBBody, v.tagName)
	}

	r := compare.Compare(in)
	zap.L().Debug("pipeline: target checked",
		zap.String("process_id", r.ID),
		zap.String("target", r.Host),
		zap.String("status", string(r.Status)),
		zap.Duration("duration", r.Duration),
	)
	return r
}
