package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nonce-validator/internal/codec"
	"github.com/sells-group/nonce-validator/internal/config"
	"github.com/sells-group/nonce-validator/internal/model"
	"github.com/sells-group/nonce-validator/internal/resilience"
	"github.com/sells-group/nonce-validator/pkg/pagerduty"
)

// dedupNamespace prefixes every dedup key.
const dedupNamespace = "nonce-validator"

// AlertKind identifies the condition an alert reports.
type AlertKind string

const (
	KindMismatches AlertKind = "mismatches"
	KindErrors     AlertKind = "errors"
	KindFailure    AlertKind = "failure"
)

// AlertState is fixed when the Alerter is created.
type AlertState int

const (
	StateDisabled AlertState = iota
	StateUnconfigured
	StateEnabled
)

func (s AlertState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateUnconfigured:
		return "enabled-unconfigured"
	case StateEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("AlertState(%d)", int(s))
	}
}

// ErrAlertingInactive is returned by send operations when the Alerter is not
// in the enabled state.
var ErrAlertingInactive = eris.New("monitoring: alerting is not enabled")

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithClock replaces time.Now for dedup keys and timestamps.
func WithClock(now func() time.Time) AlerterOption {
	return func(a *Alerter) {
		a.now = now
	}
}

// WithSleep replaces the pause between delivery attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) AlerterOption {
	return func(a *Alerter) {
		a.sleep = sleep
	}
}

// Alerter evaluates run statistics against thresholds and delivers
// PagerDuty events when they are met.
type Alerter struct {
	cfg    config.AlertConfig
	client pagerduty.Client
	state  AlertState
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	log    *zap.Logger
}

// NewAlerter creates an Alerter. When client is nil and alerting is enabled,
// a PagerDuty client for cfg.EndpointURL is created.
func NewAlerter(cfg config.AlertConfig, client pagerduty.Client, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "monitoring.alerter")),
	}
	for _, opt := range opts {
		opt(a)
	}

	switch {
	case !cfg.Enabled:
		a.state = StateDisabled
	case strings.TrimSpace(cfg.RoutingKey) == "":
		a.state = StateUnconfigured
		a.log.Warn("alerting enabled but no routing key configured; alerts will not be sent")
	default:
		a.state = StateEnabled
	}

	if a.state == StateEnabled && a.client == nil {
		timeout := time.Duration(cfg.TimeoutSecs) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		popts := []pagerduty.Option{pagerduty.WithHTTPClient(&http.Client{Timeout: timeout})}
		if cfg.EndpointURL != "" {
			popts = append(popts, pagerduty.WithEndpoint(cfg.EndpointURL))
		}
		a.client = pagerduty.NewClient(popts...)
	}
	return a
}

// State returns the alerting state.
func (a *Alerter) State() AlertState {
	return a.state
}

// ShouldAlert reports whether count reaches threshold while alerting is
// enabled. Repeats within a day are collapsed by the dedup key, not here.
func (a *Alerter) ShouldAlert(kind AlertKind, count, threshold int) bool {
	if a.state != StateEnabled {
		return false
	}
	ok := count >= threshold
	a.log.Debug("threshold check",
		zap.String("kind", string(kind)),
		zap.Int("count", count),
		zap.Int("threshold", threshold),
		zap.Bool("alert", ok),
	)
	return ok
}

// BuildDedupKey returns the dedup key for kind on the current UTC day.
func (a *Alerter) BuildDedupKey(kind AlertKind) string {
	return fmt.Sprintf("%s-%s-%s", dedupNamespace, a.now().UTC().Format(time.DateOnly), kind)
}

// SendAlert triggers an event for kind with details as custom_details.
// Delivery is retried per the alert config. The final error is logged and
// returned; callers continue the run regardless.
func (a *Alerter) SendAlert(ctx context.Context, kind AlertKind, severity pagerduty.Severity, summary string, details codec.Value) error {
	if a.state != StateEnabled {
		return ErrAlertingInactive
	}

	source := a.cfg.Source
	if source == "" {
		source = dedupNamespace
	}
	event := pagerduty.Event{
		RoutingKey: a.cfg.RoutingKey,
		Action:     pagerduty.ActionTrigger,
		DedupKey:   a.BuildDedupKey(kind),
		Payload: &pagerduty.Payload{
			Summary:       summary,
			Source:        source,
			Severity:      severity,
			Timestamp:     a.now(),
			Component:     "nonce-validator",
			Class:         string(kind),
			CustomDetails: details,
		},
	}

	resp, err := a.deliver(ctx, func(ctx context.Context) (*pagerduty.Response, error) {
		return a.client.Enqueue(ctx, event)
	})
	if err != nil {
		a.log.Error("alert delivery failed",
			zap.String("kind", string(kind)),
			zap.String("dedup_key", event.DedupKey),
			zap.String("classification", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		return eris.Wrapf(err, "monitoring: send %s alert", kind)
	}

	a.log.Info("alert sent",
		zap.String("kind", string(kind)),
		zap.String("severity", string(severity)),
		zap.String("dedup_key", resp.DedupKey),
	)
	return nil
}

// deliver runs send under the alert delivery retry policy.
func (a *Alerter) deliver(ctx context.Context, send func(ctx context.Context) (*pagerduty.Response, error)) (*pagerduty.Response, error) {
	retry := resilience.FromDeliveryConfig(a.cfg.MaxAttempts, a.cfg.RetryPauseMs)
	retry.ShouldRetry = retryableDelivery
	retry.OnRetry = resilience.RetryLogger("pagerduty", "enqueue")
	retry.Sleep = a.sleep
	return resilience.DoVal(ctx, retry, send)
}

func retryableDelivery(err error) bool {
	var de *pagerduty.DeliveryError
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// BuildMismatchAlert builds custom_details for a mismatch alert from the
// mismatched results of a run.
func BuildMismatchAlert(runID string, stats model.AggregateStats, mismatches []model.ComparisonResult) codec.Value {
	return buildDetails("mismatches", stats.Mismatches, runID, stats, mismatches)
}

// BuildErrorAlert builds custom_details for an error alert from the errored
// results of a run.
func BuildErrorAlert(runID string, stats model.AggregateStats, errs []model.ComparisonResult) codec.Value {
	return buildDetails("errors", stats.Errors, runID, stats, errs)
}

func buildDetails(countKey string, count int, runID string, stats model.AggregateStats, results []model.ComparisonResult) codec.Value {
	processes := codec.List()
	for _, r := range results {
		processes.Append(processDetail(r))
	}

	details := codec.NewTable().
		Set("total_processes", codec.Number(stats.Total)).
		Set(countKey, codec.Number(count)).
		Set("elapsed_seconds", codec.Number(stats.Elapsed.Round(time.Millisecond).Seconds()))
	if runID != "" {
		details.Set("run_id", codec.String(runID))
	}
	return details.Set("processes", processes)
}

func processDetail(r model.ComparisonResult) *codec.Table {
	t := codec.NewTable().
		Set("process_id", codec.String(r.ID)).
		Set("target", codec.String(r.Host)).
		Set("source_a_value", optionalString(r.SourceAValue)).
		Set("source_b_value", optionalString(r.SourceBValue))
	if r.HasDifference {
		t.Set("difference", codec.Number(r.Difference))
	} else {
		t.Set("difference", codec.Null{})
	}
	t.Set("source_a_url", codec.String(r.SourceAURL)).
		Set("source_b_url", codec.String(r.SourceBURL))
	if r.Error != "" {
		t.Set("error", codec.String(r.Error))
	}
	return t
}

func optionalString(s *string) codec.Value {
	if s == nil {
		return codec.Null{}
	}
	return codec.String(*s)
}

// Evaluate sends the mismatch and error alerts whose thresholds are met by
// the run folded into agg and returns how many were delivered.
func (a *Alerter) Evaluate(ctx context.Context, runID string, agg *Aggregator) int {
	stats := agg.Stats()
	sent := 0
	if a.ShouldAlert(KindMismatches, stats.Mismatches, a.cfg.MismatchThreshold) {
		summary := fmt.Sprintf("Nonce mismatch on %d of %d processes", stats.Mismatches, stats.Total)
		if a.SendAlert(ctx, KindMismatches, pagerduty.SeverityError, summary, BuildMismatchAlert(runID, stats, agg.Mismatches())) == nil {
			sent++
		}
	}
	if a.ShouldAlert(KindErrors, stats.Errors, a.cfg.ErrorThreshold) {
		summary := fmt.Sprintf("Nonce validation errors on %d of %d processes", stats.Errors, stats.Total)
		if a.SendAlert(ctx, KindErrors, pagerduty.SeverityWarning, summary, BuildErrorAlert(runID, stats, agg.Errors())) == nil {
			sent++
		}
	}
	return sent
}

// ResolveCleared resolves today's mismatch and error incidents when the run
// in agg had none of that kind. It returns how many resolve events were
// accepted.
func (a *Alerter) ResolveCleared(ctx context.Context, agg *Aggregator) int {
	if a.state != StateEnabled {
		return 0
	}
	stats := agg.Stats()
	resolved := 0
	for _, c := range []struct {
		kind  AlertKind
		count int
	}{
		{KindMismatches, stats.Mismatches},
		{KindErrors, stats.Errors},
	} {
		if c.count > 0 {
			continue
		}
		key := a.BuildDedupKey(c.kind)
		_, err := a.deliver(ctx, func(ctx context.Context) (*pagerduty.Response, error) {
			return pagerduty.Resolve(ctx, a.client, a.cfg.RoutingKey, key)
		})
		if err != nil {
			a.log.Warn("alert resolve failed", zap.String("dedup_key", key), zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved
}

// SendFailure reports a run that could not validate anything. It ignores
// thresholds.
func (a *Alerter) SendFailure(ctx context.Context, cause error) error {
	if cause == nil {
		return nil
	}
	details := codec.FromAny(map[string]string{
		"error":     cause.Error(),
		"timestamp": a.now().UTC().Format(time.RFC3339),
	})
	summary := fmt.Sprintf("Nonce validation run failed: %s", cause.Error())
	return a.SendAlert(ctx, KindFailure, pagerduty.SeverityCritical, summary, details)
}
