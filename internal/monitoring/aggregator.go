package monitoring

import (
	"time"

	"github.com/sells-group/nonce-validator/internal/model"
)

// Aggregator folds comparison results into run statistics. It keeps the
// results in the order they were added.
type Aggregator struct {
	now      func() time.Time
	started  time.Time
	finished time.Time
	stats    model.AggregateStats
	results  []model.ComparisonResult
}

// NewAggregator creates an aggregator whose clock starts immediately.
func NewAggregator() *Aggregator {
	return newAggregator(time.Now)
}

func newAggregator(now func() time.Time) *Aggregator {
	a := &Aggregator{now: now}
	a.Start()
	return a
}

// Start resets the aggregator and restarts its clock.
func (a *Aggregator) Start() {
	a.started = a.now()
	a.finished = time.Time{}
	a.stats = model.AggregateStats{}
	a.results = nil
}

// Add records one result.
func (a *Aggregator) Add(r model.ComparisonResult) {
	a.stats.Total++
	switch r.Status {
	case model.StatusMatch:
		a.stats.Matches++
	case model.StatusMismatch:
		a.stats.Mismatches++
	default:
		// Unknown statuses count as errors so the counters always sum to Total.
		a.stats.Errors++
	}
	a.results = append(a.results, r)
}

// Finish stops the clock. Stats reports the elapsed time up to Finish from
// then on.
func (a *Aggregator) Finish() model.AggregateStats {
	if a.finished.IsZero() {
		a.finished = a.now()
	}
	return a.Stats()
}

// Stats returns the counters and the elapsed time.
func (a *Aggregator) Stats() model.AggregateStats {
	s := a.stats
	end := a.finished
	if end.IsZero() {
		end = a.now()
	}
	s.Elapsed = end.Sub(a.started)
	return s
}

// Results returns every result in insertion order.
func (a *Aggregator) Results() []model.ComparisonResult {
	return a.results
}

// Mismatches returns the mismatched results in insertion order.
func (a *Aggregator) Mismatches() []model.ComparisonResult {
	return filterStatus(a.results, model.StatusMismatch)
}

// Errors returns the errored results in insertion order.
func (a *Aggregator) Errors() []model.ComparisonResult {
	return filterStatus(a.results, model.StatusError)
}

func filterStatus(results []model.ComparisonResult, status model.Status) []model.ComparisonResult {
	var out []model.ComparisonResult
	for _, r := range results {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}
