package compare

import (
	"math"
	"strconv"
	"time"

	"github.com/sells-group/nonce-validator/internal/model"
)

// Input carries everything needed to classify one target.
type Input struct {
	Target     model.Target
	SourceAURL string
	SourceBURL string
	SourceA    string
	SourceAErr error
	SourceB    string
	SourceBErr error
	Duration   time.Duration
}

// Compare classifies in. Either error yields StatusError, reporting the
// source A error when both failed. Otherwise values that are textually
// equal, or equal as integers, match; anything else is a mismatch.
func Compare(in Input) model.ComparisonResult {
	r := model.ComparisonResult{
		ID:         in.Target.ID,
		Host:       in.Target.Host,
		SourceAURL: in.SourceAURL,
		SourceBURL: in.SourceBURL,
		Duration:   in.Duration,
	}
	if in.SourceAErr == nil {
		a := in.SourceA
		r.SourceAValue = &a
	}
	if in.SourceBErr == nil {
		b := in.SourceB
		r.SourceBValue = &b
	}

	switch {
	case in.SourceAErr != nil:
		r.Status = model.StatusError
		r.Error = in.SourceAErr.Error()
		return r
	case in.SourceBErr != nil:
		r.Status = model.StatusError
		r.Error = in.SourceBErr.Error()
		return r
	}

	a, aErr := strconv.ParseInt(in.SourceA, 10, 64)
	b, bErr := strconv.ParseInt(in.SourceB, 10, 64)
	numeric := aErr == nil && bErr == nil

	if in.SourceA == in.SourceB || (numeric && a == b) {
		r.Status = model.StatusMatch
		r.HasDifference = true
		return r
	}

	r.Status = model.StatusMismatch
	if numeric && !subOverflows(a, b) {
		r.Difference = a - b
		r.HasDifference = true
	}
	return r
}

// subOverflows reports whether a - b falls outside int64. Such mismatches
// carry no difference.
func subOverflows(a, b int64) bool {
	return (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b)
}
