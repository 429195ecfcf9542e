package store

import (
	"time"

	"github.com/sells-group/nonce-validator/internal/model"
)

func strPtr(s string) *string { return &s }

func sampleRun(id string, started time.Time) *model.Run {
	return &model.Run{
		ID:     id,
		Status: model.RunStatusComplete,
		Stats: model.AggregateStats{
			Total: 2, Matches: 1, Mismatches: 1, Elapsed: 1500 * time.Millisecond,
		},
		Results: []model.ComparisonResult{
			{
				ID: "p1", Host: "hostA", Status: model.StatusMatch,
				SourceAURL: "https://hostA/p1~process@1.0/compute/at-slot", SourceBURL: "https://su/p1/latest",
				SourceAValue: strPtr("10"), SourceBValue: strPtr("10"), HasDifference: true,
				Duration: 20 * time.Millisecond,
			},
			{
				ID: "p2", Host: "hostB", Status: model.StatusMismatch,
				SourceAURL: "https://hostB/p2~process@1.0/compute/at-slot", SourceBURL: "https://su/p2/latest",
				SourceAValue: strPtr("12"), SourceBValue: strPtr("10"), Difference: 2, HasDifference: true,
				Duration: 30 * time.Millisecond,
			},
		},
		ExitCode:   model.ExitMismatch,
		AlertsSent: 1,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
	}
}
