package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nonce-validator/internal/config"
	"github.com/sells-group/nonce-validator/internal/model"
	"github.com/sells-group/nonce-validator/internal/monitoring"
	"github.com/sells-group/nonce-validator/internal/pipeline"
	"github.com/sells-group/nonce-validator/internal/store"
	"github.com/sells-group/nonce-validator/internal/targets"
)

// Output filters accepted by --only.
const (
	onlyAll      = "all"
	onlyMatch    = "match"
	onlyMismatch = "mismatch"
	onlyError    = "error"
)

// outputOptions controls how a report is printed.
type outputOptions struct {
	Only string
	JSON bool
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every configured process once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out, err := prepareRun(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return withExitCode(model.ExitInvalidConfig, eris.Wrap(err, "init store"))
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}

		alerter := monitoring.NewAlerter(cfg.Alert, nil)
		run, err := runValidation(ctx, cfg, alerter, st, os.Stdout, out)
		if err != nil {
			return withExitCode(run.ExitCode, err)
		}
		if run.ExitCode != model.ExitOK {
			return withExitCode(run.ExitCode, nil)
		}
		return nil
	},
}

func init() {
	registerRunFlags(validateCmd)
	rootCmd.AddCommand(validateCmd)
}

// registerRunFlags adds the flags shared by validate and watch.
func registerRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("targets", "", "process map file (overrides targets.file)")
	f.Int("mismatch-threshold", 0, "mismatches needed to page (overrides alert.mismatch_threshold)")
	f.Int("error-threshold", 0, "errors needed to page (overrides alert.error_threshold)")
	f.String("routing-key", "", "PagerDuty routing key (overrides alert.routing_key)")
	f.Bool("alerts", false, "enable PagerDuty alerts (overrides alert.enabled)")
	f.String("only", onlyAll, "print only results with this status: all, match, mismatch, error")
	f.Bool("json", false, "print the report as JSON")
	f.Int("concurrency", 0, "processes checked at once (overrides fetch.concurrency)")
}

// prepareRun applies flag overrides to cfg and validates the result.
func prepareRun(cmd *cobra.Command) (outputOptions, error) {
	f := cmd.Flags()
	if f.Changed("targets") {
		cfg.Targets.File, _ = f.GetString("targets")
	}
	if f.Changed("mismatch-threshold") {
		cfg.Alert.MismatchThreshold, _ = f.GetInt("mismatch-threshold")
	}
	if f.Changed("error-threshold") {
		cfg.Alert.ErrorThreshold, _ = f.GetInt("error-threshold")
	}
	if f.Changed("routing-key") {
		cfg.Alert.RoutingKey, _ = f.GetString("routing-key")
	}
	if f.Changed("alerts") {
		cfg.Alert.Enabled, _ = f.GetBool("alerts")
	}
	if f.Changed("concurrency") {
		cfg.Fetch.Concurrency, _ = f.GetInt("concurrency")
	}

	var out outputOptions
	out.Only, _ = f.GetString("only")
	out.JSON, _ = f.GetBool("json")
	switch out.Only {
	case onlyAll, onlyMatch, onlyMismatch, onlyError:
	default:
		return out, withExitCode(model.ExitInvalidConfig, eris.Errorf("invalid --only value %q", out.Only))
	}

	if err := cfg.Validate(); err != nil {
		return out, withExitCode(model.ExitInvalidConfig, err)
	}
	return out, nil
}

// runValidation performs one full run: load targets, check them, page, persist
// and print. The returned run is never nil and carries the exit code. A
// non-nil error means the run could not start or its report could not be
// written.
func runValidation(ctx context.Context, c *config.Config, alerter *monitoring.Alerter, st store.Store, w io.Writer, out outputOptions) (*model.Run, error) {
	log := zap.L().With(zap.String("component", "validate"))
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	mapping, err := targets.LoadFile(c.Targets.File)
	if err != nil {
		if sendErr := alerter.SendFailure(ctx, err); sendErr == nil {
			run.AlertsSent++
		}
		run.Status = model.RunStatusFailed
		run.Error = err.Error()
		run.ExitCode = model.ExitInvalidConfig
		run.FinishedAt = time.Now().UTC()
		saveRun(ctx, st, run, log)
		return run, err
	}

	report := pipeline.FromConfig(c.Fetch).Run(ctx, targets.Targets(mapping))

	run.AlertsSent += alerter.Evaluate(ctx, run.ID, report.Aggregator())
	if n := alerter.ResolveCleared(ctx, report.Aggregator()); n > 0 {
		log.Info("resolved cleared incidents", zap.Int("count", n))
	}
	run.Status = model.RunStatusComplete
	run.Stats = report.Stats
	run.Results = report.Results
	run.ExitCode = report.ExitCode
	run.FinishedAt = report.FinishedAt
	saveRun(ctx, st, run, log)

	if err := printReport(w, run, out); err != nil {
		return run, eris.Wrap(err, "print report")
	}
	return run, nil
}

func saveRun(ctx context.Context, st store.Store, run *model.Run, log *zap.Logger) {
	if st == nil {
		return
	}
	if err := st.SaveRun(ctx, run); err != nil {
		log.Warn("failed to save run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func keep(r model.ComparisonResult, only string) bool {
	return only == onlyAll || only == "" || string(r.Status) == only
}

// printReport writes one line per result that passes the filter, then a
// summary line. JSON output carries the same filtered results.
func printReport(w io.Writer, run *model.Run, out outputOptions) error {
	var shown []model.ComparisonResult
	for _, r := range run.Results {
		if keep(r, out.Only) {
			shown = append(shown, r)
		}
	}

	if out.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			RunID      string                   `json:"run_id"`
			Results    []model.ComparisonResult `json:"results"`
			Stats      model.AggregateStats     `json:"stats"`
			ExitCode   int                      `json:"exit_code"`
			AlertsSent int                      `json:"alerts_sent"`
		}{run.ID, shown, run.Stats, run.ExitCode, run.AlertsSent})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(shown) > 0 {
		_, _ = fmt.Fprintln(tw, "STATUS\tPROCESS\tTARGET\tSOURCE_A\tSOURCE_B\tDIFF\tERROR")
	}
	for _, r := range shown {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Status, r.ID, r.Host,
			valueOrDash(r.SourceAValue), valueOrDash(r.SourceBValue),
			formatDifference(r), r.Error,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := run.Stats
	_, err := fmt.Fprintf(w, "Summary: %d processes, %d match, %d mismatch, %d error in %s\n",
		s.Total, s.Matches, s.Mismatches, s.Errors, s.Elapsed.Round(time.Millisecond))
	return err
}

func valueOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatDifference(r model.ComparisonResult) string {
	if !r.HasDifference {
		return "-"
	}
	return fmt.Sprintf("%+d", r.Difference)
}
