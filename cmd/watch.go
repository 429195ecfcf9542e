package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nonce-validator/internal/model"
	"github.com/sells-group/nonce-validator/internal/monitoring"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Validate repeatedly on a fixed interval until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cmd.Flags().Changed("interval") {
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval < time.Second {
				return withExitCode(model.ExitInvalidConfig, eris.Errorf("--interval must be at least 1s, got %s", interval))
			}
			cfg.Watch.IntervalSecs = int(interval / time.Second)
		}
		if cmd.Flags().Changed("port") {
			cfg.Watch.Port, _ = cmd.Flags().GetInt("port")
		}

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

		status := &watchStatus{}
		if cfg.Watch.Port > 0 {
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Watch.Port),
				Handler:           newStatusMux(status),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			go func() {
				zap.L().Info("starting status server", zap.Int("port", cfg.Watch.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("status server stopped", zap.Error(err))
				}
			}()
		}

		alerter := monitoring.NewAlerter(cfg.Alert, nil)
		checker := monitoring.NewChecker(func(ctx context.Context) (int, error) {
			run, err := runValidation(ctx, cfg, alerter, st, os.Stdout, out)
			status.record(run)
			return run.ExitCode, err
		}, cfg.Watch)

		runs := checker.Run(ctx)
		zap.L().Info("watch stopped", zap.Int("runs", runs))
		return nil
	},
}

func init() {
	registerRunFlags(watchCmd)
	watchCmd.Flags().Duration("interval", 5*time.Minute, "time between runs (overrides watch.interval_secs)")
	watchCmd.Flags().Int("port", 0, "serve /health and /status on this port (overrides watch.port)")
	rootCmd.AddCommand(watchCmd)
}

// watchStatus holds the most recent run for the status endpoint.
type watchStatus struct {
	mu   sync.RWMutex
	last *model.Run
	runs int
}

func (s *watchStatus) record(run *model.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = run
	s.runs++
}

// newStatusMux serves GET /health and GET /status. /status answers 503
// until the first run has finished.
func newStatusMux(s *watchStatus) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.RLock()
		last, runs := s.last, s.runs
		s.mu.RUnlock()

		if last == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "pending"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"runs":        runs,
			"run_id":      last.ID,
			"run_status":  last.Status,
			"exit_code":   last.ExitCode,
			"stats":       last.Stats,
			"alerts_sent": last.AlertsSent,
			"error":       last.Error,
			"finished_at": last.FinishedAt,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
