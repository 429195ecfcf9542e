package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sells-group/nonce-validator/internal/config"
	"github.com/sells-group/nonce-validator/internal/model"
	"github.com/sells-group/nonce-validator/internal/monitoring"
	"github.com/sells-group/nonce-validator/internal/store"
)

// newSources serves source A at /{id}/a and source B at /router/{id}/latest.
// Processes missing from b answer 404 on source B.
func newSources(t *testing.T, a, b map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(r.URL.Path, "/")
		switch {
		case strings.HasPrefix(path, "router/"):
			id := strings.TrimSuffix(strings.TrimPrefix(path, "router/"), "/latest")
			v, ok := b[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			fmt.Fprintf(w, `{"assignment":{"tags":[{"name":"Nonce","value":"%s"}]}}`, v)
		case strings.HasSuffix(path, "/a"):
			fmt.Fprintln(w, a[strings.TrimSuffix(path, "/a")])
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTargets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "process_map.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig(srvURL, targetsFile string) *config.Config {
	return &config.Config{
		Targets: config.TargetsConfig{File: targetsFile},
		Fetch: config.FetchConfig{
			TimeoutSecs:        5,
			MaxAttempts:        1,
			Concurrency:        2,
			SourceAURLTemplate: srvURL + "/{id}/a",
			SourceBBaseURL:     srvURL + "/router",
			TagName:            "Nonce",
		},
		Alert: config.AlertConfig{MismatchThreshold: 1, ErrorThreshold: 1},
		Store: config.StoreConfig{Driver: "none"},
		Watch: config.WatchConfig{IntervalSecs: 300},
	}
}

func threeProcesses(t *testing.T) *config.Config {
	srv := newSources(t,
		map[string]string{"p-match": "10", "p-mismatch": "7", "p-error": "3"},
		map[string]string{"p-match": "10", "p-mismatch": "5"},
	)
	path := writeTargets(t, `{"p-match":"https://hostA","p-mismatch":"hostB","p-error":"hostC"}`)
	return testConfig(srv.URL, path)
}

func TestRunValidation_TextReport(t *testing.T) {
	c := threeProcesses(t)
	alerter := monitoring.NewAlerter(c.Alert, nil)

	var out bytes.Buffer
	run, err := runValidation(context.Background(), c, alerter, nil, &out, outputOptions{Only: onlyAll})
	require.NoError(t, err)
	assert.Equal(t, model.ExitMismatch, run.ExitCode)

	text := out.String()
	assert.Contains(t, text, "p-match")
	assert.Contains(t, text, "p-mismatch")
	assert.Contains(t, text, "+2")
	assert.Contains(t, text, "p-error")
	assert.Contains(t, text, "Summary: 3 processes, 1 match, 1 mismatch, 1 error")
}

func TestRunValidation_OnlyFilter(t *testing.T) {
	c := threeProcesses(t)
	alerter := monitoring.NewAlerter(c.Alert, nil)

	var out bytes.Buffer
	_, err := runValidation(context.Background(), c, alerter, nil, &out, outputOptions{Only: onlyError})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "p-error")
	assert.NotContains(t, text, "p-match")
	assert.NotContains(t, text, "p-mismatch")
	// The summary always covers every process.
	assert.Contains(t, text, "Summary: 3 processes")
}

func TestRunValidation_OnlyFilterNoRows(t *testing.T) {
	srv := newSources(t, map[string]string{"p1": "4"}, map[string]string{"p1": "4"})
	c := testConfig(srv.URL, writeTargets(t, `{"p1":"hostA"}`))
	alerter := monitoring.NewAlerter(c.Alert, nil)

	var out bytes.Buffer
	run, err := runValidation(context.Background(), c, alerter, nil, &out, outputOptions{Only: onlyMismatch})
	require.NoError(t, err)
	assert.Equal(t, model.ExitOK, run.ExitCode)
	assert.NotContains(t, out.String(), "STATUS")
	assert.Contains(t, out.String(), "Summary: 1 processes, 1 match, 0 mismatch, 0 error")
}

func TestRunValidation_JSONReport(t *testing.T) {
	c := threeProcesses(t)
	alerter := monitoring.NewAlerter(c.Alert, nil)

	var out bytes.Buffer
	run, err := runValidation(context.Background(), c, alerter, nil, &out, outputOptions{Only: onlyAll, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, model.ExitMismatch, run.ExitCode)

	body := out.String()
	require.True(t, gjson.Valid(body), body)
	assert.NotEmpty(t, gjson.Get(body, "run_id").String())
	assert.Equal(t, int64(3), gjson.Get(body, "stats.total").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "exit_code").Int())
	assert.Equal(t, "p-match", gjson.Get(body, "results.0.process_id").String())
	assert.Equal(t, "mismatch", gjson.Get(body, "results.1.status").String())
	assert.Equal(t, int64(2), gjson.Get(body, "results.1.difference").Int())
	assert.Equal(t, "hostA", gjson.Get(body, "results.0.target").String())
}

func TestRunValidation_SavesRun(t *testing.T) {
	c := threeProcesses(t)
	alerter := monitoring.NewAlerter(c.Alert, nil)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	_, err = runValidation(context.Background(), c, alerter, st, io.Discard, outputOptions{Only: onlyAll})
	require.NoError(t, err)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.Equal(t, model.ExitMismatch, runs[0].ExitCode)
	assert.Equal(t, 3, runs[0].Stats.Total)

	full, err := st.GetRun(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, full.Results, 3)
}

// pagerServer records every event posted to it.
type pagerServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
}

func newPagerServer(t *testing.T) *pagerServer {
	t.Helper()
	p := &pagerServer{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.bodies = append(p.bodies, string(b))
		p.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"success","message":"Event processed","dedup_key":"k"}`))
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *pagerServer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.bodies...)
}

func alertingConfig(c *config.Config, endpoint string) *config.Config {
	c.Alert.Enabled = true
	c.Alert.RoutingKey = "routing-key"
	c.Alert.EndpointURL = endpoint
	c.Alert.MaxAttempts = 1
	c.Alert.TimeoutSecs = 5
	return c
}

func TestRunValidation_SendsAlerts(t *testing.T) {
	pager := newPagerServer(t)
	c := alertingConfig(threeProcesses(t), pager.URL)
	alerter := monitoring.NewAlerter(c.Alert, nil)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	_, err = runValidation(context.Background(), c, alerter, st, io.Discard, outputOptions{Only: onlyAll})
	require.NoError(t, err)

	events := pager.events()
	require.Len(t, events, 2)
	assert.Equal(t, "error", gjson.Get(events[0], "payload.severity").String())
	assert.Equal(t, int64(1), gjson.Get(events[0], "payload.custom_details.mismatches").Int())
	assert.Equal(t, "warning", gjson.Get(events[1], "payload.severity").String())

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].AlertsSent)
	assert.Equal(t, runs[0].ID, gjson.Get(events[0], "payload.custom_details.run_id").String())
}

func TestRunValidation_CleanRunResolvesIncidents(t *testing.T) {
	pager := newPagerServer(t)
	srv := newSources(t, map[string]string{"p1": "4"}, map[string]string{"p1": "4"})
	c := alertingConfig(testConfig(srv.URL, writeTargets(t, `{"p1":"hostA"}`)), pager.URL)
	alerter := monitoring.NewAlerter(c.Alert, nil)

	run, err := runValidation(context.Background(), c, alerter, nil, io.Discard, outputOptions{Only: onlyAll})
	require.NoError(t, err)
	assert.Equal(t, model.ExitOK, run.ExitCode)
	assert.Zero(t, run.AlertsSent)

	events := pager.events()
	require.Len(t, events, 2)
	for i, kind := range []string{"mismatches", "errors"} {
		assert.Equal(t, "resolve", gjson.Get(events[i], "event_action").String())
		assert.True(t, strings.HasSuffix(gjson.Get(events[i], "dedup_key").String(), "-"+kind))
		assert.False(t, gjson.Get(events[i], "payload").Exists())
	}
}

func TestRunValidation_InvalidTargetsPagesFailure(t *testing.T) {
	pager := newPagerServer(t)
	c := alertingConfig(testConfig("http://127.0.0.1:1", writeTargets(t, `{"a":"b"`)), pager.URL)
	alerter := monitoring.NewAlerter(c.Alert, nil)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	var out bytes.Buffer
	run, err := runValidation(context.Background(), c, alerter, st, &out, outputOptions{Only: onlyAll})
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidConfig, run.ExitCode)
	assert.Empty(t, out.String())

	events := pager.events()
	require.Len(t, events, 1)
	assert.Equal(t, "critical", gjson.Get(events[0], "payload.severity").String())
	assert.Contains(t, gjson.Get(events[0], "dedup_key").String(), "-failure")

	runs, err := st.ListRuns(context.Background(), store.RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.ExitInvalidConfig, runs[0].ExitCode)
	assert.Equal(t, 1, runs[0].AlertsSent)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRunValidation_MissingTargetsFile(t *testing.T) {
	c := testConfig("http://127.0.0.1:1", filepath.Join(t.TempDir(), "missing.json"))
	alerter := monitoring.NewAlerter(c.Alert, nil)

	run, err := runValidation(context.Background(), c, alerter, nil, io.Discard, outputOptions{Only: onlyAll})
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidConfig, run.ExitCode)
}

func newRunFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	registerRunFlags(cmd)
	return cmd
}

func TestPrepareRun_Overrides(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg = testConfig("http://127.0.0.1:1", "process_map.json")

	cmd := newRunFlagsCmd()
	require.NoError(t, cmd.Flags().Set("targets", "other.json"))
	require.NoError(t, cmd.Flags().Set("routing-key", "rk"))
	require.NoError(t, cmd.Flags().Set("alerts", "true"))
	require.NoError(t, cmd.Flags().Set("mismatch-threshold", "2"))
	require.NoError(t, cmd.Flags().Set("concurrency", "8"))
	require.NoError(t, cmd.Flags().Set("only", "mismatch"))
	require.NoError(t, cmd.Flags().Set("json", "true"))

	out, err := prepareRun(cmd)
	require.NoError(t, err)
	assert.Equal(t, outputOptions{Only: onlyMismatch, JSON: true}, out)
	assert.Equal(t, "other.json", cfg.Targets.File)
	assert.Equal(t, "rk", cfg.Alert.RoutingKey)
	assert.True(t, cfg.Alert.Enabled)
	assert.Equal(t, 2, cfg.Alert.MismatchThreshold)
	assert.Equal(t, 1, cfg.Alert.ErrorThreshold)
	assert.Equal(t, 8, cfg.Fetch.Concurrency)
}

func TestPrepareRun_InvalidOnly(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg = testConfig("http://127.0.0.1:1", "process_map.json")

	cmd := newRunFlagsCmd()
	require.NoError(t, cmd.Flags().Set("only", "sometimes"))

	_, err := prepareRun(cmd)
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidConfig, exitCode(io.Discard, err))
}

func TestPrepareRun_InvalidThreshold(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg = testConfig("http://127.0.0.1:1", "process_map.json")

	cmd := newRunFlagsCmd()
	require.NoError(t, cmd.Flags().Set("error-threshold", "0"))

	_, err := prepareRun(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert thresholds")
}
