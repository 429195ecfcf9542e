package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nonce-validator/internal/compare"
	"github.com/sells-group/nonce-validator/internal/config"
	"github.com/sells-group/nonce-validator/internal/fetcher"
	"github.com/sells-group/nonce-validator/internal/model"
)

// sourceServer serves source A at /{id}/a and source B at /router/{id}/latest.
type sourceServer struct {
	*httptest.Server

	mu       sync.Mutex
	valuesA  map[string]string
	valuesB  map[string]string
	statusA  int
	hitsA    atomic.Int32
	hitsB    atomic.Int32
	redirect bool
}

func newSourceServer(t *testing.T) *sourceServer {
	t.Helper()
	s := &sourceServer{valuesA: map[string]string{}, valuesB: map[string]string{}, statusA: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *sourceServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	switch {
	case strings.HasPrefix(path, "moved/"):
		http.Redirect(w, r, "/router/"+strings.TrimPrefix(path, "moved/"), http.StatusFound)
	case strings.HasPrefix(path, "router/") && strings.HasSuffix(path, "/latest"):
		s.hitsB.Add(1)
		id := strings.TrimSuffix(strings.TrimPrefix(path, "router/"), "/latest")
		v, ok := s.valuesB[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"assignment":{"tags":[{"name":"Data-Protocol","value":"ao"},{"name":"Nonce","value":"%s"}]}}`, v)
	case strings.HasSuffix(path, "/a"):
		s.hitsA.Add(1)
		if s.statusA != http.StatusOK {
			w.WriteHeader(s.statusA)
			return
		}
		id := strings.TrimSuffix(path, "/a")
		fmt.Fprintf(w, "%s\n", s.valuesA[id])
	default:
		http.NotFound(w, r)
	}
}

func (s *sourceServer) set(id, a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a != "" {
		s.valuesA[id] = a
	}
	if b != "" {
		s.valuesB[id] = b
	}
}

func (s *sourceServer) failA(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusA = status
}

func (s *sourceServer) host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func (s *sourceServer) validator(concurrency int) *Validator {
	bBase := s.URL + "/router"
	if s.redirect {
		bBase = s.URL + "/moved"
	}
	cfg := config.FetchConfig{
		TimeoutSecs:        5,
		MaxAttempts:        3,
		BaseDelayMs:        0,
		Concurrency:        concurrency,
		SourceAURLTemplate: "http://{host}/{id}/a",
		SourceBBaseURL:     bBase,
		TagName:            "Nonce",
	}
	return FromConfig(cfg)
}

func TestRun_Match(t *testing.T) {
	srv := newSourceServer(t)
	srv.set("p1", "10", "10")

	report := srv.validator(1).Run(context.Background(), []model.Target{{ID: "p1", Host: srv.host()}})

	require.Len(t, report.Results, 1)
	r := report.Results[0]
	assert.Equal(t, model.StatusMatch, r.Status)
	assert.True(t, r.HasDifference)
	assert.Zero(t, r.Difference)
	assert.Equal(t, model.ExitOK, report.ExitCode)
	assert.Equal(t, 1, report.Stats.Matches)
}

func TestRun_Mismatch(t *testing.T) {
	srv := newSourceServer(t)
	srv.set("p1", "12", "10")

	report := srv.validator(1).Run(context.Background(), []model.Target{{ID: "p1", Host: srv.host()}})

	r := report.Results[0]
	assert.Equal(t, model.StatusMismatch, r.Status)
	assert.Equal(t, int64(2), r.Difference)
	require.NotNil(t, r.SourceAValue)
	assert.Equal(t, "12", *r.SourceAValue)
	assert.Equal(t, srv.URL+"/p1/a", r.SourceAURL)
	assert.Equal(t, model.ExitMismatch, report.ExitCode)
}

func TestRun_SourceAUnreachable(t *testing.T) {
	srv := newSourceServer(t)
	srv.failA(http.StatusServiceUnavailable)
	srv.set("p1", "", "10")

	report := srv.validator(1).Run(context.Background(), []model.Target{{ID: "p1", Host: srv.host()}})

	r := report.Results[0]
	assert.Equal(t, model.StatusError, r.Status)
	assert.Nil(t, r.SourceAValue)
	assert.Contains(t, r.Error, "503")
	assert.Equal(t, int32(3), srv.hitsA.Load(), "source A retried max_attempts times")
	assert.Equal(t, int32(1), srv.hitsB.Load(), "source B still fetched")
	assert.Equal(t, model.ExitError, report.ExitCode)
}

func TestRun_SourceBFollowsRedirect(t *testing.T) {
	srv := newSourceServer(t)
	srv.redirect = true
	srv.set("p1", "7", "7")

	report := srv.validator(1).Run(context.Background(), []model.Target{{ID: "p1", Host: srv.host()}})
	assert.Equal(t, model.StatusMatch, report.Results[0].Status)
}

func TestRun_MissingTagIsError(t *testing.T) {
	srv := newSourceServer(t)
	srv.set("p1", "7", "7")

	v := srv.validator(1)
	v.tagName = "Slot"
	report := v.Run(context.Background(), []model.Target{{ID: "p1", Host: srv.host()}})

	r := report.Results[0]
	assert.Equal(t, model.StatusError, r.Status)
	assert.Nil(t, r.SourceBValue)
}

func TestRun_ConcurrentKeepsInputOrder(t *testing.T) {
	srv := newSourceServer(t)
	var targets []model.Target
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("p%02d", i)
		srv.set(id, fmt.Sprint(i), fmt.Sprint(i-i%3))
		targets = append(targets, model.Target{ID: id, Host: srv.host()})
	}

	report := srv.validator(4).Run(context.Background(), targets)

	require.Len(t, report.Results, len(targets))
	for i, r := range report.Results {
		assert.Equal(t, targets[i].ID, r.ID)
		assert.Equal(t, int64(i%3), r.Difference)
	}
	s := report.Stats
	assert.Equal(t, s.Total, s.Matches+s.Mismatches+s.Errors)
	assert.Equal(t, 7, s.Matches)
	assert.Equal(t, 13, s.Mismatches)
	assert.Equal(t, model.ExitMismatch, report.ExitCode)

	agg := report.Aggregator()
	require.NotNil(t, agg)
	assert.Equal(t, s, agg.Stats())
	mismatches := agg.Mismatches()
	require.Len(t, mismatches, 13)
	assert.Equal(t, "p01", mismatches[0].ID)
	assert.Empty(t, agg.Errors())
}

func TestRun_Empty(t *testing.T) {
	srv := newSourceServer(t)
	report := srv.validator(2).Run(context.Background(), nil)
	assert.Zero(t, report.Stats.Total)
	assert.Equal(t, model.ExitOK, report.ExitCode)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchWithRetry(ctx context.Context, url string, maxAttempts int, baseDelay time.Duration) (string, error) {
	args := m.Called(ctx, url, maxAttempts, baseDelay)
	return args.String(0), args.Error(1)
}

func TestCheck_SourceAErrorTakesPrecedence(t *testing.T) {
	mf := &mockFetcher{}
	mf.On("FetchWithRetry", mock.Anything, "http://h/p1/a", 2, time.Millisecond).
		Return("", &fetcher.FetchError{URL: "http://h/p1/a", Attempts: 2, Err: errors.New("connection refused")})
	mf.On("FetchWithRetry", mock.Anything, "http://b/p1/latest", 2, time.Millisecond).
		Return("not json", nil)

	dual := fetcher.NewDual(mf, fetcher.Sources{SourceATemplate: "http://{host}/{id}/a", SourceBBase: "http://b"}, 2, time.Millisecond)
	r := New(dual, Options{}).Check(context.Background(), model.Target{ID: "p1", Host: "h"})

	assert.Equal(t, model.StatusError, r.Status)
	assert.Contains(t, r.Error, "connection refused")
	mf.AssertExpectations(t)
}

func TestCheck_EmptySourceABody(t *testing.T) {
	mf := &mockFetcher{}
	mf.On("FetchWithRetry", mock.Anything, "http://h/p1/a", 1, time.Duration(0)).Return("  \n", nil)
	mf.On("FetchWithRetry", mock.Anything, "http://b/p1/latest", 1, time.Duration(0)).
		Return(`{"assignment":{"tags":[{"name":"Nonce","value":"1"}]}}`, nil)

	dual := fetcher.NewDual(mf, fetcher.Sources{SourceATemplate: "http://{host}/{id}/a", SourceBBase: "http://b"}, 1, 0)
	r := New(dual, Options{}).Check(context.Background(), model.Target{ID: "p1", Host: "h"})

	assert.Equal(t, model.StatusError, r.Status)
	require.NotNil(t, r.SourceBValue)
	assert.Equal(t, "1", *r.SourceBValue)
}

func TestNew_Defaults(t *testing.T) {
	v := New(nil, Options{Concurrency: -1})
	assert.Equal(t, 1, v.concurrency)
	assert.Equal(t, compare.DefaultTagName, v.tagName)
}
