package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	clocksystem "github.com/crawlfeed/worker/internal/clock/system"
	"github.com/crawlfeed/worker/internal/crawler"
	"github.com/crawlfeed/worker/internal/state"
	"github.com/crawlfeed/worker/internal/store"
	"github.com/crawlfeed/worker/internal/trust"
)

type fakeTrigger struct {
	jobs int
	err  error
}

func (f *fakeTrigger) Trigger(context.Context) (int, error) {
	return f.jobs, f.err
}

type fakeResetter struct {
	resets []string
}

func (f *fakeResetter) ResetJob(_ context.Context, jobID string) error {
	f.resets = append(f.resets, jobID)
	return nil
}

func newTestServer(t *testing.T, trigger PollTrigger, cfg Config) (*Server, *state.Tracker, *trust.Gate, *fakeResetter) {
	t.Helper()
	kv := store.NewMemory()
	clock := clocksystem.New()
	tracker := state.New(kv, clock, zap.NewNop())
	resetter := &fakeResetter{}
	gate := trust.New(kv, resetter, clock, zap.NewNop())
	return NewServer(tracker, gate, trigger, cfg, zap.NewNop()), tracker, gate, resetter
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, &fakeTrigger{}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		resp.Body.Close()
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, &fakeTrigger{}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusReflectsLiveState(t *testing.T) {
	t.Parallel()

	srv, tracker, _, _ := newTestServer(t, &fakeTrigger{}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	var idle crawler.LiveStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&idle))
	resp.Body.Close()
	require.Equal(t, "idle", idle.Mode)

	tracker.SetLive(context.Background(), crawler.LiveStatus{
		Mode: "crawl", JobID: "J1", URL: "https://x.example.com", Domain: "x.example.com", Phase: "extracting",
	})

	resp, err = http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	var live crawler.LiveStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&live))
	resp.Body.Close()
	require.Equal(t, "crawl", live.Mode)
	require.Equal(t, "J1", live.JobID)
	require.Equal(t, "extracting", live.Phase)
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	srv, tracker, _, _ := newTestServer(t, &fakeTrigger{}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tracker.AppendHistory(context.Background(), crawler.CrawlHistoryEntry{
		Kind: "crawl", URL: "https://x.example.com/p", Domain: "x.example.com",
		Status: crawler.JobStatusSucceeded, Size: 42,
	})

	resp, err := http.Get(ts.URL + "/v1/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Entries []crawler.CrawlHistoryEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, crawler.JobStatusSucceeded, body.Entries[0].Status)
}

func TestManualPollTrigger(t *testing.T) {
	t.Parallel()

	trigger := &fakeTrigger{jobs: 3}
	srv, _, _, _ := newTestServer(t, trigger, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/poll", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 3, body["jobs"])
}

func TestManualPollTriggerError(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, &fakeTrigger{err: errors.New("feed down")}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/poll", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDomainApprovalDrainsPending(t *testing.T) {
	t.Parallel()

	srv, _, gate, resetter := newTestServer(t, &fakeTrigger{}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	gate.RegisterPending(context.Background(), "new.example.com", "J1", "R1")

	resp, err := http.Get(ts.URL + "/v1/domains/new.example.com/pending")
	require.NoError(t, err)
	var pending struct {
		Jobs []crawler.PendingDomainJob `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	resp.Body.Close()
	require.Len(t, pending.Jobs, 1)

	resp, err = http.Post(ts.URL+"/v1/domains/new.example.com/approve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.True(t, gate.IsAllowed("new.example.com"))
	require.Equal(t, []string{"J1"}, resetter.resets)
}

func TestDomainDeny(t *testing.T) {
	t.Parallel()

	srv, _, gate, _ := newTestServer(t, &fakeTrigger{}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	require.NoError(t, gate.Approve(context.Background(), "bad.example.com"))

	resp, err := http.Post(ts.URL+"/v1/domains/bad.example.com/deny", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, gate.IsAllowed("bad.example.com"))
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, &fakeTrigger{}, Config{AuthEnabled: true, APIKey: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Health stays open.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
