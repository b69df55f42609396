package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/daemon"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/types"
)

type okExecutor struct {
	mu       sync.Mutex
	executed int
}

func (e *okExecutor) Execute(ctx context.Context, b *types.MicroBundle, workerID string) (*types.BundleResult, error) {
	e.mu.Lock()
	e.executed++
	e.mu.Unlock()
	return &types.BundleResult{
		BundleID:  b.ID,
		WorkerID:  workerID,
		Success:   true,
		Artifacts: []string{"dist/" + b.Package + "/main.js"},
	}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *daemon.Daemon) {
	t.Helper()
	cfg := config.Default()
	cfg.Watch.Enabled = false
	cfg.AutoBuild.Enabled = false

	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	d, err := daemon.New(cfg, daemon.Options{
		Clock:    clk,
		Backend:  backend.NewMemory(clk),
		Executor: &okExecutor{},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	ts := httptest.NewServer(NewServer(d).Router())
	t.Cleanup(ts.Close)
	return ts, d
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func addTestWorker(t *testing.T, ts *httptest.Server) types.Resource {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/resources", types.ResourceSpec{
		Name:     "worker-1",
		Type:     types.ResourceTypeWorker,
		Address:  "10.0.0.5:9000",
		CPUCores: 4,
		MemoryGB: 8,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[types.Resource](t, resp)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestResourceLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	res := addTestWorker(t, ts)
	require.NotEmpty(t, res.ID)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/resources/"+res.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[types.Resource](t, resp)
	assert.Equal(t, "worker-1", got.Name)
	assert.Equal(t, types.ResourceStatusOnline, got.Status)

	// drain then resume
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/resources/"+res.ID+"/drain", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[types.Resource](t, resp)
	assert.Equal(t, types.ResourceStatusDraining, got.Status)

	// draining twice conflicts
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/resources/"+res.ID+"/drain", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	envelope := decode[map[string]map[string]string](t, resp)
	assert.Equal(t, errdefs.CodeConflictingState, envelope["error"]["code"])

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/resources/"+res.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/resources/"+res.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/resources/"+res.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestResourcePatch(t *testing.T) {
	ts, _ := newTestServer(t)
	res := addTestWorker(t, ts)

	resp := doJSON(t, http.MethodPatch, ts.URL+"/api/v1/resources/"+res.ID, map[string]any{
		"cpu_cores": 16,
		"labels":    map[string]string{"zone": "us-east"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[types.Resource](t, resp)
	assert.Equal(t, 16, got.CPUCores)
	assert.Equal(t, "us-east", got.Labels["zone"])
}

func TestBuildEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	addTestWorker(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/builds", map[string]any{
		"targets": []string{"core"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	result := decode[types.BuildResult](t, resp)
	assert.Equal(t, types.BuildStatusSuccess, result.Status)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/builds/"+result.BuildID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decode[types.BuildResult](t, resp)
	assert.Equal(t, result.BuildID, fetched.BuildID)

	// a finished build cannot be cancelled
	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/builds/"+result.BuildID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/builds/no-such-build", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestBuildValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/builds", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	envelope := decode[map[string]map[string]string](t, resp)
	assert.Equal(t, errdefs.CodeInvalidArgument, envelope["error"]["code"])
}

func TestSessionEndpoints(t *testing.T) {
	ts, d := newTestServer(t)
	session, err := d.Sessions().Create(context.Background(), types.SessionSpec{
		Actor:          types.Actor{ID: "u1", Name: "u1", Kind: types.ActorKindUser},
		ConnectionType: types.ConnectionCLI,
	})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[[]types.Session](t, resp)
	require.Len(t, sessions, 1)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/sessions/"+session.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/sessions/"+session.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestLedgerEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	addTestWorker(t, ts)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/ledger/entries?entity_type=resource", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]types.LedgerEntry](t, resp)
	require.NotEmpty(t, entries)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/ledger/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[map[string]any](t, resp)
	assert.Equal(t, true, report["verified"])

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/ledger/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[types.LedgerStats](t, resp)
	assert.Greater(t, stats.Entries, uint64(0))

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/ledger/entries?from=notanumber", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDashboardEndpoint(t *testing.T) {
	ts, d := newTestServer(t)
	addTestWorker(t, ts)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[types.DashboardState](t, resp)
	assert.Equal(t, d.Config().Daemon.ID, state.DaemonID)
	assert.Len(t, state.Resources, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSEStreamsFullState(t *testing.T) {
	ts, _ := newTestServer(t)
	addTestWorker(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the first frame is the full state event
	buf := make([]byte, 16)
	var collected []byte
	for {
		n, err := resp.Body.Read(buf)
		collected = append(collected, buf[:n]...)
		if bytes.Contains(collected, []byte("\n\n")) || err != nil {
			break
		}
	}
	header := fmt.Sprintf("event: %s", "state")
	assert.Contains(t, string(collected), header)
	assert.Contains(t, string(collected), "\"full\"")
}
