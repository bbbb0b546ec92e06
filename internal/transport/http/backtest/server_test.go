package backtesthttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"backcast/internal/backtest"
	"backcast/internal/datasource"
	"backcast/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCSV = `timestamp,open,high,low,close,volume
2024-01-01,10,11,9,10,1000
2024-01-02,10,11,9,9,1000
2024-01-03,9,10,8,8,1000
2024-01-04,8,9,7,8,1000
2024-01-05,8,10,8,9,1000
2024-01-06,9,12,9,11,1000
2024-01-07,11,14,11,13,1000
2024-01-08,13,15,12,14,1000
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "test_1d.csv"), []byte(testCSV), 0o644))

	cache, err := datasource.NewBarCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	local, err := datasource.NewLocalCSVSource(dataDir, cache)
	require.NoError(t, err)
	resolver := datasource.NewResolver(local, nil)

	registry, err := strategy.DefaultRegistry()
	require.NoError(t, err)
	sim, err := backtest.NewSimulator(registry, resolver)
	require.NoError(t, err)
	store, err := backtest.NewRunStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	writer, err := backtest.NewArtifactWriter(t.TempDir())
	require.NoError(t, err)
	risk := backtest.RiskProfile{MaxDailyLossPct: 1, MaxPositionPct: 0.5, PerOrderCapPct: 1, GlobalDDKillPct: 1}
	svc := backtest.NewService(sim, store, writer, risk, 2)

	srv, err := NewServer(Config{Addr: ":0", Svc: svc, Resolver: resolver, Registry: registry})
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	parsed := map[string]json.RawMessage{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed), rec.Body.String())
	}
	return rec, parsed
}

func TestServer_Strategies(t *testing.T) {
	srv := newTestServer(t)
	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/api/backtest/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(body["strategies"], &list))
	assert.Len(t, list, 3)
}

func TestServer_Bars(t *testing.T) {
	srv := newTestServer(t)
	rec, body := doJSON(t, srv.Handler(), http.MethodGet,
		"/api/backtest/bars?symbol=TEST&timeframe=1d&source=local&start=2024-01-02&end=2024-01-04", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var count int
	require.NoError(t, json.Unmarshal(body["count"], &count))
	assert.Equal(t, 3, count)

	rec, _ = doJSON(t, srv.Handler(), http.MethodGet, "/api/backtest/bars?symbol=TEST", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "缺 timeframe")
}

func TestServer_RunLifecycle(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{
		"symbol":    "TEST",
		"timeframe": "1d",
		"start":     "2024-01-01",
		"end":       "2024-01-31",
		"source":    "local",
		"strategy":  "sma_cross",
		"params":    map[string]any{"fast": 2, "slow": 3},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run backtest.RunRecord
	require.NoError(t, json.Unmarshal(body["run"], &run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, backtest.RunStatusQueued, run.Status)

	require.Eventually(t, func() bool {
		rec, body := doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+run.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got backtest.RunRecord
		if err := json.Unmarshal(body["run"], &got); err != nil {
			return false
		}
		return got.Status == backtest.RunStatusCompleted
	}, 5*time.Second, 25*time.Millisecond)

	rec, body = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/backtest/runs/%s/equity", run.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var points []backtest.EquityRecord
	require.NoError(t, json.Unmarshal(body["equity"], &points))
	assert.Len(t, points, 8, "每根 bar 一个权益点")

	rec, _ = doJSON(t, h, http.MethodGet, "/api/backtest/runs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_SubmitValidation(t *testing.T) {
	srv := newTestServer(t)

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/api/backtest/runs", map[string]any{
		"symbol": "TEST", // 缺 timeframe/start/end/strategy
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UnknownRun(t *testing.T) {
	srv := newTestServer(t)
	rec, _ := doJSON(t, srv.Handler(), http.MethodGet, "/api/backtest/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
