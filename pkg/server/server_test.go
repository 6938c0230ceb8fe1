package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinysos/pkg/deletion"
	"github.com/nicktill/tinysos/pkg/housekeeping"
	"github.com/nicktill/tinysos/pkg/ingest"
	"github.com/nicktill/tinysos/pkg/server/monitor"
	"github.com/nicktill/tinysos/pkg/storage/sqlstore"
	"github.com/nicktill/tinysos/pkg/storage/storagetest"
)

func TestLoadConfig(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	t.Setenv("TINYSOS_BACKEND", "sqlite")
	t.Setenv("TINYSOS_DATA_DIR", dir+"/nested")
	t.Setenv("TINYSOS_RETAIN_OFFERINGS", "true")
	t.Setenv("TINYSOS_PURGE_INTERVAL_MIN", "15")
	t.Setenv("TINYSOS_MAX_STORAGE_GB", "not-a-number")

	cfg, err := LoadConfig(log)
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Backend)
	require.True(t, cfg.Retention.Offerings)
	require.False(t, cfg.Retention.Procedures)
	require.Equal(t, 15*time.Minute, cfg.PurgeInterval)
	require.EqualValues(t, 1<<30, cfg.MaxStorageBytes())
	require.DirExists(t, dir+"/nested")
}

func TestLoadConfig_Invalid(t *testing.T) {
	log := zaptest.NewLogger(t)

	t.Setenv("TINYSOS_BACKEND", "cassandra")
	_, err := LoadConfig(log)
	require.ErrorContains(t, err, "unknown backend")

	t.Setenv("TINYSOS_BACKEND", "postgres")
	t.Setenv("TINYSOS_POSTGRES_DSN", "")
	_, err = LoadConfig(log)
	require.ErrorContains(t, err, "TINYSOS_POSTGRES_DSN")
}

func TestInitializeStorage_SQLite(t *testing.T) {
	log := zaptest.NewLogger(t)
	store, err := InitializeStorage(context.Background(), log, Config{Backend: BackendSQLite, DataDir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()
	require.IsType(t, &sqlstore.Store{}, store)
}

type testServer struct {
	*httptest.Server
	components *Components
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t)
	cfg := Config{Backend: BackendMemory, Port: "8080"}

	store, err := InitializeStorage(context.Background(), log, cfg)
	require.NoError(t, err)

	sm := monitor.NewStorageMonitor(t.TempDir(), 1<<30)
	components, err := InitializeHandlers(log, cfg, store, sm)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go components.Hub.Run(ctx)

	router := mux.NewRouter()
	SetupRoutes(router, components, sm, monitor.NewPurgeMonitor(0), cfg.Port)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		store.Close()
	})
	return &testServer{Server: srv, components: components}
}

func (s *testServer) do(t *testing.T, method, path string, payload interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRoutes_InsertDeleteFlow(t *testing.T) {
	s := newTestServer(t)
	v := 3.5

	resp := s.do(t, http.MethodPost, "/v1/observations", ingest.InsertRequest{Observations: []ingest.ObservationInput{{
		ID: "o1", Identifier: "urn:obs:1", Procedure: "p1", Offering: "off1", ObservedProperty: "temp", Feature: "f1",
		PhenomenonTime: storagetest.Base, NumericValue: &v,
	}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/datasets?procedure=p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list housekeeping.DatasetsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, 1, list.Count)

	resp = s.do(t, http.MethodPost, "/v1/observations/delete", deletion.ObservationRequest{
		Identifiers: []string{"urn:obs:1"},
		Mode:        deletion.ModeHard,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report deletion.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.EqualValues(t, 1, report.RemovedObservations)
	require.Equal(t, []string{list.Datasets[0].ID}, report.RemovedDatasets)

	resp = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(metrics), `tinysos_deletion_operations_total{mode="hard",operation="delete_observations",result="none"} 1`)
}

func TestRoutes_Health(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.False(t, health.Purge.Enabled)

	resp = s.do(t, http.MethodGet, "/v1/storage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware("8080")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/datasets/x", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "http://localhost:8080", rr.Header().Get("Access-Control-Allow-Origin"))
	require.True(t, strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "DELETE"))

	req = httptest.NewRequest(http.MethodGet, "/v1/datasets", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

type countingPurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPurger) Purge(context.Context, []string) (deletion.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return deletion.Report{Operation: deletion.OpPurge, RemovedObservations: 2}, p.err
}

func (p *countingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRunPurge(t *testing.T) {
	log := zaptest.NewLogger(t)
	purger := &countingPurger{}
	pm := monitor.NewPurgeMonitor(10 * time.Millisecond)
	stop := make(chan bool)
	var wg sync.WaitGroup

	wg.Add(1)
	go RunPurge(log, purger, 10*time.Millisecond, pm, nil, stop, &wg)

	require.Eventually(t, func() bool { return purger.count() >= 2 }, 5*time.Second, 5*time.Millisecond)
	close(stop)
	wg.Wait()

	status := pm.Status()
	require.GreaterOrEqual(t, status.TotalRemoved, int64(4))
	require.Zero(t, status.ConsecutiveErrors)
}

func TestRunPurge_Disabled(t *testing.T) {
	purger := &countingPurger{err: errors.New("unused")}
	var wg sync.WaitGroup
	wg.Add(1)
	RunPurge(zaptest.NewLogger(t), purger, 0, monitor.NewPurgeMonitor(0), nil, make(chan bool), &wg)
	wg.Wait()
	require.Zero(t, purger.count())
}

func TestRequestMiddleware(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/v1/datasets/missing", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))

	resp = s.do(t, http.MethodGet, "/metrics", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `tinysos_http_requests_total{code="404",method="GET",route="/v1/datasets/{id}"} 1`)
}
