package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tandem/internal/config"
	"github.com/loykin/tandem/internal/health"
	mng "github.com/loykin/tandem/internal/manager"
	"github.com/loykin/tandem/internal/process"
)

type fakeBackend struct {
	mu       sync.Mutex
	phase    string
	health   health.Status
	states   map[string]process.State
	order    []string
	closing  bool
	stopped  []string
	started  []string
	stopFail error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		phase:  "ready",
		health: health.Status{Healthy: true, Phase: health.PhaseHealthy},
		states: map[string]process.State{
			"backend":  {Name: "backend", Status: process.StatusRunning, PID: 10},
			"frontend": {Name: "frontend", Status: process.StatusRestarting, Restarts: 4},
		},
		order: []string{"backend", "frontend"},
	}
}

func (f *fakeBackend) Phase() string { return f.phase }

func (f *fakeBackend) Effective() config.EffectiveConfig {
	return config.EffectiveConfig{BackendPort: 8001, FrontendPort: 3782, APIBaseURL: "http://localhost:8001", MissingSecrets: []string{"LLM_BINDING_API_KEY"}}
}

func (f *fakeBackend) Health() health.Status { return f.health }

func (f *fakeBackend) States() []process.State {
	out := make([]process.State, 0, len(f.order))
	for _, n := range f.order {
		out = append(out, f.states[n])
	}
	return out
}

func (f *fakeBackend) Status(name string) (process.State, error) {
	st, ok := f.states[name]
	if !ok {
		return process.State{}, fmt.Errorf("%w: %s", mng.ErrUnknownService, name)
	}
	return st, nil
}

func (f *fakeBackend) StopService(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return mng.ErrShuttingDown
	}
	if _, ok := f.states[name]; !ok {
		return fmt.Errorf("%w: %s", mng.ErrUnknownService, name)
	}
	if f.stopFail != nil {
		return f.stopFail
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeBackend) StartService(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[name]; !ok {
		return fmt.Errorf("%w: %s", mng.ErrUnknownService, name)
	}
	f.started = append(f.started, name)
	return nil
}

func setupRouter(t *testing.T, b Backend) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(b).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	b := newFakeBackend()
	h := setupRouter(t, b)

	rec := doReq(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var got healthResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Healthy)
	assert.Equal(t, "ready", got.Phase)

	b.health = health.Status{Healthy: false, Phase: health.PhaseUnhealthy, ConsecutiveFailures: 3}
	rec = doReq(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Healthy)
	assert.Equal(t, 3, got.Health.ConsecutiveFailures)
}

func TestStatus(t *testing.T) {
	h := setupRouter(t, newFakeBackend())
	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got statusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ready", got.Phase)
	assert.Equal(t, 8001, got.Effective.BackendPort)
	assert.Equal(t, []string{"LLM_BINDING_API_KEY"}, got.Effective.MissingSecrets)
	require.Len(t, got.Services, 2)
	assert.Equal(t, "backend", got.Services[0].Name)
	assert.Equal(t, process.StatusRestarting, got.Services[1].Status)
	assert.Equal(t, 4, got.Services[1].Restarts)
}

func TestServiceStatus(t *testing.T) {
	h := setupRouter(t, newFakeBackend())

	rec := doReq(t, h, http.MethodGet, "/status/backend")
	require.Equal(t, http.StatusOK, rec.Code)
	var st process.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 10, st.PID)

	rec = doReq(t, h, http.MethodGet, "/status/worker")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/status/bad..name")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopStart(t *testing.T) {
	b := newFakeBackend()
	h := setupRouter(t, b)

	rec := doReq(t, h, http.MethodPost, "/services/frontend/stop")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doReq(t, h, http.MethodPost, "/services/frontend/start")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"frontend"}, b.stopped)
	assert.Equal(t, []string{"frontend"}, b.started)

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/services/nope/stop").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/services/nope/start").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/services/frontend/stop").Code)

	b.stopFail = fmt.Errorf("service backend (pid 10) did not exit after SIGKILL")
	assert.Equal(t, http.StatusInternalServerError, doReq(t, h, http.MethodPost, "/services/backend/stop").Code)

	b.closing = true
	assert.Equal(t, http.StatusConflict, doReq(t, h, http.MethodPost, "/services/backend/stop").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, newFakeBackend())
	rec := doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStartServer(t *testing.T) {
	s, err := Start("127.0.0.1:0", newFakeBackend(), 0)
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy":true`)

	// the address is taken while the server runs
	_, err = Start(s.Addr(), newFakeBackend(), 0)
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}

func TestWriteTimeoutOutlastsStop(t *testing.T) {
	assert.Equal(t, DefaultWriteTimeout, WriteTimeoutFor(0))
	assert.Equal(t, 35*time.Second, WriteTimeoutFor(30*time.Second))

	// default supervisor budget: 10s SIGTERM wait plus 5s SIGKILL wait
	budget := 15 * time.Second
	s, err := Start("127.0.0.1:0", newFakeBackend(), budget)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()
	assert.Greater(t, s.srv.WriteTimeout, budget)
}
