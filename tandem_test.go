package tandem

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tandem/pkg/client"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestUnitFacadeRunsAndStops(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	c, err := LoadConfig("")
	require.NoError(t, err)
	c.DerivedFile = filepath.Join(dir, "web", ".env.local")
	c.Server.Listen = "127.0.0.1:0"
	c.Supervisor.StopTimeout = 2 * time.Second
	c.Services = []ServiceConfig{
		{Name: "backend", Role: "primary", Command: "sleep 30", Restart: "always"},
		{Name: "frontend", Command: "sleep 30", Restart: "always", StartDelay: 50 * time.Millisecond},
	}

	u := NewDefaultUnit(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	select {
	case <-u.Ready():
	case err := <-done:
		t.Fatalf("run ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("unit never became ready")
	}
	_, err = os.Stat(c.DerivedFile)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return u.StatusAddr() != "" }, 3*time.Second, 10*time.Millisecond)
	cl := client.New(client.Config{BaseURL: u.StatusAddr()})
	require.Eventually(t, func() bool {
		st, err := cl.Status(context.Background())
		if err != nil || len(st.Services) != 2 {
			return false
		}
		return st.Services[0].PID > 0 && st.Services[1].Status == "running"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, 0, ExitCode(err))
	case <-time.After(10 * time.Second):
		t.Fatal("unit did not stop")
	}
	for _, st := range u.Manager().States() {
		assert.Equal(t, "stopped", string(st.Status), st.Name)
	}
}

func TestResolveFacade(t *testing.T) {
	t.Setenv("BACKEND_PORT", "9100")
	t.Setenv("NEXT_PUBLIC_API_BASE_EXTERNAL", "")
	c, err := LoadConfig("")
	require.NoError(t, err)
	ec, err := Resolve(c)
	require.NoError(t, err)
	assert.Equal(t, 9100, ec.BackendPort)
	assert.Equal(t, "http://localhost:9100", ec.APIBaseURL)
	assert.Len(t, DefaultServices(), 2)
}

func TestRegisterMetricsTwice(t *testing.T) {
	r := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(r))
	require.NoError(t, RegisterMetrics(r))
}
