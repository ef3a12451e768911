package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tandem/internal/config"
	"github.com/loykin/tandem/internal/health"
	mng "github.com/loykin/tandem/internal/manager"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/process"
)

// Backend is the unit as seen by the status server.
type Backend interface {
	Phase() string
	Effective() config.EffectiveConfig
	Health() health.Status
	States() []process.State
	Status(name string) (process.State, error)
	StopService(name string) error
	StartService(name string) error
}

// Router serves the unit's status and control endpoints:
//
//	GET  /healthz               200 when healthy, 503 otherwise
//	GET  /status                unit phase, health, effective config, services
//	GET  /status/:name          one service
//	POST /services/:name/stop
//	POST /services/:name/start
//	GET  /metrics               Prometheus
type Router struct {
	b Backend
}

func NewRouter(b Backend) *Router {
	return &Router{b: b}
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealth)
	g.GET("/status", r.handleStatus)
	g.GET("/status/:name", r.handleService)
	g.POST("/services/:name/stop", r.handleStop)
	g.POST("/services/:name/start", r.handleStart)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// Server is a running status server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// DefaultWriteTimeout is the response deadline when no stop budget applies.
const DefaultWriteTimeout = 15 * time.Second

// WriteTimeoutFor returns a response deadline that outlasts a stop request
// taking up to stopBudget (SIGTERM wait plus SIGKILL wait).
func WriteTimeoutFor(stopBudget time.Duration) time.Duration {
	if d := stopBudget + 5*time.Second; d > DefaultWriteTimeout {
		return d
	}
	return DefaultWriteTimeout
}

// Start binds addr and serves the router in the background. stopBudget is the
// longest a POST /services/:name/stop may block.
func Start(addr string, b Backend, stopBudget time.Duration) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           NewRouter(b).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      WriteTimeoutFor(stopBudget),
			IdleTimeout:       60 * time.Second,
		},
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	Healthy bool          `json:"healthy"`
	Phase   string        `json:"phase"`
	Health  health.Status `json:"health"`
}

type statusResp struct {
	Phase     string                 `json:"phase"`
	Health    health.Status          `json:"health"`
	Effective config.EffectiveConfig `json:"effective"`
	Services  []process.State        `json:"services"`
}

func (r *Router) handleHealth(c *gin.Context) {
	hs := r.b.Health()
	resp := healthResp{Healthy: hs.Healthy, Phase: r.b.Phase(), Health: hs}
	code := http.StatusOK
	if !hs.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, statusResp{
		Phase:     r.b.Phase(),
		Health:    r.b.Health(),
		Effective: r.b.Effective(),
		Services:  r.b.States(),
	})
}

func (r *Router) handleService(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	st, err := r.b.Status(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	if err := r.b.StopService(name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	if err := r.b.StartService(name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return name, true
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, mng.ErrUnknownService):
		code = http.StatusNotFound
	case errors.Is(err, mng.ErrShuttingDown):
		code = http.StatusConflict
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
