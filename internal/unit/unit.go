package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tandem/internal/config"
	"github.com/loykin/tandem/internal/env"
	"github.com/loykin/tandem/internal/health"
	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/internal/history/factory"
	mng "github.com/loykin/tandem/internal/manager"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/process"
	"github.com/loykin/tandem/internal/server"
)

// Phase is the unit-level lifecycle position.
type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseConfigResolved   Phase = "config_resolved"
	PhaseServicesStarting Phase = "services_starting"
	PhaseReady            Phase = "ready"
	PhaseShuttingDown     Phase = "shutting_down"
	PhaseStopped          Phase = "stopped"
	PhaseFailed           Phase = "failed"
)

// ErrStartup wraps every error that leaves the unit in PhaseFailed.
var ErrStartup = errors.New("unit startup failed")

// ExitCode maps the result of Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// Options wires a Unit. Only Config is required.
type Options struct {
	Config   *config.FileConfig
	Env      *env.Env         // captured environment; defaults to the OS env
	Logger   *slog.Logger     // should already carry process=tandem
	Launcher process.Launcher // defaults to an ExecLauncher
	History  *history.Fanout  // overrides Config.History.DSN
}

// Unit sequences config resolution, service startup, health reporting and
// shutdown for one container.
type Unit struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	phase     Phase
	effective config.EffectiveConfig
	mgr       *mng.Manager
	reporter  *health.Reporter
	srv       *server.Server
	ready     chan struct{}
	readyOnce sync.Once
}

func New(opts Options) *Unit {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	u := &Unit{opts: opts, log: opts.Logger, phase: PhaseInit, ready: make(chan struct{})}
	metrics.SetPhase("", string(PhaseInit))
	return u
}

// Phase returns the current phase.
func (u *Unit) Phase() Phase {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.phase
}

// Ready is closed once the unit reaches PhaseReady.
func (u *Unit) Ready() <-chan struct{} { return u.ready }

// Effective returns the resolved configuration (zero before resolution).
func (u *Unit) Effective() config.EffectiveConfig {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.effective
}

// Manager returns the supervisor once services are starting, else nil.
func (u *Unit) Manager() *mng.Manager {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mgr
}

// StatusAddr is the bound address of the status server, or "" when it is
// not running.
func (u *Unit) StatusAddr() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.srv == nil {
		return ""
	}
	return u.srv.Addr()
}

// Health returns the last known health. Before the reporter exists the
// unit counts as starting.
func (u *Unit) Health() health.Status {
	u.mu.RLock()
	r := u.reporter
	u.mu.RUnlock()
	if r == nil {
		return health.Status{Healthy: true, Phase: health.PhaseStarting}
	}
	return r.Status()
}

func (u *Unit) setPhase(to Phase) {
	u.mu.Lock()
	from := u.phase
	u.phase = to
	u.mu.Unlock()
	metrics.SetPhase(string(from), string(to))
	lvl := slog.LevelInfo
	if to == PhaseFailed {
		lvl = slog.LevelError
	}
	u.log.Log(context.Background(), lvl, "unit phase", "from", from, "to", to)
	if to == PhaseReady {
		u.readyOnce.Do(func() { close(u.ready) })
	}
}

func (u *Unit) fail(err error) error {
	err = fmt.Errorf("%w: %w", ErrStartup, err)
	u.log.Error("startup failed", "error", err)
	u.setPhase(PhaseFailed)
	return err
}

// prepared is everything Init produces.
type prepared struct {
	env   *env.Env
	specs []process.Spec
	ec    config.EffectiveConfig
}

// Prepare runs the side-effect free part of Init: capture the environment,
// validate service specs and resolve the effective config.
func Prepare(fc *config.FileConfig, base *env.Env) (*env.Env, []process.Spec, config.EffectiveConfig, error) {
	e, err := fc.Environment(base)
	if err != nil {
		return nil, nil, config.EffectiveConfig{}, err
	}
	specs, err := fc.Specs()
	if err != nil {
		return nil, nil, config.EffectiveConfig{}, err
	}
	ec, err := config.Resolve(e, fc.RequiredSecrets)
	if err != nil {
		return nil, nil, config.EffectiveConfig{}, err
	}
	return e, specs, ec, nil
}

func (u *Unit) init() (*prepared, error) {
	fc := u.opts.Config
	if fc == nil {
		return nil, errors.New("no configuration")
	}
	base := u.opts.Env
	if base == nil {
		base = env.FromOS()
	}
	e, specs, ec, err := Prepare(fc, base)
	if err != nil {
		return nil, err
	}
	for _, k := range ec.MissingSecrets {
		u.log.Warn("required secret is not set, continuing", "key", k)
	}
	if err := config.WriteDerived(fc.DerivedFile, ec); err != nil {
		return nil, err
	}
	u.log.Info("derived config written", "path", fc.DerivedFile, "api_base_url", ec.APIBaseURL,
		"backend_port", ec.BackendPort, "frontend_port", ec.FrontendPort)
	return &prepared{env: e, specs: specs, ec: ec}, nil
}

// Run drives the unit until ctx is cancelled. It returns an error wrapping
// ErrStartup when Init fails and nil after a clean shutdown.
func (u *Unit) Run(ctx context.Context) error {
	p, err := u.init()
	if err != nil {
		return u.fail(err)
	}
	u.mu.Lock()
	u.effective = p.ec
	u.mu.Unlock()
	u.setPhase(PhaseConfigResolved)

	fc := u.opts.Config
	hist, closeHist := u.history(fc.History.DSN)
	defer closeHist()

	mgr := mng.New(mng.Options{
		Launcher:    u.opts.Launcher,
		Logger:      u.log,
		Env:         p.env.WithList(p.ec.Exports()),
		Backoff:     fc.Supervisor.Backoff,
		StopTimeout: fc.Supervisor.StopTimeout,
		KillTimeout: fc.Supervisor.KillTimeout,
		History:     hist,
	})
	reporter := health.New(health.Config{
		URL:         health.URLFor(p.ec.BackendPort, fc.Health.Path),
		Interval:    fc.Health.Interval,
		Timeout:     fc.Health.Timeout,
		StartPeriod: fc.Health.StartPeriod,
		Retries:     fc.Health.Retries,
	}, u.log)
	u.mu.Lock()
	u.mgr = mgr
	u.reporter = reporter
	u.mu.Unlock()

	u.setPhase(PhaseServicesStarting)
	startErr := mgr.Start(ctx, p.specs)
	if startErr != nil {
		u.log.Error("starting services", "error", startErr)
	} else {
		u.setPhase(PhaseReady)
	}

	srv := u.serve(fc.Server.Listen, stopBudget(fc.Supervisor))
	hctx, hcancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Run(hctx)
	}()

	<-ctx.Done()
	u.setPhase(PhaseShuttingDown)
	hcancel()
	wg.Wait()
	if err := mgr.StopAll(); err != nil {
		u.log.Error("stopping services", "error", err)
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		u.mu.Lock()
		u.srv = nil
		u.mu.Unlock()
	}
	u.setPhase(PhaseStopped)
	return nil
}

func (u *Unit) history(dsn string) (*history.Fanout, func()) {
	if u.opts.History != nil {
		return u.opts.History, func() {}
	}
	if dsn == "" {
		return nil, func() {}
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		u.log.Warn("history disabled", "error", err)
		return nil, func() {}
	}
	f := history.NewFanout(u.log, sink)
	return f, func() { _ = f.Close() }
}

// stopBudget is the longest a single Stop can take with the manager's
// defaults applied.
func stopBudget(sc config.SupervisorConfig) time.Duration {
	term, kill := sc.StopTimeout, sc.KillTimeout
	if term <= 0 {
		term = mng.DefaultStopTimeout
	}
	if kill <= 0 {
		kill = mng.DefaultKillTimeout
	}
	return term + kill
}

func (u *Unit) serve(addr string, budget time.Duration) *server.Server {
	if addr == "" {
		return nil
	}
	srv, err := server.Start(addr, backend{u}, budget)
	if err != nil {
		u.log.Error("status server disabled", "listen", addr, "error", err)
		return nil
	}
	u.log.Info("status server listening", "listen", srv.Addr())
	u.mu.Lock()
	u.srv = srv
	u.mu.Unlock()
	return srv
}
