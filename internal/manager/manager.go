package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tandem/internal/env"
	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/internal/process"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrShuttingDown   = errors.New("supervisor is shutting down")
	ErrDuplicate      = errors.New("service already registered")
)

const (
	DefaultBackoff     = time.Second
	DefaultStopTimeout = 10 * time.Second
	DefaultKillTimeout = 5 * time.Second
)

// Options configures a Manager. Zero durations take the defaults.
type Options struct {
	Launcher    process.Launcher // defaults to an ExecLauncher
	Logger      *slog.Logger
	Env         *env.Env // base environment for every service; defaults to the OS env
	Backoff     time.Duration
	StopTimeout time.Duration
	KillTimeout time.Duration
	History     *history.Fanout // optional
}

// Manager supervises a fixed set of services. Each service is owned by one
// handler goroutine, so transitions of one service are serialized while
// different services proceed independently.
type Manager struct {
	mu       sync.RWMutex
	opts     Options
	rec      *recorder
	ctx      context.Context
	cancel   context.CancelFunc
	order    []string
	handlers map[string]*handler
	closing  bool
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = process.NewExecLauncher(opts.Logger)
	}
	if opts.Env == nil {
		opts.Env = env.FromOS()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		rec:      &recorder{log: opts.Logger, hist: opts.History},
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]*handler),
	}
}

// Start registers specs and launches them in order without waiting for any
// of them to become ready. It returns once every launch has been handed to
// its handler. All specs are validated before anything is launched.
func (m *Manager) Start(ctx context.Context, specs []process.Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShuttingDown
	}

	batch := make(map[string]struct{}, len(specs))
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return err
		}
		name := specs[i].Name
		if _, ok := m.handlers[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
		if _, ok := batch[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
		batch[name] = struct{}{}
	}

	for _, s := range specs {
		h := newHandler(s, m.opts.Env.Merge(s.Env), m.opts, m.rec)
		m.handlers[s.Name] = h
		m.order = append(m.order, s.Name)
		go h.run(m.ctx)
	}
	return nil
}

// Stop terminates the named service and cancels any pending relaunch.
// It returns after the process is gone or the kill timeout elapsed.
func (m *Manager) Stop(name string) error {
	h, err := m.handlerFor(name)
	if err != nil {
		return err
	}
	return h.send(ctrlStop)
}

// StartService launches a stopped or exited service again. It is a no-op
// for a service that is alive or waiting for its relaunch.
func (m *Manager) StartService(name string) error {
	h, err := m.handlerFor(name)
	if err != nil {
		return err
	}
	return h.send(ctrlStart)
}

// Restart stops the service and starts it again.
func (m *Manager) Restart(name string) error {
	if err := m.Stop(name); err != nil {
		return err
	}
	return m.StartService(name)
}

// Status returns a snapshot of the named service.
func (m *Manager) Status(name string) (process.State, error) {
	m.mu.RLock()
	h := m.handlers[name]
	m.mu.RUnlock()
	if h == nil {
		return process.State{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return h.snapshot(), nil
}

// States returns snapshots of all services in start order.
func (m *Manager) States() []process.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]process.State, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.handlers[n].snapshot())
	}
	return out
}

// Names returns service names in start order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// StopAll stops every service in reverse start order and ends the handler
// goroutines. Later control calls fail with ErrShuttingDown.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	m.closing = true
	order := append([]string(nil), m.order...)
	handlers := make([]*handler, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		handlers = append(handlers, m.handlers[order[i]])
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := h.send(ctrlShutdown); err != nil && !errors.Is(err, ErrShuttingDown) {
			errs = append(errs, err)
		}
	}
	m.cancel()
	return errors.Join(errs...)
}

func (m *Manager) handlerFor(name string) (*handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.handlers[name]
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if m.closing {
		return nil, ErrShuttingDown
	}
	return h, nil
}
