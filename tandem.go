package tandem

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/tandem/internal/config"
	"github.com/loykin/tandem/internal/env"
	"github.com/loykin/tandem/internal/manager"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/process"
	"github.com/loykin/tandem/internal/unit"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.FileConfig

type ServiceConfig = cfg.ServiceConfig

type EffectiveConfig = cfg.EffectiveConfig

type Spec = process.Spec

type State = process.State

type Unit = unit.Unit

type Phase = unit.Phase

type Options = unit.Options

// Manager is the service supervisor without the unit around it: no config
// resolution, no derived file and no health reporting.
type Manager = manager.Manager

type ManagerOptions = manager.Options

var (
	ErrStartup        = unit.ErrStartup
	ErrUnknownService = manager.ErrUnknownService
	ErrShuttingDown   = manager.ErrShuttingDown
)

// LoadConfig reads a TOML/YAML/JSON config file over the built-in defaults.
// An empty path yields the defaults plus TANDEM_* environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultServices returns the built-in backend and frontend services.
func DefaultServices() []ServiceConfig { return cfg.DefaultServices() }

// Resolve computes the effective configuration from the current process
// environment without side effects.
func Resolve(c *Config) (EffectiveConfig, error) {
	_, _, ec, err := unit.Prepare(c, env.FromOS())
	return ec, err
}

// NewUnit wires a unit from opts; call Run to drive it.
func NewUnit(opts Options) *Unit { return unit.New(opts) }

// NewDefaultUnit runs services with the exec launcher and history from c.
func NewDefaultUnit(c *Config, logger *slog.Logger) *Unit {
	return unit.New(unit.Options{Config: c, Logger: logger})
}

func NewManager(opts ManagerOptions) *Manager { return manager.New(opts) }

// ExitCode maps the result of Unit.Run to a process exit code.
func ExitCode(err error) int { return unit.ExitCode(err) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
