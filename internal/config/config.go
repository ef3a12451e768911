package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/loykin/tandem/internal/env"
	"github.com/loykin/tandem/internal/logger"
	"github.com/loykin/tandem/internal/process"
)

// EnvPrefix prefixes environment variables that override scalar keys,
// e.g. TANDEM_SERVER_LISTEN for server.listen.
const EnvPrefix = "TANDEM"

const (
	DefaultDerivedFile = "/app/web/.env.local"
	DefaultListen      = "127.0.0.1:9790"
)

// DefaultRequiredSecrets lists the keys whose absence is warned about at startup.
var DefaultRequiredSecrets = []string{"LLM_BINDING_API_KEY"}

// FileConfig represents the top-level configuration file.
type FileConfig struct {
	DerivedFile     string           `toml:"derived_file" mapstructure:"derived_file"`
	RequiredSecrets []string         `toml:"required_secrets" mapstructure:"required_secrets"`
	Env             []string         `toml:"env" mapstructure:"env"`
	EnvFiles        []string         `toml:"env_files" mapstructure:"env_files"`
	Log             logger.Config    `toml:"log" mapstructure:"log"`
	Supervisor      SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Health          HealthConfig     `toml:"health" mapstructure:"health"`
	Server          ServerConfig     `toml:"server" mapstructure:"server"`
	History         HistoryConfig    `toml:"history" mapstructure:"history"`
	Services        []ServiceConfig  `toml:"services" mapstructure:"services"`
}

type SupervisorConfig struct {
	Backoff     time.Duration `toml:"backoff" mapstructure:"backoff"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	KillTimeout time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
}

type HealthConfig struct {
	Path        string        `toml:"path" mapstructure:"path"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout     time.Duration `toml:"timeout" mapstructure:"timeout"`
	StartPeriod time.Duration `toml:"start_period" mapstructure:"start_period"`
	Retries     int           `toml:"retries" mapstructure:"retries"`
}

type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServiceConfig struct {
	Name       string        `toml:"name" mapstructure:"name"`
	Role       string        `toml:"role" mapstructure:"role"`
	Command    string        `toml:"command" mapstructure:"command"`
	WorkDir    string        `toml:"workdir" mapstructure:"workdir"`
	Env        []string      `toml:"env" mapstructure:"env"`
	Restart    string        `toml:"restart" mapstructure:"restart"`
	StartDelay time.Duration `toml:"start_delay" mapstructure:"start_delay"`
	Stdout     string        `toml:"stdout" mapstructure:"stdout"`
	Stderr     string        `toml:"stderr" mapstructure:"stderr"`
}

// DefaultServices describes the standard API backend and web frontend pair.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{
			Name:    "backend",
			Role:    string(process.RolePrimary),
			Command: "python -m uvicorn api.main:app --host 0.0.0.0 --port ${BACKEND_PORT}",
			WorkDir: "/app",
			Restart: string(process.RestartAlways),
		},
		{
			Name:       "frontend",
			Role:       string(process.RoleSecondary),
			Command:    "npm start -- -p ${FRONTEND_PORT}",
			WorkDir:    "/app/web",
			Restart:    string(process.RestartAlways),
			StartDelay: 5 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("derived_file", DefaultDerivedFile)
	v.SetDefault("required_secrets", DefaultRequiredSecrets)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("supervisor.backoff", time.Second)
	v.SetDefault("supervisor.stop_timeout", 10*time.Second)
	v.SetDefault("supervisor.kill_timeout", 5*time.Second)

	v.SetDefault("health.path", "/")
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 10*time.Second)
	v.SetDefault("health.start_period", 60*time.Second)
	v.SetDefault("health.retries", 3)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("history.dsn", "")
}

// Load reads the configuration file at path (TOML, YAML or JSON by
// extension) on top of the built-in defaults, then applies TANDEM_*
// environment overrides. An empty path yields the defaults.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(fc.Services) == 0 && !v.IsSet("services") {
		fc.Services = DefaultServices()
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks scalar settings. Service specs are validated by Specs.
func (fc *FileConfig) Validate() error {
	if strings.TrimSpace(fc.DerivedFile) == "" {
		return errors.New("derived_file must not be empty")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"supervisor.backoff", fc.Supervisor.Backoff},
		{"supervisor.stop_timeout", fc.Supervisor.StopTimeout},
		{"supervisor.kill_timeout", fc.Supervisor.KillTimeout},
		{"health.interval", fc.Health.Interval},
		{"health.timeout", fc.Health.Timeout},
		{"health.start_period", fc.Health.StartPeriod},
	} {
		if d.val < 0 {
			return fmt.Errorf("%s cannot be negative", d.key)
		}
	}
	if fc.Health.Retries < 0 {
		return errors.New("health.retries cannot be negative")
	}
	if fc.Health.Path != "" && !strings.HasPrefix(fc.Health.Path, "/") {
		return fmt.Errorf("health.path %q must start with /", fc.Health.Path)
	}
	return nil
}

// Specs converts the service entries into validated process specs in
// declaration order. Exactly one service must be primary.
func (fc *FileConfig) Specs() ([]process.Spec, error) {
	if len(fc.Services) == 0 {
		return nil, errors.New("at least one service must be configured")
	}
	specs := make([]process.Spec, 0, len(fc.Services))
	seen := make(map[string]struct{}, len(fc.Services))
	primaries := 0
	for _, sc := range fc.Services {
		s := sc.Spec()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Role == process.RolePrimary {
			primaries++
		}
		specs = append(specs, s)
	}
	if primaries != 1 {
		return nil, fmt.Errorf("exactly one primary service required, found %d", primaries)
	}
	return specs, nil
}

// Spec fills defaults (role secondary, restart always) and returns the
// process spec for this entry.
func (sc ServiceConfig) Spec() process.Spec {
	role := process.Role(strings.ToLower(strings.TrimSpace(sc.Role)))
	if role == "" {
		role = process.RoleSecondary
	}
	restart := process.RestartPolicy(strings.ToLower(strings.TrimSpace(sc.Restart)))
	if restart == "" {
		restart = process.RestartAlways
	}
	var overlay []string
	if len(sc.Env) > 0 {
		overlay = append([]string(nil), sc.Env...)
	}
	return process.Spec{
		Name:       strings.TrimSpace(sc.Name),
		Role:       role,
		Command:    sc.Command,
		WorkDir:    sc.WorkDir,
		Env:        overlay,
		Restart:    restart,
		StartDelay: sc.StartDelay,
		Log:        process.LogTargets{StdoutPath: sc.Stdout, StderrPath: sc.Stderr},
	}
}

// Environment layers the configured env_files and env entries over base.
// Precedence: base, then files in order, then the env list.
func (fc *FileConfig) Environment(base *env.Env) (*env.Env, error) {
	out := base
	for _, p := range fc.EnvFiles {
		vars, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = out.WithMap(vars)
	}
	for i, kv := range fc.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("env[%d] %q is invalid, must be in KEY=VALUE format", i, kv)
		}
	}
	return out.WithList(fc.Env), nil
}

// LoadEnvFile parses a dotenv file.
func LoadEnvFile(path string) (map[string]string, error) {
	vars, err := gotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vars, nil
}
