package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"

	"github.com/loykin/tandem/internal/env"
)

// Recognized environment variables.
const (
	KeyBackendPort     = "BACKEND_PORT"
	KeyFrontendPort    = "FRONTEND_PORT"
	KeyAPIBaseExternal = "NEXT_PUBLIC_API_BASE_EXTERNAL"
	KeyAPIBase         = "NEXT_PUBLIC_API_BASE"
)

const (
	DefaultBackendPort  = 8001
	DefaultFrontendPort = 3782
)

// EffectiveConfig is computed once at startup and read-only afterwards.
type EffectiveConfig struct {
	BackendPort       int    `json:"backend_port"`
	FrontendPort      int    `json:"frontend_port"`
	APIBaseURL        string `json:"api_base_url"`
	APIBaseOverridden bool   `json:"api_base_overridden"`
	// MissingSecrets holds the required keys absent from the environment,
	// sorted and unique.
	MissingSecrets []string `json:"missing_secrets"`
}

// Resolve derives the effective configuration from e. It has no side
// effects; a missing secret is recorded, never an error. A malformed port
// value is an error.
func Resolve(e *env.Env, required []string) (EffectiveConfig, error) {
	var ec EffectiveConfig
	var err error
	if ec.BackendPort, err = port(e, KeyBackendPort, DefaultBackendPort); err != nil {
		return EffectiveConfig{}, err
	}
	if ec.FrontendPort, err = port(e, KeyFrontendPort, DefaultFrontendPort); err != nil {
		return EffectiveConfig{}, err
	}

	if v, ok := e.Lookup(KeyAPIBaseExternal); ok && v != "" {
		ec.APIBaseURL = v
		ec.APIBaseOverridden = true
	} else {
		ec.APIBaseURL = fmt.Sprintf("http://localhost:%d", ec.BackendPort)
	}

	seen := make(map[string]struct{}, len(required))
	ec.MissingSecrets = []string{}
	for _, k := range required {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if v, ok := e.Lookup(k); !ok || v == "" {
			ec.MissingSecrets = append(ec.MissingSecrets, k)
		}
	}
	sort.Strings(ec.MissingSecrets)
	return ec, nil
}

func port(e *env.Env, key string, def int) (int, error) {
	raw, ok := e.Lookup(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return def, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid %s %q: must be a port number between 1 and 65535", key, raw)
	}
	return p, nil
}

// SecretsPresent reports whether every required secret was found.
func (ec EffectiveConfig) SecretsPresent() bool {
	return len(ec.MissingSecrets) == 0
}

// Exports returns the KEY=VALUE pairs injected into every service's
// environment.
func (ec EffectiveConfig) Exports() []string {
	return []string{
		KeyBackendPort + "=" + strconv.Itoa(ec.BackendPort),
		KeyFrontendPort + "=" + strconv.Itoa(ec.FrontendPort),
		KeyAPIBase + "=" + ec.APIBaseURL,
	}
}

// RenderDerived returns the dotenv content of the derived file.
func RenderDerived(ec EffectiveConfig) (string, error) {
	s, err := gotenv.Marshal(gotenv.Env{KeyAPIBase: ec.APIBaseURL})
	if err != nil {
		return "", err
	}
	return s + "\n", nil
}

// WriteDerived replaces the file at path with the derived dotenv content.
// The data is written to a temporary file in the same directory, synced and
// renamed over path, so readers never observe a partial file.
func WriteDerived(path string, ec EffectiveConfig) error {
	if path == "" {
		return errors.New("derived file path is empty")
	}
	content, err := RenderDerived(ec)
	if err != nil {
		return fmt.Errorf("render derived file: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write derived file %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write derived file %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write derived file %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync derived file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close derived file %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod derived file %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename derived file %s: %w", path, err)
	}
	return nil
}
