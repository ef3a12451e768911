package process

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RestartPolicy decides what happens when a service's process exits.
type RestartPolicy string

const (
	RestartAlways RestartPolicy = "always" // relaunch after a constant backoff, unbounded
	RestartNever  RestartPolicy = "never"  // stay exited
)

// Role marks the primary (API) service whose readiness drives unit health.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// LogTargets are the per-service append-only destinations for child output.
// An empty path routes that stream into the supervisor's structured log.
type LogTargets struct {
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}

// Spec describes one managed service. It is treated as immutable once it
// has been handed to the supervisor.
type Spec struct {
	Name       string        `json:"name"`
	Role       Role          `json:"role"`
	Command    string        `json:"command"`               // command to start the process (shell)
	WorkDir    string        `json:"work_dir,omitempty"`    // optional working dir
	Env        []string      `json:"env,omitempty"`         // overlay, "KEY=VALUE", keys unique
	Restart    RestartPolicy `json:"restart"`               // always or never
	StartDelay time.Duration `json:"start_delay,omitempty"` // post-start grace window
	Log        LogTargets    `json:"log"`
}

// Validate checks the fields the supervisor relies on.
func (s *Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("service requires name")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") {
		return fmt.Errorf("service %q: name contains whitespace or path separators", name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q requires command", name)
	}
	switch s.Restart {
	case RestartAlways, RestartNever:
	default:
		return fmt.Errorf("service %q: invalid restart policy %q, must be one of: always, never", name, s.Restart)
	}
	switch s.Role {
	case RolePrimary, RoleSecondary:
	default:
		return fmt.Errorf("service %q: invalid role %q, must be one of: primary, secondary", name, s.Role)
	}
	if s.StartDelay < 0 {
		return fmt.Errorf("service %q: start_delay cannot be negative", name)
	}
	seen := make(map[string]struct{}, len(s.Env))
	for i, kv := range s.Env {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("service %q: env[%d] %q is invalid, must be in KEY=VALUE format", name, i, kv)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("service %q: env key %q set more than once", name, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
