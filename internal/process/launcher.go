package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/tandem/internal/logger"
)

// Handle is a launched process owned by exactly one supervisor goroutine.
type Handle interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	// It must be called exactly once.
	Wait() (int, error)
	// Signal delivers sig to the process group.
	Signal(sig syscall.Signal) error
}

// Launcher starts processes. The supervisor only talks to this interface so
// restart and stop logic can be exercised without real OS processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec, env []string) (Handle, error)
}

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after
// the service process itself has exited. A grandchild that inherited the
// pipe would otherwise hold Wait open past the service's death.
const DefaultWaitDelay = 2 * time.Second

// ExecLauncher launches services with os/exec.
type ExecLauncher struct {
	// Logger receives child output for streams without a file target.
	Logger *slog.Logger
	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration
}

// NewExecLauncher returns an ExecLauncher logging to l (slog.Default when nil).
func NewExecLauncher(l *slog.Logger) *ExecLauncher {
	if l == nil {
		l = slog.Default()
	}
	return &ExecLauncher{Logger: l}
}

// Launch starts spec.Command with env as the complete environment.
// The context is not bound to the process lifetime; stopping is the
// supervisor's job via Signal.
func (l *ExecLauncher) Launch(_ context.Context, spec Spec, env []string) (Handle, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = env
	cmd.WaitDelay = DefaultWaitDelay
	if l.WaitDelay > 0 {
		cmd.WaitDelay = l.WaitDelay
	}
	configureSysProcAttr(cmd)

	outW, errW, err := logger.ServiceWriters(spec.Name, spec.Log.StdoutPath, spec.Log.StderrPath, l.Logger)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	return &execHandle{cmd: cmd, closers: []io.Closer{outW, errW}}, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	closers []io.Closer
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	for _, c := range h.closers {
		_ = c.Close()
	}
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		// ErrWaitDelay: clean exit, output still held open by a descendant.
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			return exitCodeOf(ws), nil
		}
		return ee.ExitCode(), nil
	}
	return -1, err
}

func (h *execHandle) Signal(sig syscall.Signal) error {
	return signalGroup(h.cmd.Process.Pid, sig)
}
