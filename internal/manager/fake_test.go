package manager

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tandem/internal/process"
)

// fakeHandle is a process that exits when the test says so or when it is
// signaled (unless it ignores that signal).
type fakeHandle struct {
	pid        int
	name       string
	exit       chan int
	once       sync.Once
	ignoreTerm bool
	ignoreKill bool
	journal    *journal

	mu      sync.Mutex
	signals []syscall.Signal
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Wait() (int, error) { return <-h.exit, nil }

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if h.journal != nil {
		h.journal.add(h.name + ":" + sig.String())
	}
	switch {
	case sig == syscall.SIGKILL && !h.ignoreKill:
		h.finish(128 + int(sig))
	case sig == syscall.SIGTERM && !h.ignoreTerm:
		h.finish(128 + int(sig))
	}
	return nil
}

func (h *fakeHandle) finish(code int) {
	h.once.Do(func() { h.exit <- code })
}

func (h *fakeHandle) Signals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

// journal records an ordered log of interesting calls across services.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type launchRecord struct {
	at     time.Time
	env    []string
	handle *fakeHandle
}

type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	launches   map[string][]launchRecord
	fail       map[string]error
	exitCode   map[string]int // exit immediately with this code
	ignoreTerm map[string]bool
	ignoreKill map[string]bool
	block      map[string]chan struct{}
	journal    *journal
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:    1000,
		launches:   make(map[string][]launchRecord),
		fail:       make(map[string]error),
		exitCode:   make(map[string]int),
		ignoreTerm: make(map[string]bool),
		ignoreKill: make(map[string]bool),
		block:      make(map[string]chan struct{}),
		journal:    &journal{},
	}
}

func (f *fakeLauncher) Launch(_ context.Context, spec process.Spec, env []string) (process.Handle, error) {
	f.mu.Lock()
	block := f.block[spec.Name]
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal.add(spec.Name + ":launch")
	if err := f.fail[spec.Name]; err != nil {
		f.launches[spec.Name] = append(f.launches[spec.Name], launchRecord{at: time.Now(), env: env})
		return nil, err
	}
	f.nextPID++
	h := &fakeHandle{
		pid:        f.nextPID,
		name:       spec.Name,
		exit:       make(chan int, 1),
		ignoreTerm: f.ignoreTerm[spec.Name],
		ignoreKill: f.ignoreKill[spec.Name],
		journal:    f.journal,
	}
	f.launches[spec.Name] = append(f.launches[spec.Name], launchRecord{at: time.Now(), env: env, handle: h})
	if code, ok := f.exitCode[spec.Name]; ok {
		h.finish(code)
	}
	return h, nil
}

func (f *fakeLauncher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches[name])
}

func (f *fakeLauncher) launch(name string, i int) launchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[name][i]
}

func (f *fakeLauncher) last(name string) launchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.launches[name]
	return l[len(l)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func spec(name string, restart process.RestartPolicy) process.Spec {
	role := process.RoleSecondary
	if name == "backend" {
		role = process.RolePrimary
	}
	return process.Spec{Name: name, Role: role, Command: "serve " + name, Restart: restart}
}
