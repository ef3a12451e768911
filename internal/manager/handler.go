package manager

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/process"
)

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlShutdown
)

type ctrlMsg struct {
	typ   ctrlType
	reply chan error
}

// exitMsg reports the end of launch number gen.
type exitMsg struct {
	gen  uint64
	code int
	err  error
}

// handler owns one service: its process handle, timers and state.
// Everything except the state snapshot is touched only by run.
type handler struct {
	spec        process.Spec
	env         []string
	launcher    process.Launcher
	backoff     time.Duration
	stopTimeout time.Duration
	killTimeout time.Duration
	rec         *recorder

	ctrl  chan ctrlMsg
	exits chan exitMsg
	done  chan struct{}

	mu    sync.RWMutex
	state process.State

	proc       process.Handle
	gen        uint64
	runID      string
	graceUntil time.Time
	graceT     *time.Timer
	relaunchT  *time.Timer
}

func newHandler(spec process.Spec, env []string, opts Options, rec *recorder) *handler {
	h := &handler{
		spec:        spec,
		env:         env,
		launcher:    opts.Launcher,
		backoff:     opts.Backoff,
		stopTimeout: opts.StopTimeout,
		killTimeout: opts.KillTimeout,
		rec:         rec,
		ctrl:        make(chan ctrlMsg, 16),
		exits:       make(chan exitMsg, 1),
		done:        make(chan struct{}),
		state:       process.State{Name: spec.Name, Status: process.StatusPending},
	}
	metrics.SetState(spec.Name, "", string(process.StatusPending))
	return h
}

func (h *handler) run(ctx context.Context) {
	defer close(h.done)
	h.launch(ctx)
	for {
		select {
		case msg := <-h.ctrl:
			switch msg.typ {
			case ctrlStart:
				msg.reply <- h.startAgain(ctx)
			case ctrlStop:
				msg.reply <- h.stop()
			case ctrlShutdown:
				msg.reply <- h.stop()
				return
			}
		case ex := <-h.exits:
			if ex.gen == h.gen && h.proc != nil {
				h.onExit(ex)
			}
		case <-timerC(h.graceT):
			h.graceT = nil
			h.onGraceEnd()
		case <-timerC(h.relaunchT):
			h.relaunchT = nil
			h.launch(ctx)
		}
	}
}

// send delivers a control message and waits for the handler's answer.
func (h *handler) send(t ctrlType) error {
	reply := make(chan error, 1)
	select {
	case h.ctrl <- ctrlMsg{typ: t, reply: reply}:
	case <-h.done:
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

func (h *handler) snapshot() process.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// transition moves the service to status `to` after applying mutate.
func (h *handler) transition(to process.Status, mutate func(*process.State)) process.State {
	h.mu.Lock()
	from := h.state.Status
	if mutate != nil {
		mutate(&h.state)
	}
	h.state.Status = to
	st := h.state
	h.mu.Unlock()
	metrics.SetState(h.spec.Name, string(from), string(to))
	return st
}

func (h *handler) launch(ctx context.Context) {
	h.gen++
	gen := h.gen
	h.runID = history.NewRunID()
	now := time.Now()
	h.graceUntil = now.Add(h.spec.StartDelay)

	p, err := h.launcher.Launch(ctx, h.spec, h.env)
	if err != nil {
		h.transition(process.StatusPending, func(s *process.State) {
			s.PID = 0
			s.LastStartTime = now
		})
		h.onExit(exitMsg{gen: gen, code: -1, err: err})
		return
	}
	h.proc = p

	to := process.StatusRunning
	if h.spec.StartDelay > 0 {
		to = process.StatusPending
		h.graceT = time.NewTimer(h.spec.StartDelay)
	}
	st := h.transition(to, func(s *process.State) {
		s.PID = p.PID()
		s.LastStartTime = now
		s.LastError = ""
	})
	h.rec.started(st, h.runID)

	go func() {
		code, err := p.Wait()
		select {
		case h.exits <- exitMsg{gen: gen, code: code, err: err}:
		case <-h.done:
		}
	}()
}

func (h *handler) onGraceEnd() {
	if h.proc == nil || h.snapshot().Status != process.StatusPending {
		return
	}
	h.transition(process.StatusRunning, nil)
}

func (h *handler) onExit(ex exitMsg) {
	stopTimer(&h.graceT)
	h.proc = nil
	now := time.Now()
	pid := h.snapshot().PID

	mutate := func(s *process.State) {
		s.PID = 0
		s.ExitCode = ex.code
		s.LastExitTime = now
		s.LastError = ""
		if ex.err != nil {
			s.LastError = ex.err.Error()
		}
	}

	if h.spec.Restart != process.RestartAlways {
		st := h.transition(process.StatusExited, mutate)
		h.rec.exited(st, h.runID, pid, ex.err)
		return
	}

	// a crash inside the grace window waits for the window to close
	delay := h.backoff
	if rem := time.Until(h.graceUntil); rem > 0 {
		delay += rem
	}
	st := h.transition(process.StatusRestarting, func(s *process.State) {
		mutate(s)
		s.Restarts++
	})
	h.rec.exited(st, h.runID, pid, ex.err)
	h.rec.restarting(st, h.runID, delay)
	h.relaunchT = time.NewTimer(delay)
}

func (h *handler) startAgain(ctx context.Context) error {
	switch h.snapshot().Status {
	case process.StatusStopped, process.StatusExited:
		h.launch(ctx)
	}
	return nil
}

// stop sends SIGTERM to the process group, waits stopTimeout, then SIGKILL
// and waits killTimeout. A pending relaunch is cancelled.
func (h *handler) stop() error {
	stopTimer(&h.graceT)
	stopTimer(&h.relaunchT)

	if h.proc == nil {
		if h.snapshot().Status == process.StatusStopped {
			return nil
		}
		st := h.transition(process.StatusStopped, nil)
		h.rec.stopped(st, h.runID, 0, "idle")
		return nil
	}

	p := h.proc
	pid := h.snapshot().PID
	mode := "graceful"
	var stopErr error

	if err := p.Signal(syscall.SIGTERM); err != nil {
		h.rec.log.Debug("signal failed", "service", h.spec.Name, "signal", "SIGTERM", "error", err)
	}
	ex, ok := h.awaitExit(h.stopTimeout)
	if !ok {
		mode = "killed"
		if err := p.Signal(syscall.SIGKILL); err != nil {
			h.rec.log.Debug("signal failed", "service", h.spec.Name, "signal", "SIGKILL", "error", err)
		}
		ex, ok = h.awaitExit(h.killTimeout)
		if !ok {
			ex = exitMsg{code: -1}
			stopErr = fmt.Errorf("service %s (pid %d) did not exit after SIGKILL", h.spec.Name, pid)
		}
	}
	h.proc = nil

	now := time.Now()
	st := h.transition(process.StatusStopped, func(s *process.State) {
		s.PID = 0
		s.ExitCode = ex.code
		s.LastExitTime = now
		s.LastError = ""
		if stopErr != nil {
			s.LastError = stopErr.Error()
		}
	})
	h.rec.stopped(st, h.runID, pid, mode)
	return stopErr
}

func (h *handler) awaitExit(d time.Duration) (exitMsg, bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case ex := <-h.exits:
			if ex.gen == h.gen {
				return ex, true
			}
		case <-t.C:
			return exitMsg{}, false
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
