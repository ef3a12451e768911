package manager

import (
	"log/slog"
	"time"

	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/process"
)

// recorder emits the log line, metrics and history event for each
// lifecycle transition.
type recorder struct {
	log  *slog.Logger
	hist *history.Fanout
}

func (r *recorder) publish(t history.EventType, st process.State, runID string, pid int) {
	r.hist.Publish(history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Name:      st.Name,
			RunID:     runID,
			PID:       pid,
			ExitCode:  st.ExitCode,
			Restarts:  st.Restarts,
			StartedAt: st.LastStartTime.UTC(),
		},
	})
}

func (r *recorder) started(st process.State, runID string) {
	metrics.IncStart(st.Name)
	r.log.Info("service started", "service", st.Name, "pid", st.PID, "run_id", runID, "restarts", st.Restarts)
	r.publish(history.EventStart, st, runID, st.PID)
}

func (r *recorder) exited(st process.State, runID string, pid int, err error) {
	metrics.IncExit(st.Name)
	attrs := []any{"service", st.Name, "pid", pid, "exit_code", st.ExitCode, "run_id", runID}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	r.log.Warn("service exited", attrs...)
	r.publish(history.EventExit, st, runID, pid)
}

func (r *recorder) restarting(st process.State, runID string, delay time.Duration) {
	metrics.IncRestart(st.Name)
	r.log.Info("service restarting", "service", st.Name, "restarts", st.Restarts, "in", delay)
	r.publish(history.EventRestart, st, runID, 0)
}

func (r *recorder) stopped(st process.State, runID string, pid int, mode string) {
	metrics.IncStop(st.Name, mode)
	r.log.Info("service stopped", "service", st.Name, "pid", pid, "mode", mode, "exit_code", st.ExitCode)
	r.publish(history.EventStop, st, runID, pid)
}
