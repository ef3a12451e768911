package process

import "time"

// Status is the lifecycle position of one managed service.
type Status string

const (
	StatusPending    Status = "pending"    // launched, still inside its start grace window
	StatusRunning    Status = "running"    // alive past the grace window
	StatusExited     Status = "exited"     // exited and not going to be relaunched
	StatusRestarting Status = "restarting" // exited, relaunch scheduled after backoff
	StatusStopped    Status = "stopped"    // stopped on request
)

// State is a point-in-time snapshot of a managed service.
type State struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	ExitCode      int       `json:"exit_code"`
	Restarts      int       `json:"restarts"`
	LastStartTime time.Time `json:"last_start_time,omitempty"`
	LastExitTime  time.Time `json:"last_exit_time,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Alive reports whether the snapshot refers to a live process.
func (s State) Alive() bool {
	return s.Status == StatusPending || s.Status == StatusRunning
}
