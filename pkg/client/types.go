package client

import "time"

// HealthStatus mirrors the reporter's view of the backend readiness endpoint.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	Phase               string    `json:"phase"`
	LastCheckTime       time.Time `json:"last_check_time,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Healthy bool         `json:"healthy"`
	Phase   string       `json:"phase"` // unit phase
	Health  HealthStatus `json:"health"`
}

// EffectiveConfig is the resolved configuration the unit runs with.
type EffectiveConfig struct {
	BackendPort       int      `json:"backend_port"`
	FrontendPort      int      `json:"frontend_port"`
	APIBaseURL        string   `json:"api_base_url"`
	APIBaseOverridden bool     `json:"api_base_overridden"`
	MissingSecrets    []string `json:"missing_secrets"`
}

// ServiceStatus represents the status of a single supervised service
type ServiceStatus struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	ExitCode      int       `json:"exit_code"`
	Restarts      int       `json:"restarts"`
	LastStartTime time.Time `json:"last_start_time,omitempty"`
	LastExitTime  time.Time `json:"last_exit_time,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Phase     string          `json:"phase"`
	Health    HealthStatus    `json:"health"`
	Effective EffectiveConfig `json:"effective"`
	Services  []ServiceStatus `json:"services"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
