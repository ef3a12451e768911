package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/tandem/internal/metrics"
)

// Phase is the coarse health position of the unit.
type Phase string

const (
	PhaseStarting  Phase = "starting"  // no successful poll yet, inside or after the start period
	PhaseHealthy   Phase = "healthy"   // failures below the retry threshold
	PhaseUnhealthy Phase = "unhealthy" // consecutive failures reached the threshold
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultStartPeriod = 60 * time.Second
	DefaultRetries     = 3
)

// Status is the last known health of the primary service.
type Status struct {
	Healthy             bool      `json:"healthy"`
	Phase               Phase     `json:"phase"`
	LastCheckTime       time.Time `json:"last_check_time,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Config controls polling of the readiness endpoint.
type Config struct {
	URL         string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

// URLFor builds the readiness URL of a service listening on localhost:port.
func URLFor(port int, path string) string {
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("http://localhost:%d%s", port, path)
}

// Reporter polls one HTTP endpoint and keeps the resulting Status. It only
// observes; it never acts on the services it reports on.
type Reporter struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	status      Status
	created     time.Time
	startPeriod bool
}

func New(cfg Config, log *slog.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StartPeriod < 0 {
		cfg.StartPeriod = 0
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Reporter{
		cfg: cfg,
		client: &http.Client{
			// a redirect already counts as success
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		log:         log,
		now:         time.Now,
		status:      Status{Healthy: true, Phase: PhaseStarting},
		startPeriod: true,
	}
	r.created = r.now()
	metrics.SetHealth(true, 0)
	return r
}

// Config returns the effective polling configuration.
func (r *Reporter) Config() Config { return r.cfg }

// Status returns the last known status without polling.
func (r *Reporter) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Check polls the endpoint once and returns the updated status.
func (r *Reporter) Check(ctx context.Context) Status {
	err := r.probe(ctx)

	r.mu.Lock()
	now := r.now()
	prev := r.status.Phase
	s := &r.status
	s.LastCheckTime = now
	result := "success"
	if err == nil {
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.Phase = PhaseHealthy
		r.startPeriod = false
	} else {
		s.LastError = err.Error()
		if r.startPeriod && now.Sub(r.created) < r.cfg.StartPeriod {
			result = "ignored"
		} else {
			r.startPeriod = false
			result = "failure"
			s.ConsecutiveFailures++
			if s.ConsecutiveFailures >= r.cfg.Retries {
				s.Phase = PhaseUnhealthy
			}
		}
	}
	s.Healthy = s.Phase != PhaseUnhealthy
	out := *s
	r.mu.Unlock()

	metrics.IncCheck(result)
	metrics.SetHealth(out.Healthy, out.ConsecutiveFailures)
	switch {
	case prev != PhaseUnhealthy && out.Phase == PhaseUnhealthy:
		r.log.Warn("unit unhealthy", "url", r.cfg.URL, "consecutive_failures", out.ConsecutiveFailures, "error", out.LastError)
	case prev != PhaseHealthy && out.Phase == PhaseHealthy:
		r.log.Info("unit healthy", "url", r.cfg.URL)
	case result == "failure":
		r.log.Debug("health check failed", "url", r.cfg.URL, "consecutive_failures", out.ConsecutiveFailures, "error", out.LastError)
	}
	return out
}

// Run polls every Interval until ctx is done. The first poll happens one
// interval after Run starts.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Check(ctx)
		}
	}
}

func (r *Reporter) probe(ctx context.Context) error {
	if r.cfg.URL == "" {
		return errors.New("no health url configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
