package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL matches the status server's default listen address.
const DefaultBaseURL = "http://127.0.0.1:9790"

// ErrUnavailable is returned when the status server cannot be reached.
var ErrUnavailable = errors.New("status server unavailable")

// Client talks to a running unit's status server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 5 * time.Second,
	}
}

// New creates a status server client. A bare host:port is accepted as
// BaseURL and treated as http.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if !strings.Contains(config.BaseURL, "://") {
		config.BaseURL = "http://" + config.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Health fetches /healthz. An unhealthy unit is not an error: the response
// is returned with Healthy false.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", &out, http.StatusOK, http.StatusServiceUnavailable)
	return out, err
}

// Status fetches the unit phase, health, effective config and services.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", &out, http.StatusOK)
	return out, err
}

// Service fetches the status of one service.
func (c *Client) Service(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(name), &out, http.StatusOK)
	return out, err
}

// StopService stops one service; it stays stopped until started again.
func (c *Client) StopService(ctx context.Context, name string) error {
	c.logger.Debug("Stopping service", "name", name)
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/stop", nil, http.StatusOK)
}

// StartService starts a stopped service.
func (c *Client) StartService(ctx context.Context, name string) error {
	c.logger.Debug("Starting service", "name", name)
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/start", nil, http.StatusOK)
}

// do performs the request and decodes the body into out when the status
// code is one of ok.
func (c *Client) do(ctx context.Context, method, path string, out any, ok ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range ok {
		if resp.StatusCode != code {
			continue
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return c.handleErrorResponse(resp)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

// APIError is a non-success answer from the status server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the status server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
