package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ContainerStatus summarises a control-plane inspect call.
type ContainerStatus struct {
	Name         string    `json:"name"`
	Running      bool      `json:"running"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at"`
}

// ControlPlaneClient drives container lifecycle operations over the
// control-plane HTTP API. Calls run through a circuit breaker so a dead
// control plane fails fast instead of stalling the execution loop.
type ControlPlaneClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewControlPlaneClient constructs a client for the configured control plane.
func NewControlPlaneClient(baseURL string, timeout time.Duration) *ControlPlaneClient {
	settings := gobreaker.Settings{
		Name:    "control-plane",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &ControlPlaneClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// StartContainer starts a stopped container.
func (c *ControlPlaneClient) StartContainer(ctx context.Context, name string) error {
	return c.post(ctx, name, "start", nil)
}

// RestartContainer performs a hard restart with the supplied stop timeout.
func (c *ControlPlaneClient) RestartContainer(ctx context.Context, name string, timeout time.Duration) error {
	payload := map[string]any{"timeout_seconds": int(timeout.Seconds())}
	return c.post(ctx, name, "restart", payload)
}

// SignalStop sends the graceful-stop signal without waiting for exit.
func (c *ControlPlaneClient) SignalStop(ctx context.Context, name string) error {
	return c.post(ctx, name, "stop", map[string]any{"graceful": true})
}

// Status inspects the current container state.
func (c *ControlPlaneClient) Status(ctx context.Context, name string) (ContainerStatus, error) {
	if c == nil || c.baseURL == "" {
		return ContainerStatus{}, fmt.Errorf("control plane not configured")
	}

	var status ContainerStatus
	_, err := c.breaker.Execute(func() (any, error) {
		endpoint := c.containerURL(name, "status")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("control plane returned %s", resp.Status)
		}
		return nil, decodeJSON(resp, &status)
	})
	if err != nil {
		return ContainerStatus{}, fmt.Errorf("inspect %s: %w", name, err)
	}
	return status, nil
}

func (c *ControlPlaneClient) post(ctx context.Context, name, op string, payload any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("control plane not configured")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, postJSON(ctx, c.httpClient, c.containerURL(name, op), payload, nil)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	return nil
}

func (c *ControlPlaneClient) containerURL(name, op string) string {
	return resolvePath(c.baseURL, fmt.Sprintf("/containers/%s/%s", url.PathEscape(name), op))
}

func decodeJSON(resp *http.Response, out any) error {
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
