package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ProbeResult captures one health-probe attempt. Status is 1 for healthy and
// 0 otherwise so it can be fed straight into the feature vector.
type ProbeResult struct {
	Status  float64
	Latency time.Duration
}

// TelemetryClient pulls named scalar metrics and runs health probes against
// monitored services.
type TelemetryClient struct {
	baseURL      string
	queryPath    string
	httpClient   *http.Client
	probeClient  *http.Client
	probeTimeout time.Duration
}

// NewTelemetryClient constructs a client targeting the configured telemetry
// backend.
func NewTelemetryClient(baseURL, queryPath string, timeout, probeTimeout time.Duration) *TelemetryClient {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &TelemetryClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		queryPath:    queryPath,
		httpClient:   &http.Client{Timeout: timeout},
		probeClient:  &http.Client{Timeout: probeTimeout},
		probeTimeout: probeTimeout,
	}
}

// ProbeTimeout exposes the configured probe deadline; a timed-out probe is
// reported with Latency equal to this value.
func (c *TelemetryClient) ProbeTimeout() time.Duration {
	return c.probeTimeout
}

// QueryMetric fetches the current value of a named metric for a service.
func (c *TelemetryClient) QueryMetric(ctx context.Context, service, metric string) (float64, error) {
	if c == nil {
		return 0, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return 0, fmt.Errorf("telemetry base URL not configured")
	}

	payload := map[string]string{
		"service": service,
		"metric":  metric,
	}

	var response struct {
		Value float64 `json:"value"`
	}

	if err := c.postJSON(ctx, c.queryURL(), payload, &response); err != nil {
		return 0, fmt.Errorf("telemetry query %s/%s failed: %w", service, metric, err)
	}
	return response.Value, nil
}

// Probe performs a health check against the given target. Timeouts and
// transport errors are reported as an unhealthy result with Latency pinned
// to the probe timeout; non-2xx statuses are unhealthy with the measured
// latency. The returned error is informational only; a usable ProbeResult is
// always produced.
func (c *TelemetryClient) Probe(ctx context.Context, target string) (ProbeResult, error) {
	if target == "" {
		return ProbeResult{Status: 0}, fmt.Errorf("probe target not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeResult{Status: 0}, fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := c.probeClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			latency = c.probeTimeout
		}
		return ProbeResult{Status: 0, Latency: latency}, fmt.Errorf("probe %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{Status: 0, Latency: latency}, fmt.Errorf("probe %s returned %s", target, resp.Status)
	}
	return ProbeResult{Status: 1, Latency: latency}, nil
}

func (c *TelemetryClient) queryURL() string {
	return resolvePath(c.baseURL, c.queryPath)
}

func (c *TelemetryClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	return postJSON(ctx, c.httpClient, endpoint, payload, out)
}

func resolvePath(baseURL, p string) string {
	if baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
