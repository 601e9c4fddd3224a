// Package client talks to the pipewatch daemon API. It is what the CLI
// uses; anything it can do maps one to one onto an API endpoint.
package client

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/pipewatch/pkg/models"
	"github.com/psantana5/pipewatch/pkg/procpipe"
)

// reasonChunk bounds a single blocking reason request so long waits are
// made of repeated short polls instead of one connection pinned for
// minutes.
const reasonChunk = 25 * time.Second

// Client manages communication with the daemon
type Client struct {
	baseURL    string
	token      string
	clientName string
	httpClient *http.Client
}

// NewClient creates a new daemon client
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetClientName sets the client name sent with session tokens
func (c *Client) SetClientName(name string) {
	c.clientName = name
}

// SetTLSConfig installs a TLS configuration for HTTPS daemons
func (c *Client) SetTLSConfig(tlsConfig *tls.Config) {
	c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
}

// Status mirrors the daemon's combined stored and live pipeline view.
type Status struct {
	Pipeline        *models.Pipeline `json:"pipeline"`
	Supervised      bool             `json:"supervised"`
	WatcherRunning  bool             `json:"watcher_running"`
	ProcessRunning  bool             `json:"process_running"`
	PositionSeconds *float64         `json:"position_seconds,omitempty"`
	Stats           *procpipe.Stats  `json:"stats,omitempty"`
}

// DaemonStatus mirrors the daemon's /api/status response.
type DaemonStatus struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Pipelines     struct {
		Total    int            `json:"total"`
		Active   int            `json:"active"`
		ByStatus map[string]int `json:"by_status"`
		ByEngine map[string]int `json:"by_engine"`
	} `json:"pipelines"`
	Host struct {
		Hostname       string  `json:"hostname"`
		Platform       string  `json:"platform"`
		UptimeSeconds  uint64  `json:"uptime_seconds"`
		CPUPercent     float64 `json:"cpu_percent"`
		MemUsedBytes   uint64  `json:"mem_used_bytes"`
		MemTotalBytes  uint64  `json:"mem_total_bytes"`
		MemUsedPercent float64 `json:"mem_used_percent"`
	} `json:"host"`
}

// CreateRequest describes a pipeline to register.
type CreateRequest struct {
	Name       string   `json:"name"`
	Engine     string   `json:"engine"`
	Args       []string `json:"args,omitempty"`
	Binary     string   `json:"binary,omitempty"`
	AllowBlock bool     `json:"allow_block"`
	Autostart  bool     `json:"autostart"`
}

// CreatePipeline registers a pipeline with the daemon
func (c *Client) CreatePipeline(req CreateRequest) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := c.do("POST", "/api/pipelines", req, &p); err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return &p, nil
}

// ListPipelines returns all pipelines known to the daemon
func (c *Client) ListPipelines() ([]*models.Pipeline, error) {
	var result struct {
		Pipelines []*models.Pipeline `json:"pipelines"`
	}
	if err := c.do("GET", "/api/pipelines", nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return result.Pipelines, nil
}

// GetPipeline returns one pipeline's combined view
func (c *Client) GetPipeline(id string) (*Status, error) {
	var status Status
	if err := c.do("GET", "/api/pipelines/"+url.PathEscape(id), nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return &status, nil
}

// StartPipeline launches a registered pipeline's subprocess
func (c *Client) StartPipeline(id string) error {
	if err := c.do("POST", "/api/pipelines/"+url.PathEscape(id)+"/start", nil, nil); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	return nil
}

// KillPipeline tears a pipeline down with the given reason
func (c *Client) KillPipeline(id, reason string) error {
	body := map[string]string{"reason": reason}
	if err := c.do("POST", "/api/pipelines/"+url.PathEscape(id)+"/kill", body, nil); err != nil {
		return fmt.Errorf("failed to kill pipeline: %w", err)
	}
	return nil
}

// PausePipeline suspends a running pipeline
func (c *Client) PausePipeline(id string) error {
	if err := c.do("POST", "/api/pipelines/"+url.PathEscape(id)+"/pause", nil, nil); err != nil {
		return fmt.Errorf("failed to pause pipeline: %w", err)
	}
	return nil
}

// ResumePipeline resumes a paused pipeline
func (c *Client) ResumePipeline(id string) error {
	if err := c.do("POST", "/api/pipelines/"+url.PathEscape(id)+"/resume", nil, nil); err != nil {
		return fmt.Errorf("failed to resume pipeline: %w", err)
	}
	return nil
}

// DeletePipeline removes an ended pipeline from the daemon
func (c *Client) DeletePipeline(id string) error {
	if err := c.do("DELETE", "/api/pipelines/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	return nil
}

// GetEvents returns a pipeline's audit trail
func (c *Client) GetEvents(id string, limit int) ([]*models.PipelineEvent, error) {
	path := fmt.Sprintf("/api/pipelines/%s/events?limit=%d", url.PathEscape(id), limit)
	var result struct {
		Events []*models.PipelineEvent `json:"events"`
	}
	if err := c.do("GET", path, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return result.Events, nil
}

// WaitForReason blocks until the pipeline's ending reason is known, up to
// the given timeout. Zero means wait indefinitely.
func (c *Client) WaitForReason(id string, timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		chunk := reasonChunk
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return "", fmt.Errorf("timed out after %s waiting for the ending reason", timeout)
			}
			if remaining < chunk {
				chunk = remaining
			}
		}

		path := fmt.Sprintf("/api/pipelines/%s/reason?timeout=%s", url.PathEscape(id), chunk)
		var result struct {
			Reason string `json:"reason"`
		}
		err := c.do("GET", path, nil, &result)
		if err == nil {
			return result.Reason, nil
		}
		var httpErr *StatusError
		if !errors.As(err, &httpErr) || httpErr.Code != http.StatusGatewayTimeout {
			return "", fmt.Errorf("failed to wait for reason: %w", err)
		}
	}
}

// GetStatus returns the daemon and host snapshot
func (c *Client) GetStatus() (*DaemonStatus, error) {
	var status DaemonStatus
	if err := c.do("GET", "/api/status", nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get daemon status: %w", err)
	}
	return &status, nil
}

// CreateToken mints a session token for the named client
func (c *Client) CreateToken(clientName string, duration time.Duration) (string, error) {
	body := map[string]string{
		"client":   clientName,
		"duration": duration.String(),
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := c.do("POST", "/api/auth/tokens", body, &result); err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return result.Token, nil
}

// Health reports whether the daemon answers its health endpoint
func (c *Client) Health() error {
	if err := c.do("GET", "/health", nil, nil); err != nil {
		return fmt.Errorf("daemon is not healthy: %w", err)
	}
	return nil
}

// StatusError is a non-2xx response from the daemon.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}

// do sends one request and decodes the JSON response into out when given.
func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientName != "" {
		req.Header.Set("X-Pipewatch-Client", c.clientName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
