package cloudhypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	apiBaseURL    = "http://localhost/api/v1"
	clientTimeout = 30 * time.Second
)

// metricsRoundTripper wraps an http.RoundTripper to record API metrics
type metricsRoundTripper struct {
	base    http.RoundTripper
	metrics *Metrics
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := m.base.RoundTrip(req)

	operation := req.Method + " " + strings.TrimPrefix(req.URL.Path, "/api/v1")
	failed := err != nil || (resp != nil && resp.StatusCode >= 400)
	m.metrics.RecordAPICall(req.Context(), operation, start, failed)

	return resp, err
}

// Client talks to one cloud-hypervisor process over its API socket.
type Client struct {
	http       *http.Client
	socketPath string
}

// NewClient creates a client for an existing API socket.
func NewClient(socketPath string, metrics *Metrics) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		// cloud-hypervisor has a small connection limit; pooled idle
		// connections would accumulate across VMs.
		DisableKeepAlives: true,
	}

	return &Client{
		http: &http.Client{
			Transport: &metricsRoundTripper{base: transport, metrics: metrics},
			Timeout:   clientTimeout,
		},
		socketPath: socketPath,
	}
}

// APIError is a non-2xx response from the VMM.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed with status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiBaseURL+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// Ping checks that the VMM API is answering.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "vmm.ping", nil, nil)
}

// CreateVM registers the VM configuration without booting it.
func (c *Client) CreateVM(ctx context.Context, cfg VmConfig) error {
	return c.do(ctx, http.MethodPut, "vm.create", cfg, nil)
}

// BootVM boots the created VM.
func (c *Client) BootVM(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.boot", nil, nil)
}

// ShutdownVM stops the guest without stopping the VMM process.
func (c *Client) ShutdownVM(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.shutdown", nil, nil)
}

// PowerButton injects an ACPI power button event.
func (c *Client) PowerButton(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.power-button", nil, nil)
}

// ShutdownVMM stops the VMM process.
func (c *Client) ShutdownVMM(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vmm.shutdown", nil, nil)
}

// Info returns the current VM state.
func (c *Client) Info(ctx context.Context) (*VmInfo, error) {
	var info VmInfo
	if err := c.do(ctx, http.MethodGet, "vm.info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Counters returns per-device I/O counters.
func (c *Client) Counters(ctx context.Context) (VmCounters, error) {
	var counters VmCounters
	if err := c.do(ctx, http.MethodGet, "vm.counters", nil, &counters); err != nil {
		return nil, err
	}
	return counters, nil
}
