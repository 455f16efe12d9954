package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/cumulus/pkg/api"
	"github.com/cuemby/cumulus/pkg/metrics"
)

// DefaultTimeout bounds every request made by a Client
const DefaultTimeout = 30 * time.Second

// Error is returned for every non-2xx response
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the admin API of a running orchestrator
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for addr, either host:port or a full URL
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// GetUCI returns a UCI with its resources
func (c *Client) GetUCI(ctx context.Context, id string) (*api.UCIView, error) {
	var view api.UCIView
	if err := c.do(ctx, http.MethodGet, "/v1/ucis/"+id, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Enqueue queues a UCI. A non-empty state is stored as the requested state
// first.
func (c *Client) Enqueue(ctx context.Context, id, state string) (*api.EnqueueResponse, error) {
	var body interface{}
	if state != "" {
		body = api.EnqueueRequest{State: state}
	}

	var resp api.EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/v1/ucis/"+id+"/enqueue", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset clears a failed UCI
func (c *Client) Reset(ctx context.Context, id string) (*api.UCIView, error) {
	var view api.UCIView
	if err := c.do(ctx, http.MethodPost, "/v1/ucis/"+id+"/reset", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Health returns the health report of the server
func (c *Client) Health(ctx context.Context) (*metrics.HealthStatus, error) {
	var health metrics.HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
