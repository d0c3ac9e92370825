package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// Client talks to a Server.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at baseURL. A nil hc uses a
// client with a 30 second timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Start starts orchestrator name with input. An empty instanceID lets the
// server pick one.
func (c *Client) Start(ctx context.Context, name string, input any, instanceID string) (*CheckStatus, error) {
	var body io.Reader
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encode input: %w", err)
		}
		body = bytes.NewReader(data)
	}
	path := "/api/orchestrators/" + url.PathEscape(name)
	if instanceID != "" {
		path += "?instanceId=" + url.QueryEscape(instanceID)
	}
	var out CheckStatus
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStatus(ctx context.Context, id string) (*InstanceStatus, error) {
	var out InstanceStatus
	if err := c.do(ctx, http.MethodGet, "/api/instances/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Query(ctx context.Context, q api.InstanceQuery) ([]InstanceStatus, error) {
	values := url.Values{}
	if !q.CreatedFrom.IsZero() {
		values.Set("createdFrom", q.CreatedFrom.Format(time.RFC3339))
	}
	if !q.CreatedTo.IsZero() {
		values.Set("createdTo", q.CreatedTo.Format(time.RFC3339))
	}
	if len(q.Statuses) > 0 {
		names := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			names[i] = string(st)
		}
		values.Set("runtimeStatus", strings.Join(names, ","))
	}
	path := "/api/instances"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out []InstanceStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) History(ctx context.Context, id string) ([]Event, error) {
	var out []Event
	if err := c.do(ctx, http.MethodGet, "/api/instances/"+url.PathEscape(id)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Terminate(ctx context.Context, id, reason string) error {
	path := "/api/instances/" + url.PathEscape(id) + "/terminate?reason=" + url.QueryEscape(reason)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// StatusCheck reports whether any instance created since the status check
// cutoff is still running.
func (c *Client) StatusCheck(ctx context.Context) (bool, error) {
	var out StatusCheckResponse
	if err := c.do(ctx, http.MethodGet, "/api/statuscheck", nil, &out); err != nil {
		return false, err
	}
	return out.HasRunning, nil
}

func (c *Client) OrchestrationStatus(ctx context.Context) ([]InstanceStatus, error) {
	var out []InstanceStatus
	if err := c.do(ctx, http.MethodGet, "/api/orchestrationstatus", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Environment returns the server's redacted configuration snapshot.
func (c *Client) Environment(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/environment", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		herr := &HTTPError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
			herr.Code, herr.Message = er.Code, er.Error
		} else {
			herr.Message = http.StatusText(resp.StatusCode)
		}
		return herr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
