// Package api is a client for the workspace HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds an API call.
const DefaultTimeout = 30 * time.Second

// Workspace is the API representation of a workspace.
type Workspace struct {
	ID          int                 `json:"id,omitempty"`
	Name        string              `json:"name"`
	Owner       string              `json:"owner"`
	Perms       map[string][]string `json:"perms,omitempty"`
	Description string              `json:"description,omitempty"`
}

// Response is the status and raw body of an API call.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is returned by typed helpers for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Username string
	Secret   string
	Timeout  time.Duration
}

// Client calls the workspace HTTP API with basic auth.
type Client struct {
	baseURL    string
	username   string
	secret     string
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		secret:   cfg.Secret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// CreateWorkspace creates a workspace owned by ws.Owner.
func (c *Client) CreateWorkspace(ctx context.Context, ws Workspace) (*Response, error) {
	body, err := json.Marshal(ws)
	if err != nil {
		return nil, fmt.Errorf("encode workspace: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/workspace", body)
}

// GetWorkspace fetches owner/name.
func (c *Client) GetWorkspace(ctx context.Context, owner, name string) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/api/workspace/"+url.PathEscape(owner)+"/"+url.PathEscape(name), nil)
}

// ListWorkspaces lists the workspaces the user can access.
func (c *Client) ListWorkspaces(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/api/workspaces/can/view", nil)
}

// Workspace fetches and decodes owner/name.
func (c *Client) Workspace(ctx context.Context, owner, name string) (*Workspace, error) {
	resp, err := c.GetWorkspace(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{Status: resp.Status, Body: string(resp.Body)}
	}
	var ws Workspace
	if err := resp.Decode(&ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Workspaces fetches and decodes the accessible workspaces.
func (c *Client) Workspaces(ctx context.Context) ([]Workspace, error) {
	resp, err := c.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{Status: resp.Status, Body: string(resp.Body)}
	}
	var out []Workspace
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}
