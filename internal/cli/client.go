package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/edgeinstall/internal/admin"
)

// APIError is a non-2xx answer that carried no install response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Message)
}

// Client calls one node's admin API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(addr string, timeout time.Duration) *Client {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{base: addr, http: &http.Client{Timeout: timeout}}
}

func (c *Client) InstallFunction(ctx context.Context, req admin.FunctionRequest) (admin.InstallResponse, error) {
	return c.install(ctx, http.MethodPost, "/functions/install", req)
}

func (c *Client) UpdateFunction(ctx context.Context, req admin.FunctionRequest) (admin.InstallResponse, error) {
	return c.install(ctx, http.MethodPost, "/functions/update", req)
}

func (c *Client) UninstallFunction(ctx context.Context, name, version string) (admin.InstallResponse, error) {
	path := "/functions/" + url.PathEscape(name)
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	return c.install(ctx, http.MethodDelete, path, nil)
}

func (c *Client) Reset(ctx context.Context) (admin.InstallResponse, error) {
	return c.install(ctx, http.MethodPost, "/reset", nil)
}

func (c *Client) Functions(ctx context.Context) (admin.FunctionsResponse, error) {
	var out admin.FunctionsResponse
	err := c.do(ctx, http.MethodGet, "/functions", nil, &out)
	return out, err
}

func (c *Client) Units(ctx context.Context) (admin.UnitsResponse, error) {
	var out admin.UnitsResponse
	err := c.do(ctx, http.MethodGet, "/units", nil, &out)
	return out, err
}

func (c *Client) Behaviours(ctx context.Context, filter string) (admin.BehavioursResponse, error) {
	path := "/behaviours"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}
	var out admin.BehavioursResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) DeployBehaviour(ctx context.Context, req admin.BehaviourRequest) (admin.CommandResponse, error) {
	var out admin.CommandResponse
	err := c.do(ctx, http.MethodPost, "/behaviours/install", req, &out)
	return out, err
}

func (c *Client) RemoveBehaviour(ctx context.Context, req admin.BehaviourRequest) (admin.CommandResponse, error) {
	var out admin.CommandResponse
	err := c.do(ctx, http.MethodPost, "/behaviours/uninstall", req, &out)
	return out, err
}

func (c *Client) ResetRemote(ctx context.Context, node string) (admin.CommandResponse, error) {
	var out admin.CommandResponse
	err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(node)+"/reset", nil, &out)
	return out, err
}

func (c *Client) Blacklist(ctx context.Context) (admin.BlacklistResponse, error) {
	var out admin.BlacklistResponse
	err := c.do(ctx, http.MethodGet, "/blacklist", nil, &out)
	return out, err
}

func (c *Client) ClearBlacklist(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	err := c.do(ctx, http.MethodPost, "/blacklist/clear", nil, &out)
	return out.Cleared, err
}

func (c *Client) Publish(ctx context.Context, eventType string, props map[string]any) error {
	var body any
	if props != nil {
		body = props
	}
	return c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(eventType), body, nil)
}

// install decodes an install response whatever the status; only transport
// failures and bodies without a response code are errors.
func (c *Client) install(ctx context.Context, method, path string, body any) (admin.InstallResponse, error) {
	var out admin.InstallResponse
	err := c.do(ctx, method, path, body, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && out.Code != "" {
		return out, nil
	}
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
