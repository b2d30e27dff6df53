// Package ibkrmcp is a Go client for the ibkr-mcp-server HTTP API.
package ibkrmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Client provides a Go SDK for interacting with the ibkr-mcp-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates a new API client. baseURL is the server root, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Tool describes one callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult is the outcome of a tool call. Data is left raw for the caller
// to decode into the shape it expects.
type ToolResult struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// ServerInfo is returned by Initialize.
type ServerInfo struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// Status is returned by GET /mcp/status.
type Status struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	ClientID  int    `json:"client_id"`
	Broker    string `json:"broker,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Health is returned by GET /health.
type Health struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// RPCError is a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ---------------------------------------------------------------------------
// JSON-RPC
// ---------------------------------------------------------------------------

// Initialize performs the MCP handshake and sends the initialized
// notification.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.call(ctx, "initialize", map[string]any{}, &info); err != nil {
		return nil, err
	}
	if err := c.Notify(ctx, "initialized"); err != nil {
		return nil, err
	}
	return &info, nil
}

// Notify sends a JSON-RPC notification. The server answers 204.
func (c *Client) Notify(ctx context.Context, method string) error {
	body := map[string]any{"jsonrpc": "2.0", "method": method}
	_, err := c.post(ctx, "/mcp", body)
	return err
}

// ListTools returns the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool invokes a tool through tools/call. A failed tool is reported in
// the result, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res ToolResult
	params := map[string]any{"name": name, "arguments": args}
	if err := c.call(ctx, "tools/call", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallToolDirect invokes a tool through the POST /mcp/tools shortcut.
func (c *Client) CallToolDirect(ctx context.Context, name string, args any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := c.post(ctx, "/mcp/tools", map[string]any{"tool": name, "parameters": args})
	if err != nil {
		return nil, err
	}
	var res ToolResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return &res, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}

	data, err := c.post(ctx, "/mcp", req)
	if err != nil {
		return err
	}

	var resp struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if string(resp.ID) != strconv.FormatInt(id, 10) {
		return fmt.Errorf("%s: response id %s does not match request id %d", method, resp.ID, id)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// REST
// ---------------------------------------------------------------------------

// Status retrieves broker connectivity.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.get(ctx, "/mcp/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health retrieves server liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	data, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return data, nil
}
