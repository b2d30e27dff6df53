// Package httpapi exposes the MCP gateway over HTTP: the JSON-RPC endpoint,
// a direct tool-call shortcut, broker status and liveness.
package httpapi

import "encoding/json"

// ToolRequest is the body of POST /mcp/tools.
type ToolRequest struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// StatusResponse is returned by GET /mcp/status.
type StatusResponse struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	ClientID  int    `json:"client_id"`
	Broker    string `json:"broker,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}
