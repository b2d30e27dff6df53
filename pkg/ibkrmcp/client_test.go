package ibkrmcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ibkrmcp/internal/broker"
	"ibkrmcp/internal/httpapi"
	"ibkrmcp/internal/mcp"
	"ibkrmcp/internal/session"
	"ibkrmcp/internal/tools"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := session.New(broker.NewMockBroker(broker.MockOptions{Seed: 1}), session.Config{
		Host:     "127.0.0.1",
		Port:     4002,
		ClientID: 1,
		Timeout:  time.Second,
	}, log)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	reg := tools.NewRegistry(s, log)
	d := mcp.NewDispatcher(reg, mcp.ServerInfo{Name: "ibkr-mcp-server", Version: "test"}, log)
	srv := httptest.NewServer(httpapi.NewServer(d, reg, s, httpapi.Options{}, log).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trailing slash trimmed, got %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestClientEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	info, err := c.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if info.ProtocolVersion != "2024-11-05" || info.ServerInfo.Name != "ibkr-mcp-server" {
		t.Errorf("Initialize = %+v", info)
	}

	list, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(list) != 9 || list[0].Name != "get_account_summary" {
		t.Errorf("ListTools returned %d tools, first %q", len(list), list[0].Name)
	}

	res, err := c.CallTool(ctx, "place_order", map[string]any{
		"symbol": "AAPL", "action": "BUY", "quantity": 5, "order_type": "MKT",
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.Success {
		t.Fatalf("place_order failed: %s", res.Error)
	}
	var placed struct {
		OrderID int64 `json:"order_id"`
	}
	if err := json.Unmarshal(res.Data, &placed); err != nil {
		t.Fatalf("decoding order: %v", err)
	}
	if placed.OrderID != 1000 {
		t.Errorf("order_id = %d, want 1000", placed.OrderID)
	}

	direct, err := c.CallToolDirect(ctx, "cancel_order", map[string]any{"order_id": placed.OrderID})
	if err != nil {
		t.Fatalf("CallToolDirect: %v", err)
	}
	if !direct.Success {
		t.Errorf("cancel_order failed: %s", direct.Error)
	}

	unknown, err := c.CallTool(ctx, "unknown_tool", nil)
	if err != nil {
		t.Fatalf("CallTool(unknown_tool) returned transport error: %v", err)
	}
	if unknown.Success || !strings.Contains(unknown.Error, "unknown_tool") {
		t.Errorf("unknown tool result = %+v", unknown)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Connected || st.Port != 4002 {
		t.Errorf("Status = %+v", st)
	}

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "healthy" {
		t.Errorf("Health.Status = %q, want healthy", h.Status)
	}
}

func TestClientRPCError(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL)

	err := c.call(context.Background(), "resources/list", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d, want -32601", rpcErr.Code)
	}
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":"server busy"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Health(context.Background())
	if err == nil || !strings.Contains(err.Error(), "server busy") {
		t.Errorf("Health error = %v, want server busy", err)
	}
}
