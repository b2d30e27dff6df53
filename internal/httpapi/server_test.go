package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkrmcp/internal/broker"
	"ibkrmcp/internal/domain"
	"ibkrmcp/internal/mcp"
	"ibkrmcp/internal/session"
	"ibkrmcp/internal/tools"
)

type requestLog struct {
	mu     sync.Mutex
	routes []string
}

func (l *requestLog) ObserveRequest(_, route string, _ int, _ time.Duration) {
	l.mu.Lock()
	l.routes = append(l.routes, route)
	l.mu.Unlock()
}

func newTestServer(t *testing.T, opts Options) (*Server, *session.Session) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := session.New(broker.NewMockBroker(broker.MockOptions{Seed: 3}), session.Config{
		Host:     "127.0.0.1",
		Port:     7497,
		ClientID: 9,
		Timeout:  time.Second,
	}, log)
	require.NoError(t, s.Connect(context.Background()))
	reg := tools.NewRegistry(s, log)
	d := mcp.NewDispatcher(reg, mcp.ServerInfo{Name: "ibkr-mcp-server", Version: "test"}, log)
	return NewServer(d, reg, s, opts, log), s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	out := decode(t, rec)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "ibkr-mcp-server", out["service"])
	_, err := time.Parse(time.RFC3339, out["timestamp"].(string))
	assert.NoError(t, err)
}

func TestStatus(t *testing.T) {
	srv, s := newTestServer(t, Options{})
	h := srv.Handler()

	out := decode(t, do(t, h, http.MethodGet, "/mcp/status", ""))
	assert.Equal(t, true, out["connected"])
	assert.Equal(t, "127.0.0.1", out["host"])
	assert.EqualValues(t, 7497, out["port"])
	assert.EqualValues(t, 9, out["client_id"])
	assert.Contains(t, out, "timestamp")

	require.NoError(t, s.Disconnect(context.Background()))
	out = decode(t, do(t, h, http.MethodGet, "/mcp/status", ""))
	assert.Equal(t, false, out["connected"])
	assert.Equal(t, "disconnected", out["state"])
}

func TestRPCEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	for _, path := range []string{"/", "/mcp"} {
		rec := do(t, h, http.MethodPost, path, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		require.Equal(t, http.StatusOK, rec.Code, path)
		out := decode(t, rec)
		assert.EqualValues(t, 1, out["id"], path)
		assert.Equal(t, mcp.ProtocolVersion, out["result"].(map[string]any)["protocolVersion"], path)
	}
}

func TestNotificationIsNoContent(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rec := do(t, srv.Handler(), http.MethodPost, "/mcp", `{"jsonrpc":"2.0","method":"initialized"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRPCErrorStillAnswers(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	out := decode(t, do(t, h, http.MethodPost, "/mcp", `{not json`))
	assert.EqualValues(t, mcp.CodeParseError, out["error"].(map[string]any)["code"])

	// The server keeps serving after a malformed request.
	out = decode(t, do(t, h, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.Len(t, out["result"].(map[string]any)["tools"], 9)
}

func TestDirectToolCallMatchesRPC(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	direct := decode(t, do(t, h, http.MethodPost, "/mcp/tools", `{"tool":"get_positions","parameters":{}}`))
	rpc := decode(t, do(t, h, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_positions","arguments":{}}}`))
	viaRPC := rpc["result"].(map[string]any)

	assert.Equal(t, true, direct["success"])
	assert.Equal(t, viaRPC["success"], direct["success"])
	assert.Equal(t, viaRPC["data"], direct["data"])

	unknown := decode(t, do(t, h, http.MethodPost, "/mcp/tools", `{"tool":"unknown_tool"}`))
	assert.Equal(t, false, unknown["success"])
	assert.Contains(t, unknown["error"], "unknown_tool")
}

func TestDirectToolCallBadBody(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/mcp/tools", `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/mcp/tools", `{"parameters":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "tool is required", decode(t, rec)["error"])
}

func TestBodyLimit(t *testing.T) {
	srv, _ := newTestServer(t, Options{MaxBodyBytes: 16})
	rec := do(t, srv.Handler(), http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMethodMismatch(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rec := do(t, srv.Handler(), http.MethodGet, "/mcp", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rec := do(t, srv.Handler(), http.MethodOptions, "/mcp", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}

func TestMetricsRouteAndObserver(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	})
	obs := &requestLog{}
	srv, _ := newTestServer(t, Options{Metrics: metrics, Observer: obs})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, "ok", rec.Body.String())
	do(t, h, http.MethodGet, "/no/such/route", "")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"/metrics", "other"}, obs.routes)
}

func TestConnectionLimit(t *testing.T) {
	srv, _ := newTestServer(t, Options{MaxConnections: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := srv.limit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	first := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		blocking.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		first <- rec.Code
	}()
	<-entered

	rec := httptest.NewRecorder()
	blocking.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-first)

	rec = httptest.NewRecorder()
	srv.limit(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// nanFeed reports quotes whose last price is NaN, as a broken market data
// feed would.
type nanFeed struct {
	*broker.MockBroker
}

func (nanFeed) Quote(_ context.Context, c domain.Contract) (domain.Quote, error) {
	return domain.Quote{Symbol: c.Symbol, Last: math.NaN()}, nil
}

func newNaNServer(t *testing.T) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := session.New(nanFeed{broker.NewMockBroker(broker.MockOptions{})}, session.Config{
		Host:    "127.0.0.1",
		Port:    7497,
		Timeout: time.Second,
	}, log)
	require.NoError(t, s.Connect(context.Background()))
	reg := tools.NewRegistry(s, log)
	d := mcp.NewDispatcher(reg, mcp.ServerInfo{Name: "ibkr-mcp-server", Version: "test"}, log)
	return NewServer(d, reg, s, Options{}, log)
}

func TestUnencodableToolResult(t *testing.T) {
	h := newNaNServer(t).Handler()

	rec := do(t, h, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"get_market_data","arguments":{"symbol":"AAPL"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(42), out["id"])
	errObj, ok := out["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	assert.Equal(t, float64(mcp.CodeInternalError), errObj["code"])

	rec = do(t, h, http.MethodPost, "/mcp/tools", `{"tool":"get_market_data","parameters":{"symbol":"AAPL"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "encoding tool result")
}

func TestWriteJSONEncodingFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, map[string]float64{"v": math.Inf(1)})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "encoding response")
}
