package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkrmcp/internal/broker"
	"ibkrmcp/internal/session"
	"ibkrmcp/internal/tools"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := session.New(broker.NewMockBroker(broker.MockOptions{Seed: 7}), session.Config{
		Host:     "127.0.0.1",
		Port:     7497,
		ClientID: 1,
		Timeout:  time.Second,
	}, log)
	require.NoError(t, s.Connect(context.Background()))
	return NewDispatcher(tools.NewRegistry(s, log), ServerInfo{Name: "ibkr-mcp-server", Version: "test"}, log)
}

// wire marshals a response and decodes it generically.
func wire(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	require.NotNil(t, resp)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestInitialize(t *testing.T) {
	d := newTestDispatcher(t)
	out := wire(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)))

	assert.Equal(t, "2.0", out["jsonrpc"])
	assert.EqualValues(t, 1, out["id"])
	assert.NotContains(t, out, "error")

	res := out["result"].(map[string]any)
	assert.Equal(t, "2024-11-05", res["protocolVersion"])
	assert.Equal(t, map[string]any{"tools": map[string]any{}}, res["capabilities"])
	assert.Equal(t, map[string]any{"name": "ibkr-mcp-server", "version": "test"}, res["serverInfo"])
}

func TestStringIDEchoed(t *testing.T) {
	d := newTestDispatcher(t)
	out := wire(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":"abc-1","method":"tools/list"}`)))
	assert.Equal(t, "abc-1", out["id"])
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	d := newTestDispatcher(t)
	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"something/else"}`,
		`{"jsonrpc":"2.0","method":"tools/list"}`,
	} {
		assert.Nil(t, d.Handle(context.Background(), []byte(body)), body)
	}
}

func TestToolsList(t *testing.T) {
	d := newTestDispatcher(t)
	out := wire(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)))

	list := out["result"].(map[string]any)["tools"].([]any)
	require.Len(t, list, 9)
	first := list[0].(map[string]any)
	assert.Equal(t, "get_account_summary", first["name"])
	assert.Contains(t, first, "description")
	assert.Equal(t, "object", first["inputSchema"].(map[string]any)["type"])
}

func TestToolsCall(t *testing.T) {
	d := newTestDispatcher(t)
	out := wire(t, d.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_positions","arguments":{}}}`)))

	res := out["result"].(map[string]any)
	assert.Equal(t, true, res["success"])
	assert.Len(t, res["data"].([]any), 2)
	assert.NotEmpty(t, res["timestamp"])
}

func TestToolsCallUnknownToolIsAResult(t *testing.T) {
	d := newTestDispatcher(t)
	out := wire(t, d.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"unknown_tool","arguments":{}}}`)))

	assert.NotContains(t, out, "error")
	res := out["result"].(map[string]any)
	assert.Equal(t, false, res["success"])
	assert.Contains(t, res["error"], "unknown_tool")
}

func TestErrors(t *testing.T) {
	d := newTestDispatcher(t)
	tests := []struct {
		name string
		body string
		code int
		id   any
	}{
		{"malformed json", `{"jsonrpc":"2.0",`, CodeParseError, nil},
		{"not json", `hello`, CodeParseError, nil},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"initialize"}]`, CodeInvalidRequest, nil},
		{"empty", ``, CodeInvalidRequest, nil},
		{"wrong version", `{"jsonrpc":"1.0","id":5,"method":"initialize"}`, CodeInvalidRequest, 5.0},
		{"missing version", `{"id":6,"method":"initialize"}`, CodeInvalidRequest, 6.0},
		{"missing method", `{"jsonrpc":"2.0","id":7}`, CodeInvalidRequest, 7.0},
		{"method not a string", `{"jsonrpc":"2.0","id":8,"method":42}`, CodeInvalidRequest, 8.0},
		{"params not an object", `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":[1]}`, CodeInvalidParams, 9.0},
		{"call without name", `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{}}`, CodeInvalidParams, 10.0},
		{"unknown method", `{"jsonrpc":"2.0","id":11,"method":"resources/list"}`, CodeMethodNotFound, 11.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := wire(t, d.Handle(context.Background(), []byte(tt.body)))
			assert.NotContains(t, out, "result")
			assert.Equal(t, tt.id, out["id"])
			e := out["error"].(map[string]any)
			assert.EqualValues(t, tt.code, e["code"])
			assert.NotEmpty(t, e["message"])
		})
	}
}

func TestMethodNotFoundMessage(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Method not found: prompts/list", resp.Error.Message)
}

func TestEncodeUnencodableResult(t *testing.T) {
	d := newTestDispatcher(t)
	resp := result(json.RawMessage(`"req-9"`), map[string]float64{"last": math.NaN()})

	var out map[string]any
	require.NoError(t, json.Unmarshal(d.Encode(resp), &out))
	assert.Equal(t, "req-9", out["id"])
	assert.Nil(t, out["result"])
	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeInternalError), errObj["code"])
	assert.Contains(t, errObj["message"], "encoding response")
}

func TestEncodeResult(t *testing.T) {
	d := newTestDispatcher(t)
	data := d.Encode(result(json.RawMessage(`1`), map[string]int{"n": 2}))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"n":2}}`, string(data))
}
