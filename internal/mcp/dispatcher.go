package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ibkrmcp/internal/domain"
	"ibkrmcp/internal/tools"
)

// Dispatcher routes envelopes to the method table. It holds no mutable
// state and is safe for concurrent use.
type Dispatcher struct {
	registry *tools.Registry
	info     ServerInfo
	log      *slog.Logger
}

// NewDispatcher creates a Dispatcher serving the registry's tools.
func NewDispatcher(registry *tools.Registry, info ServerInfo, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		info:     info,
		log:      log.With("component", "mcp"),
	}
}

// Handle decodes one envelope and dispatches it. It returns nil when the
// envelope was a notification, in which case nothing must be written back.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) *Response {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return failure(nil, CodeInvalidRequest, protocolError("empty request body"))
	}
	if body[0] != '{' {
		if json.Valid(body) {
			return failure(nil, CodeInvalidRequest, protocolError("request must be a JSON object"))
		}
		return failure(nil, CodeParseError, protocolError("parse error"))
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return failure(idOf(body), CodeInvalidRequest,
				protocolError(fmt.Sprintf("field %q has the wrong type", typeErr.Field)))
		}
		return failure(nil, CodeParseError, protocolError("parse error: "+err.Error()))
	}
	return d.Dispatch(ctx, &req)
}

// Dispatch runs a decoded envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return failure(req.ID, CodeInvalidRequest, protocolError(`jsonrpc must be "2.0"`))
	}
	if req.Method == "" {
		return failure(req.ID, CodeInvalidRequest, protocolError("method is required"))
	}
	if len(req.Params) > 0 && !bytes.Equal(bytes.TrimSpace(req.Params), []byte("null")) && !isObject(req.Params) {
		return failure(req.ID, CodeInvalidParams, protocolError("params must be an object"))
	}

	if req.IsNotification() {
		d.notify(req)
		return nil
	}

	d.log.Debug("request", "method", req.Method, "id", string(req.ID))
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      d.info,
		})

	case "tools/list":
		return result(req.ID, map[string]any{"tools": d.registry.List()})

	case "tools/call":
		var params CallParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return failure(req.ID, CodeInvalidParams, protocolError("invalid tools/call params: "+err.Error()))
			}
		}
		if params.Name == "" {
			return failure(req.ID, CodeInvalidParams, protocolError("tools/call requires params.name"))
		}
		return result(req.ID, d.registry.Call(ctx, params.Name, params.Arguments))
	}

	return failure(req.ID, CodeMethodNotFound, "Method not found: "+req.Method)
}

func (d *Dispatcher) notify(req *Request) {
	switch req.Method {
	case "initialized", "notifications/initialized":
		d.log.Info("client initialized")
	default:
		d.log.Debug("ignoring notification", "method", req.Method)
	}
}

// Encode serializes resp. A result that cannot be encoded is replaced by an
// internal error carrying the same id, so the caller still gets exactly one
// correlated response.
func (d *Dispatcher) Encode(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err == nil {
		return data
	}
	d.log.Error("encoding response", "error", err)
	data, err = json.Marshal(failure(resp.ID, CodeInternalError, protocolError("encoding response: "+err.Error())))
	if err != nil {
		// Only an invalid id can fail here.
		data, _ = json.Marshal(failure(nil, CodeInternalError, protocolError("encoding response")))
	}
	return data
}

func protocolError(msg string) string {
	return domain.NewError(domain.KindProtocol, "%s", msg).Error()
}

// idOf pulls the id out of an envelope whose other members failed to decode.
func idOf(body []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	return probe.ID
}
