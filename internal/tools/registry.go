// Package tools declares the catalog of callable tools, validates their
// arguments and binds each one to a broker session operation.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"ibkrmcp/internal/domain"
	"ibkrmcp/internal/session"
)

// Binding runs a tool against the session with validated arguments.
type Binding func(ctx context.Context, s *session.Session, args Args) (any, error)

// Tool is one entry of the catalog.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`

	// check runs cross-field validation after the schema passes.
	check func(Args) error
	bind  Binding
}

// Result is the envelope returned for every tool invocation.
type Result struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Observer is notified after every tool call.
type Observer interface {
	ObserveToolCall(ctx context.Context, call domain.ToolCall)
}

// Registry holds the tool catalog bound to one session.
type Registry struct {
	session   *session.Session
	log       *slog.Logger
	tools     map[string]*Tool
	order     []string
	observers []Observer
	now       func() time.Time
}

// NewRegistry creates a Registry holding the built-in catalog.
func NewRegistry(s *session.Session, log *slog.Logger) *Registry {
	r := &Registry{
		session: s,
		log:     log.With("component", "tools"),
		tools:   make(map[string]*Tool),
		now:     time.Now,
	}
	for _, t := range builtins() {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any tool of the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = &t
}

// AddObserver registers o for call notifications. Not safe to call while
// requests are being served.
func (r *Registry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// List returns the catalog in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.tools[name])
	}
	return out
}

// Call validates arguments and invokes the named tool. Failures of any kind
// are reported inside the Result, never returned.
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) Result {
	start := r.now()
	data, err := r.invoke(ctx, name, arguments)
	elapsed := time.Since(start)

	res := Result{Success: err == nil, Timestamp: r.now().UTC().Format(time.RFC3339)}
	if err != nil {
		res.Error = err.Error()
		r.log.Warn("tool call failed", "tool", name, "error", err, "elapsed", elapsed)
	} else {
		res.Data = data
		r.log.Info("tool call", "tool", name, "elapsed", elapsed)
	}

	call := domain.ToolCall{
		Tool:      name,
		Arguments: arguments,
		Success:   err == nil,
		Error:     res.Error,
		Kind:      domain.KindOf(err),
		Started:   start,
		Duration:  elapsed,
	}
	for _, o := range r.observers {
		o.ObserveToolCall(ctx, call)
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, arguments json.RawMessage) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewError(domain.KindUnknownTool, "%s", name)
	}

	args, err := decodeArgs(arguments)
	if err != nil {
		return nil, err
	}
	if err := t.InputSchema.validate(args); err != nil {
		return nil, err
	}
	if t.check != nil {
		if err := t.check(args); err != nil {
			return nil, err
		}
	}
	return t.bind(ctx, r.session, args)
}

func decodeArgs(raw json.RawMessage) (Args, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, domain.NewInvalidParameter("arguments", "arguments must be a JSON object")
		}
		return nil, domain.NewInvalidParameter("arguments", err.Error())
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}
