package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ibkrmcp/internal/mcp"
	"ibkrmcp/internal/session"
	"ibkrmcp/internal/tools"
)

// DefaultMaxBodyBytes caps request bodies when Options leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Options tunes the HTTP surface.
type Options struct {
	Service        string       // reported by /health
	MaxConnections int          // concurrent requests; 0 means unlimited
	MaxBodyBytes   int64        // 0 means DefaultMaxBodyBytes
	Metrics        http.Handler // served on /metrics when set
	Observer       RequestObserver
}

// RequestObserver is told about every completed request.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// Server binds the dispatcher and tool registry to HTTP routes. It owns no
// state of its own beyond the concurrency limiter.
type Server struct {
	dispatcher *mcp.Dispatcher
	registry   *tools.Registry
	session    *session.Session
	opts       Options
	log        *slog.Logger
	slots      chan struct{}
	now        func() time.Time
}

// NewServer creates a new gateway HTTP server.
func NewServer(d *mcp.Dispatcher, r *tools.Registry, s *session.Session, opts Options, log *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Service == "" {
		opts.Service = "ibkr-mcp-server"
	}
	srv := &Server{
		dispatcher: d,
		registry:   r,
		session:    s,
		opts:       opts,
		log:        log.With("component", "http"),
		now:        time.Now,
	}
	if opts.MaxConnections > 0 {
		srv.slots = make(chan struct{}, opts.MaxConnections)
	}
	return srv
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("POST /mcp", s.handleRPC)
	mux.HandleFunc("POST /mcp/tools", s.handleToolCall)
	mux.HandleFunc("GET /mcp/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// Handler returns an http.Handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.requestID(s.accessLog(corsMiddleware(s.limit(mux))))
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	resp := s.dispatcher.Handle(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeBody(w, s.dispatcher.Encode(resp))
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req ToolRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	res := s.registry.Call(r.Context(), req.Tool, req.Parameters)
	data, err := json.Marshal(res)
	if err != nil {
		s.log.Error("encoding tool result", "tool", req.Tool, "error", err)
		data, _ = json.Marshal(tools.Result{
			Success:   false,
			Error:     "encoding tool result: " + err.Error(),
			Timestamp: res.Timestamp,
		})
	}
	writeBody(w, data)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.session.Status()
	writeJSON(w, StatusResponse{
		Connected: st.Connected,
		State:     st.State.String(),
		Host:      st.Host,
		Port:      st.Port,
		ClientID:  st.ClientID,
		Broker:    st.Broker,
		LastError: st.LastError,
		Timestamp: s.timestamp(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{
		Status:    "healthy",
		Service:   s.opts.Service,
		Timestamp: s.timestamp(),
	})
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// readBody reads a size-limited body, writing the error response itself
// when it fails.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return nil, false
	}
	return body, true
}

// writeJSON encodes v before touching w, so an encoding failure becomes a
// 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "error", err)
		writeError(w, http.StatusInternalServerError, "encoding response")
		return
	}
	writeBody(w, data)
}

func writeBody(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
