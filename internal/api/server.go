// Package api runs the gateway's listeners: the HTTP surface and an optional
// gRPC health endpoint that mirrors broker connectivity.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures the listeners.
type Options struct {
	HTTPAddr string
	GRPCAddr string // empty disables gRPC
	// ShutdownTimeout bounds graceful shutdown of both listeners.
	ShutdownTimeout time.Duration
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	opts    Options
	handler http.Handler
	health  *Health
	log     *slog.Logger
}

// NewServer creates a Server. health may be nil when gRPC is disabled.
func NewServer(opts Options, handler http.Handler, health *Health, log *slog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		opts:    opts,
		handler: handler,
		health:  health,
		log:     log.With("component", "api"),
	}
}

// ListenAndServe opens the configured listeners and serves until ctx is
// cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.HTTPAddr, err)
	}

	var grpcLn net.Listener
	if s.opts.GRPCAddr != "" && s.health != nil {
		grpcLn, err = net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", s.opts.GRPCAddr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve serves on already-open listeners. grpcLn may be nil. Serve returns
// nil after a graceful shutdown triggered by ctx.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http server listening", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		g.Go(func() error {
			s.log.Info("grpc health listening", "addr", grpcLn.Addr().String())
			if err := s.health.Serve(grpcLn); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down listeners")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		if grpcLn != nil {
			s.health.Stop(shutdownCtx)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
