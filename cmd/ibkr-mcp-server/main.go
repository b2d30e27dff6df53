package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ibkrmcp/internal/api"
	"ibkrmcp/internal/broker"
	"ibkrmcp/internal/config"
	"ibkrmcp/internal/httpapi"
	"ibkrmcp/internal/mcp"
	"ibkrmcp/internal/metrics"
	"ibkrmcp/internal/session"
	"ibkrmcp/internal/store"
	"ibkrmcp/internal/tools"
	"ibkrmcp/internal/util"
)

const serviceName = "ibkr-mcp-server"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	// Load environment variables from .env if present.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	defaultCfg := "config/ibkr-mcp.yaml"
	if p := os.Getenv("IBKR_MCP_CONFIG"); p != "" {
		defaultCfg = p
	}
	cfgPath := flag.String("config", defaultCfg, "path to YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, version)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("validating config: %v", err)
	}

	// Setup logging.
	out, closer := util.LogOutput(cfg.Logging.File)
	defer closer.Close()
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, out)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting",
		"version", version,
		"environment", cfg.Environment,
		"broker", cfg.Broker.Kind,
		"ibkr", fmt.Sprintf("%s:%d", cfg.IBKR.Host, cfg.IBKR.Port),
		"readonly", cfg.IBKR.Readonly,
	)
	if cfg.IsProduction() && cfg.Broker.Kind == config.BrokerMock {
		logger.Warn("mock broker configured in production environment")
	}

	b := newBroker(cfg, logger)
	sess := session.New(b, cfg.Session(), logger)
	registry := tools.NewRegistry(sess, logger)

	m := metrics.New()
	m.Watch(sess)
	registry.AddObserver(m)

	if cfg.Storage.SQLitePath != "" {
		journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening call journal: %w", err)
		}
		defer journal.Close()
		registry.AddObserver(journal)
		logger.Info("journaling tool calls", "path", cfg.Storage.SQLitePath)
	}

	dispatcher := mcp.NewDispatcher(registry, mcp.ServerInfo{Name: serviceName, Version: version}, logger)
	handler := httpapi.NewServer(dispatcher, registry, sess, httpapi.Options{
		Service:        serviceName,
		MaxConnections: cfg.MCP.MaxConnections,
		Metrics:        m.Handler(),
		Observer:       m,
	}, logger).Handler()

	var health *api.Health
	if cfg.GRPCAddr() != "" {
		health = api.NewHealth(serviceName)
		health.Watch(sess)
	}
	srv := api.NewServer(api.Options{
		HTTPAddr:        cfg.HTTPAddr(),
		GRPCAddr:        cfg.GRPCAddr(),
		ShutdownTimeout: 5 * time.Second,
	}, handler, health, logger)

	go connectAtStartup(ctx, sess, cfg, logger)

	err := srv.ListenAndServe(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if cerr := sess.Close(closeCtx); cerr != nil {
		logger.Warn("closing broker session", "error", cerr)
	}
	logger.Info("stopped")
	return err
}

func newBroker(cfg *config.Config, logger *slog.Logger) broker.Broker {
	if cfg.Broker.Kind == config.BrokerAlpaca {
		return broker.NewAlpacaBroker(cfg.AlpacaBroker(), logger)
	}

	opts := broker.MockOptions{}
	if cfg.Storage.DataDir != "" {
		opts.Bars = store.NewParquetStore(cfg.Storage.DataDir)
		logger.Info("replaying archived bars", "data_dir", cfg.Storage.DataDir)
	}
	return broker.NewMockBroker(opts)
}

// connectAtStartup tries to reach the broker a few times. The server keeps
// serving when it cannot; clients recover with the reconnect tool.
func connectAtStartup(ctx context.Context, sess *session.Session, cfg *config.Config, logger *slog.Logger) {
	err := util.Retry(ctx, cfg.IBKR.ConnectAttempts, cfg.IBKR.ReconnectDelay.Std(), 30*time.Second,
		func(ctx context.Context, attempt int) error {
			err := sess.Connect(ctx)
			if err != nil {
				logger.Warn("broker connect failed", "attempt", attempt, "error", err)
			}
			return err
		})
	if err != nil && ctx.Err() == nil {
		logger.Warn("continuing without broker connection", "error", err)
	}
}
