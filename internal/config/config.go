// Package config loads gateway configuration from an optional YAML file,
// built-in defaults and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ibkrmcp/internal/broker"
	"ibkrmcp/internal/domain"
	"ibkrmcp/internal/session"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the gateway.
type Config struct {
	IBKR        IBKR    `yaml:"ibkr"`
	MCP         MCP     `yaml:"mcp"`
	Broker      Broker  `yaml:"broker"`
	Alpaca      Alpaca  `yaml:"alpaca"`
	Storage     Storage `yaml:"storage"`
	Logging     Logging `yaml:"logging"`
	Environment string  `yaml:"environment"`
}

// IBKR describes the broker endpoint the session connects to.
type IBKR struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ClientID        int      `yaml:"client_id"`
	Readonly        bool     `yaml:"readonly"`
	Timeout         Duration `yaml:"timeout"`
	ReconnectDelay  Duration `yaml:"reconnect_delay"`
	ConnectAttempts int      `yaml:"connect_attempts"`
	FirstOrderID    int64    `yaml:"first_order_id"`
}

// MCP holds the network listener configuration.
type MCP struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	GRPCPort       int    `yaml:"grpc_port"` // 0 disables the gRPC health listener
	MaxConnections int    `yaml:"max_connections"`
}

// Broker selects the broker integration.
type Broker struct {
	Kind string `yaml:"kind"` // "mock" or "alpaca"
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Storage holds paths for data persistence. Empty paths disable the
// corresponding store.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
	File   string `yaml:"file"`   // rotated log file; empty logs to stdout only
}

// Broker kinds.
const (
	BrokerMock   = "mock"
	BrokerAlpaca = "alpaca"
)

// Duration decodes from either a Go duration string ("30s") or a bare
// number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return v, nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		IBKR: IBKR{
			Host:            "127.0.0.1",
			Port:            4002,
			ClientID:        1,
			Timeout:         Duration(30 * time.Second),
			ReconnectDelay:  Duration(2 * time.Second),
			ConnectAttempts: 3,
			FirstOrderID:    1000,
		},
		MCP: MCP{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxConnections: 100,
		},
		Broker: Broker{Kind: BrokerMock},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			RateLimitPerMin: 200,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Environment: "development",
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, and then applies environment variable overrides. An empty path
// or a missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, domain.WrapError(domain.KindConfig, err, "environment overrides")
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set. A set variable that
// does not parse is an error rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	e := &envReader{}

	// Double-underscore form: IBKR__<SECTION>__<KEY>.
	e.str(&cfg.IBKR.Host, "IBKR__IBKR__HOST")
	e.int(&cfg.IBKR.Port, "IBKR__IBKR__PORT")
	e.int(&cfg.IBKR.ClientID, "IBKR__IBKR__CLIENT_ID")
	e.bool(&cfg.IBKR.Readonly, "IBKR__IBKR__READONLY")
	e.duration(&cfg.IBKR.Timeout, "IBKR__IBKR__TIMEOUT")
	e.str(&cfg.MCP.Host, "IBKR__MCP__HOST")
	e.int(&cfg.MCP.Port, "IBKR__MCP__PORT")
	e.int(&cfg.MCP.MaxConnections, "IBKR__MCP__MAX_CONNECTIONS")
	e.str(&cfg.Logging.Level, "IBKR__LOGGING__LEVEL")
	e.str(&cfg.Logging.Format, "IBKR__LOGGING__FORMAT")
	e.str(&cfg.Environment, "IBKR__ENVIRONMENT")

	e.str(&cfg.IBKR.Host, "IBKR_HOST")
	e.int(&cfg.IBKR.Port, "IBKR_PORT")
	e.int(&cfg.IBKR.ClientID, "IBKR_CLIENT_ID")
	e.bool(&cfg.IBKR.Readonly, "IBKR_READONLY")
	e.duration(&cfg.IBKR.Timeout, "IBKR_TIMEOUT")
	e.duration(&cfg.IBKR.ReconnectDelay, "IBKR_RECONNECT_DELAY")

	e.str(&cfg.MCP.Host, "MCP_HOST")
	e.int(&cfg.MCP.Port, "MCP_PORT")
	e.int(&cfg.MCP.GRPCPort, "MCP_GRPC_PORT")
	e.int(&cfg.MCP.MaxConnections, "MCP_MAX_CONNECTIONS")

	e.str(&cfg.Broker.Kind, "BROKER_KIND")

	e.str(&cfg.Alpaca.APIKey, "ALPACA_API_KEY")
	e.str(&cfg.Alpaca.APISecret, "ALPACA_API_SECRET")
	e.str(&cfg.Alpaca.BaseURL, "ALPACA_BASE_URL")
	e.str(&cfg.Alpaca.DataURL, "ALPACA_DATA_URL")
	e.int(&cfg.Alpaca.RateLimitPerMin, "ALPACA_RATE_LIMIT_PER_MIN")
	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	e.str(&cfg.Alpaca.APIKey, "APCA_API_KEY_ID")
	e.str(&cfg.Alpaca.APISecret, "APCA_API_SECRET_KEY")

	e.str(&cfg.Storage.DataDir, "DATA_DIR")
	e.str(&cfg.Storage.SQLitePath, "SQLITE_PATH")

	e.str(&cfg.Logging.Level, "LOG_LEVEL")
	e.str(&cfg.Logging.Format, "LOG_FORMAT")
	e.str(&cfg.Logging.File, "LOG_FILE")

	e.str(&cfg.Environment, "APP_ENV")

	return errors.Join(e.errs...)
}

// envReader collects parse failures so every bad variable is reported.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(dst *string, name string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) int(dst *int, name string) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", name, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(dst *bool, name string) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", name, v))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(dst *Duration, name string) {
	if v, ok := e.lookup(name); ok {
		d, err := parseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = Duration(d)
	}
}

// ---------------------------------------------------------------------------
// Validation and derived settings
// ---------------------------------------------------------------------------

// Validate reports every invalid setting as a configuration error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.IBKR.Host) == "" {
		bad("ibkr.host is required")
	}
	if c.IBKR.Port <= 0 || c.IBKR.Port > 65535 {
		bad("ibkr.port %d out of range", c.IBKR.Port)
	}
	if c.IBKR.Timeout <= 0 {
		bad("ibkr.timeout must be positive")
	}
	if c.IBKR.ReconnectDelay < 0 {
		bad("ibkr.reconnect_delay must not be negative")
	}
	if c.MCP.Port <= 0 || c.MCP.Port > 65535 {
		bad("mcp.port %d out of range", c.MCP.Port)
	}
	if c.MCP.GRPCPort < 0 || c.MCP.GRPCPort > 65535 {
		bad("mcp.grpc_port %d out of range", c.MCP.GRPCPort)
	}
	if c.MCP.GRPCPort != 0 && c.MCP.GRPCPort == c.MCP.Port {
		bad("mcp.grpc_port must differ from mcp.port")
	}
	if c.MCP.MaxConnections < 0 {
		bad("mcp.max_connections must not be negative")
	}

	switch c.Broker.Kind {
	case BrokerMock:
	case BrokerAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			bad("alpaca broker requires api_key and api_secret")
		}
	default:
		bad("unknown broker kind %q", c.Broker.Kind)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "pretty":
	default:
		bad("unknown logging format %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return domain.WrapError(domain.KindConfig, errors.Join(errs...), "invalid configuration")
	}
	return nil
}

// IsProduction reports whether the environment is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Session returns the broker session settings.
func (c *Config) Session() session.Config {
	return session.Config{
		Host:           c.IBKR.Host,
		Port:           c.IBKR.Port,
		ClientID:       c.IBKR.ClientID,
		Readonly:       c.IBKR.Readonly,
		Timeout:        c.IBKR.Timeout.Std(),
		ReconnectDelay: c.IBKR.ReconnectDelay.Std(),
		FirstOrderID:   c.IBKR.FirstOrderID,
	}
}

// AlpacaBroker returns the Alpaca broker settings.
func (c *Config) AlpacaBroker() broker.AlpacaConfig {
	return broker.AlpacaConfig{
		APIKey:          c.Alpaca.APIKey,
		APISecret:       c.Alpaca.APISecret,
		BaseURL:         c.Alpaca.BaseURL,
		DataURL:         c.Alpaca.DataURL,
		RateLimitPerMin: c.Alpaca.RateLimitPerMin,
	}
}

// HTTPAddr is the JSON-RPC listener address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.MCP.Host, strconv.Itoa(c.MCP.Port))
}

// GRPCAddr is the health listener address, or "" when disabled.
func (c *Config) GRPCAddr() string {
	if c.MCP.GRPCPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.MCP.Host, strconv.Itoa(c.MCP.GRPCPort))
}
