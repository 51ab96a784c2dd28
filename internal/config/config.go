// Package config manages gotsgw client configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gotsgw/internal/rpce"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gotsgw configuration.
type Config struct {
	Gateway GatewayConfig `koanf:"gateway"`
	Session SessionConfig `koanf:"session"`
	RPC     RPCConfig     `koanf:"rpc"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// GatewayConfig identifies the RD Gateway and the credentials used to
// authenticate against it.
type GatewayConfig struct {
	// Hostname is the gateway host.
	Hostname string `koanf:"hostname"`

	// Port is the gateway HTTPS port.
	Port int `koanf:"port"`

	// Username, Domain and Password authenticate to the gateway. An
	// empty username or password triggers an interactive prompt.
	Username string `koanf:"username"`
	Domain   string `koanf:"domain"`
	Password string `koanf:"password"`

	// UseSameCredentials reuses the gateway credentials for the RDP
	// session behind it.
	UseSameCredentials bool `koanf:"use_same_credentials"`
}

// SessionConfig holds the credentials for the RDP session behind the
// gateway. Ignored when gateway.use_same_credentials is set.
type SessionConfig struct {
	Username string `koanf:"username"`
	Domain   string `koanf:"domain"`
	Password string `koanf:"password"`
}

// RPCConfig tunes the bind handshake.
type RPCConfig struct {
	// RecvTimeout bounds the wait for the server's bind_ack.
	RecvTimeout time.Duration `koanf:"recv_timeout"`

	// MaxXmitFrag is the proposed transmit fragment limit.
	MaxXmitFrag int `koanf:"max_xmit_frag"`

	// MaxRecvFrag is the proposed receive fragment limit.
	MaxRecvFrag int `koanf:"max_recv_frag"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
// An empty address disables the endpoint.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// GatewayCredentials returns the gateway credential bundle as an
// immutable snapshot.
func (c *Config) GatewayCredentials() rpce.Credentials {
	return rpce.Credentials{
		Username: c.Gateway.Username,
		Domain:   c.Gateway.Domain,
		Password: c.Gateway.Password,
	}
}

// SessionCredentials returns the session credential bundle as an
// immutable snapshot.
func (c *Config) SessionCredentials() rpce.Credentials {
	return rpce.Credentials{
		Username: c.Session.Username,
		Domain:   c.Session.Domain,
		Password: c.Session.Password,
	}
}

// EngineConfig builds the bind engine's settings snapshot. The engine
// never reaches back into this Config.
func (c *Config) EngineConfig() rpce.Config {
	return rpce.Config{
		GatewayHost:        c.Gateway.Hostname,
		Gateway:            c.GatewayCredentials(),
		Session:            c.SessionCredentials(),
		UseSameCredentials: c.Gateway.UseSameCredentials,
		MaxXmitFrag:        uint16(c.RPC.MaxXmitFrag),
		MaxRecvFrag:        uint16(c.RPC.MaxRecvFrag),
		RecvTimeout:        c.RPC.RecvTimeout,
	}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
// The fragment limits match what Windows RPC runtimes propose on bind.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: 443,
		},
		RPC: RPCConfig{
			RecvTimeout: 30 * time.Second,
			MaxXmitFrag: int(rpce.DefaultMaxXmitFrag),
			MaxRecvFrag: int(rpce.DefaultMaxRecvFrag),
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gotsgw configuration.
// Variables are named GOTSGW_<section>_<key>, e.g., GOTSGW_GATEWAY_HOSTNAME.
const envPrefix = "GOTSGW_"

// Load reads configuration from a YAML file at path (skipped when path
// is empty), overlays environment variable overrides (GOTSGW_ prefix),
// and merges on top of DefaultConfig(). Missing fields inherit
// defaults.
//
// Environment variable mapping:
//
//	GOTSGW_GATEWAY_HOSTNAME -> gateway.hostname
//	GOTSGW_GATEWAY_PASSWORD -> gateway.password
//	GOTSGW_RPC_RECV_TIMEOUT -> rpc.recv_timeout
//	GOTSGW_LOG_LEVEL        -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GOTSGW_GATEWAY_HOSTNAME -> gateway.hostname (strip prefix,
	// lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOTSGW_GATEWAY_USE_SAME_CREDENTIALS into
// gateway.use_same_credentials: the first underscore separates the
// section, the rest belongs to the key.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"gateway.port":      defaults.Gateway.Port,
		"rpc.recv_timeout":  defaults.RPC.RecvTimeout.String(),
		"rpc.max_xmit_frag": defaults.RPC.MaxXmitFrag,
		"rpc.max_recv_frag": defaults.RPC.MaxRecvFrag,
		"metrics.addr":      defaults.Metrics.Addr,
		"metrics.path":      defaults.Metrics.Path,
		"log.level":         defaults.Log.Level,
		"log.format":        defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// minFragSize is the smallest fragment limit this client proposes.
// [MS-RPCE] Section 3.3.3.4.1 guarantees servers support at least 1432.
const minFragSize = 1432

// maxFragSize is the largest encodable fragment limit (u16 field).
const maxFragSize = 0xFFFF

// Validation errors.
var (
	// ErrEmptyGatewayHostname indicates no gateway host was configured.
	ErrEmptyGatewayHostname = errors.New("gateway.hostname must not be empty")

	// ErrInvalidPort indicates the gateway port is out of range.
	ErrInvalidPort = errors.New("gateway.port must be in [1, 65535]")

	// ErrInvalidFragSize indicates a fragment limit is out of range.
	ErrInvalidFragSize = errors.New("rpc fragment limits must be in [1432, 65535]")

	// ErrInvalidRecvTimeout indicates the receive timeout is not positive.
	ErrInvalidRecvTimeout = errors.New("rpc.recv_timeout must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Gateway.Hostname == "" {
		return ErrEmptyGatewayHostname
	}

	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		return ErrInvalidPort
	}

	if cfg.RPC.MaxXmitFrag < minFragSize || cfg.RPC.MaxXmitFrag > maxFragSize {
		return fmt.Errorf("max_xmit_frag %d: %w", cfg.RPC.MaxXmitFrag, ErrInvalidFragSize)
	}
	if cfg.RPC.MaxRecvFrag < minFragSize || cfg.RPC.MaxRecvFrag > maxFragSize {
		return fmt.Errorf("max_recv_frag %d: %w", cfg.RPC.MaxRecvFrag, ErrInvalidFragSize)
	}

	if cfg.RPC.RecvTimeout <= 0 {
		return ErrInvalidRecvTimeout
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
