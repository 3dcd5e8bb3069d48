package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the callsight collector.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// DevLink3 connector
	DevLinkHost      string
	DevLinkPort      int
	DevLinkUsername  string
	DevLinkPassword  string
	DevLinkUseTLS    bool
	DevLinkTLSVerify bool
	EventFlags       string

	// SMDR listener
	SmdrEnabled bool
	SmdrHost    string
	SmdrPort    int

	// Persistence
	DataDir       string
	DatabaseURL   string // postgres URL; empty selects embedded sqlite
	DBPoolMax     int
	DBIdleTimeout int // milliseconds

	// Pub/sub
	BrokerURL string // redis URL; empty selects the in-process broker

	// Observability
	HTTPPort  int
	LogLevel  string
	LogFormat string // "text" or "json"

	Environment string // "production" or "development"
}

// defaults
const (
	defaultDevLinkPort    = 50797
	defaultDevLinkTLSPort = 50796
	defaultSmdrPort       = 1150
	defaultDataDir        = "./data"
	defaultDBPoolMax      = 20
	defaultDBIdleTimeout  = 30000
	defaultHTTPPort       = 8080
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultEnvironment    = "development"
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callsight", flag.ContinueOnError)

	fs.StringVar(&cfg.DevLinkHost, "devlink-host", "", "IP Office address for the DevLink3 connection")
	fs.IntVar(&cfg.DevLinkPort, "devlink-port", 0, "DevLink3 port (defaults to 50797, or 50796 with TLS)")
	fs.StringVar(&cfg.DevLinkUsername, "devlink-username", "", "DevLink3 service user name")
	fs.StringVar(&cfg.DevLinkPassword, "devlink-password", "", "DevLink3 service user password")
	fs.BoolVar(&cfg.DevLinkUseTLS, "devlink-tls", false, "connect to DevLink3 over TLS")
	fs.BoolVar(&cfg.DevLinkTLSVerify, "devlink-tls-verify", true, "verify the IP Office TLS certificate (disable only against self-signed lab systems)")
	fs.StringVar(&cfg.EventFlags, "event-flags", "", "DevLink3 event subscription flags (protocol default when empty)")
	fs.BoolVar(&cfg.SmdrEnabled, "smdr-enabled", true, "accept SMDR record deliveries over TCP")
	fs.StringVar(&cfg.SmdrHost, "smdr-host", "0.0.0.0", "SMDR listener bind address")
	fs.IntVar(&cfg.SmdrPort, "smdr-port", defaultSmdrPort, "SMDR listener TCP port")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection URL (embedded sqlite when empty)")
	fs.IntVar(&cfg.DBPoolMax, "db-pool-max", defaultDBPoolMax, "maximum database connections (postgres only)")
	fs.IntVar(&cfg.DBIdleTimeout, "db-idle-timeout-ms", defaultDBIdleTimeout, "idle database connection timeout in milliseconds")
	fs.StringVar(&cfg.BrokerURL, "broker-url", "", "redis URL for event publishing (in-process broker when empty)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP port for health and metrics")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.Environment, "environment", defaultEnvironment, "deployment environment (production, development)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if cfg.DevLinkPort == 0 {
		if cfg.DevLinkUseTLS {
			cfg.DevLinkPort = defaultDevLinkTLSPort
		} else {
			cfg.DevLinkPort = defaultDevLinkPort
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Env var names follow the IP Office integration conventions rather
	// than a single prefix, so the map is explicit.
	envMap := map[string]string{
		"devlink-host":       "DEVLINK3_HOST",
		"devlink-port":       "DEVLINK3_PORT",
		"devlink-username":   "DEVLINK3_USERNAME",
		"devlink-password":   "DEVLINK3_PASSWORD",
		"devlink-tls":        "DEVLINK3_USE_TLS",
		"devlink-tls-verify": "DEVLINK3_TLS_VERIFY",
		"event-flags":        "DEVLINK3_EVENT_FLAGS",
		"smdr-enabled":       "SMDR_ENABLED",
		"smdr-host":          "SMDR_HOST",
		"smdr-port":          "SMDR_PORT",
		"data-dir":           "DATA_DIR",
		"database-url":       "DATABASE_URL",
		"db-pool-max":        "DB_POOL_MAX",
		"db-idle-timeout-ms": "DB_IDLE_TIMEOUT_MS",
		"broker-url":         "BROKER_URL",
		"http-port":          "HTTP_PORT",
		"log-level":          "LOG_LEVEL",
		"log-format":         "LOG_FORMAT",
		"environment":        "ENVIRONMENT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "devlink-host":
			cfg.DevLinkHost = val
		case "devlink-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DevLinkPort = v
			}
		case "devlink-username":
			cfg.DevLinkUsername = val
		case "devlink-password":
			cfg.DevLinkPassword = val
		case "devlink-tls":
			cfg.DevLinkUseTLS = parseBool(val)
		case "devlink-tls-verify":
			cfg.DevLinkTLSVerify = parseBool(val)
		case "event-flags":
			cfg.EventFlags = val
		case "smdr-enabled":
			cfg.SmdrEnabled = parseBool(val)
		case "smdr-host":
			cfg.SmdrHost = val
		case "smdr-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SmdrPort = v
			}
		case "data-dir":
			cfg.DataDir = val
		case "database-url":
			cfg.DatabaseURL = val
		case "db-pool-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DBPoolMax = v
			}
		case "db-idle-timeout-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DBIdleTimeout = v
			}
		case "broker-url":
			cfg.BrokerURL = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "environment":
			cfg.Environment = val
		}
	}
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate checks that the config values are sane. Missing DevLink3
// credentials are fatal in production and a warning in development,
// where the collector can still run on SMDR alone.
func (c *Config) validate() error {
	c.Environment = strings.ToLower(c.Environment)
	if c.Environment != "production" && c.Environment != "development" {
		return fmt.Errorf("environment must be production or development, got %q", c.Environment)
	}

	missing := c.missingDevLink()
	if len(missing) > 0 {
		if c.Production() {
			return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
		}
		slog.Warn("DevLink3 connection not configured, running without the real-time feed",
			"missing", strings.Join(missing, ", "))
	}

	if c.DevLinkPort < 1 || c.DevLinkPort > 65535 {
		return fmt.Errorf("devlink-port must be between 1 and 65535, got %d", c.DevLinkPort)
	}
	if c.SmdrPort < 1 || c.SmdrPort > 65535 {
		return fmt.Errorf("smdr-port must be between 1 and 65535, got %d", c.SmdrPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.DBPoolMax < 1 {
		return fmt.Errorf("db-pool-max must be at least 1, got %d", c.DBPoolMax)
	}
	if c.DBIdleTimeout < 0 {
		return fmt.Errorf("db-idle-timeout-ms must not be negative, got %d", c.DBIdleTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

func (c *Config) missingDevLink() []string {
	var missing []string
	if c.DevLinkHost == "" {
		missing = append(missing, "devlink-host")
	}
	if c.DevLinkUsername == "" {
		missing = append(missing, "devlink-username")
	}
	if c.DevLinkPassword == "" {
		missing = append(missing, "devlink-password")
	}
	return missing
}

// Production reports whether the collector runs with production strictness.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// DevLinkConfigured reports whether the real-time feed can be started.
func (c *Config) DevLinkConfigured() bool {
	return len(c.missingDevLink()) == 0
}

// DatabaseDriver selects the persistence backend from DatabaseURL.
func (c *Config) DatabaseDriver() string {
	if c.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite"
}

// SlogLevel converts the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogHandler builds the root log handler per the configured format.
func (c *Config) SlogHandler() slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}
