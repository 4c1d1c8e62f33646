// Package config loads server configuration from a TOML file, environment
// variables, and CLI flags. Precedence: flags over environment over file over
// defaults. Unknown file keys are fatal at startup.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// ErrConfiguration marks any startup configuration failure.
var ErrConfiguration = errors.New("configuration error")

// Config is the full option set. TOML keys and env names follow the field
// tags; every option also has a CLI flag (dashes for underscores).
type Config struct {
	DealerPort      int    `toml:"dealer_port" env:"DEALER_PORT"`
	PubPort         int    `toml:"pub_port" env:"PUB_PORT"`
	DiscoveryPort   int    `toml:"discovery_port" env:"DISCOVERY_PORT"`
	EnableDiscovery bool   `toml:"enable_discovery" env:"ENABLE_DISCOVERY"`
	ServerName      string `toml:"server_name" env:"SERVER_NAME"`

	InactivityTimeoutSeconds float64 `toml:"inactivity_timeout_seconds" env:"INACTIVITY_TIMEOUT_SECONDS"`

	BroadcastMinPeriodMs int `toml:"broadcast_min_period_ms" env:"BROADCAST_MIN_PERIOD_MS"`
	BroadcastMaxPeriodMs int `toml:"broadcast_max_period_ms" env:"BROADCAST_MAX_PERIOD_MS"`

	AdminPort    int  `toml:"admin_port" env:"ADMIN_PORT"`
	AdminEnabled bool `toml:"admin_enabled" env:"ADMIN_ENABLED"`

	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DealerPort:               5555,
		PubPort:                  5556,
		DiscoveryPort:            9999,
		EnableDiscovery:          true,
		ServerName:               "netsync",
		InactivityTimeoutSeconds: 1.0,
		BroadcastMinPeriodMs:     50,
		BroadcastMaxPeriodMs:     500,
		AdminPort:                8800,
		AdminEnabled:             true,
		LogLevel:                 "info",
		LogFormat:                "json",
	}
}

// InactivityTimeout returns the reap timeout as a duration.
func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSeconds * float64(time.Second))
}

// BroadcastMinPeriod returns the adaptive broadcast floor.
func (c Config) BroadcastMinPeriod() time.Duration {
	return time.Duration(c.BroadcastMinPeriodMs) * time.Millisecond
}

// BroadcastMaxPeriod returns the adaptive broadcast ceiling.
func (c Config) BroadcastMaxPeriod() time.Duration {
	return time.Duration(c.BroadcastMaxPeriodMs) * time.Millisecond
}

// Load resolves the configuration from args: defaults, then the TOML file
// named by -config (if any), then NETSYNC_-prefixed environment variables,
// then explicitly set flags. The result is validated.
func Load(args []string) (Config, error) {
	def := Default()
	fs := flag.NewFlagSet("netsync-server", flag.ContinueOnError)

	configPath := fs.String("config", "", "path to TOML config file")
	flagCfg := Config{}
	fs.IntVar(&flagCfg.DealerPort, "dealer-port", def.DealerPort, "request (ROUTER) socket TCP port")
	fs.IntVar(&flagCfg.PubPort, "pub-port", def.PubPort, "publish (PUB) socket TCP port")
	fs.IntVar(&flagCfg.DiscoveryPort, "discovery-port", def.DiscoveryPort, "UDP discovery beacon port")
	fs.BoolVar(&flagCfg.EnableDiscovery, "enable-discovery", def.EnableDiscovery, "answer LAN discovery requests")
	fs.StringVar(&flagCfg.ServerName, "server-name", def.ServerName, "server name reported by discovery")
	fs.Float64Var(&flagCfg.InactivityTimeoutSeconds, "inactivity-timeout", def.InactivityTimeoutSeconds, "seconds without a frame before a client is reaped")
	fs.IntVar(&flagCfg.BroadcastMinPeriodMs, "broadcast-min-period-ms", def.BroadcastMinPeriodMs, "adaptive broadcast floor in milliseconds")
	fs.IntVar(&flagCfg.BroadcastMaxPeriodMs, "broadcast-max-period-ms", def.BroadcastMaxPeriodMs, "adaptive broadcast ceiling in milliseconds")
	fs.IntVar(&flagCfg.AdminPort, "admin-port", def.AdminPort, "admin HTTP port")
	fs.BoolVar(&flagCfg.AdminEnabled, "admin-enabled", def.AdminEnabled, "serve the admin HTTP interface")
	fs.StringVar(&flagCfg.LogLevel, "log-level", def.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&flagCfg.LogFormat, "log-format", def.LogFormat, "log format: json or pretty")

	if err := fs.Parse(args); err != nil {
		return def, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	cfg := def
	if *configPath != "" {
		if err := loadFile(&cfg, *configPath); err != nil {
			return cfg, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "NETSYNC_"}); err != nil {
		return cfg, fmt.Errorf("%w: environment: %v", ErrConfiguration, err)
	}

	if explicit["dealer-port"] {
		cfg.DealerPort = flagCfg.DealerPort
	}
	if explicit["pub-port"] {
		cfg.PubPort = flagCfg.PubPort
	}
	if explicit["discovery-port"] {
		cfg.DiscoveryPort = flagCfg.DiscoveryPort
	}
	if explicit["enable-discovery"] {
		cfg.EnableDiscovery = flagCfg.EnableDiscovery
	}
	if explicit["server-name"] {
		cfg.ServerName = flagCfg.ServerName
	}
	if explicit["inactivity-timeout"] {
		cfg.InactivityTimeoutSeconds = flagCfg.InactivityTimeoutSeconds
	}
	if explicit["broadcast-min-period-ms"] {
		cfg.BroadcastMinPeriodMs = flagCfg.BroadcastMinPeriodMs
	}
	if explicit["broadcast-max-period-ms"] {
		cfg.BroadcastMaxPeriodMs = flagCfg.BroadcastMaxPeriodMs
	}
	if explicit["admin-port"] {
		cfg.AdminPort = flagCfg.AdminPort
	}
	if explicit["admin-enabled"] {
		cfg.AdminEnabled = flagCfg.AdminEnabled
	}
	if explicit["log-level"] {
		cfg.LogLevel = flagCfg.LogLevel
	}
	if explicit["log-format"] {
		cfg.LogFormat = flagCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrConfiguration, path, err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: %s: unknown keys:\n%s", ErrConfiguration, path, strict.String())
		}
		return fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	for name, port := range map[string]int{
		"dealer_port":    c.DealerPort,
		"pub_port":       c.PubPort,
		"discovery_port": c.DiscoveryPort,
		"admin_port":     c.AdminPort,
	} {
		if port < 1 || port > 65535 {
			return fail("%s %d outside 1..65535", name, port)
		}
	}
	if c.DealerPort == c.PubPort {
		return fail("dealer_port and pub_port must differ")
	}
	if len(c.ServerName) == 0 || len(c.ServerName) > 64 {
		return fail("server_name must be 1..64 bytes, got %d", len(c.ServerName))
	}
	for _, r := range c.ServerName {
		if r < 0x20 || r > 0x7E || r == '|' {
			return fail("server_name must be printable ASCII without '|'")
		}
	}
	if c.InactivityTimeoutSeconds <= 0 {
		return fail("inactivity_timeout_seconds must be positive")
	}
	if c.BroadcastMinPeriodMs <= 0 || c.BroadcastMaxPeriodMs < c.BroadcastMinPeriodMs {
		return fail("broadcast periods must satisfy 0 < min <= max")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fail("log_level %q unknown", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fail("log_format %q unknown", c.LogFormat)
	}
	return nil
}
