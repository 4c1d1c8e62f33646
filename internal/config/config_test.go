package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netsync.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DealerPort != 5555 || cfg.PubPort != 5556 || cfg.DiscoveryPort != 9999 {
		t.Errorf("ports: %+v", cfg)
	}
	if cfg.InactivityTimeoutSeconds != 1.0 || cfg.BroadcastMinPeriodMs != 50 || cfg.BroadcastMaxPeriodMs != 500 {
		t.Errorf("timings: %+v", cfg)
	}
	if cfg.AdminPort != 8800 || !cfg.AdminEnabled {
		t.Errorf("admin: %+v", cfg)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dealer_port = 6001
pub_port = 6002
server_name = "lab-rig"
inactivity_timeout_seconds = 2.5
`)
	cfg, err := Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DealerPort != 6001 || cfg.PubPort != 6002 {
		t.Errorf("ports not taken from file: %+v", cfg)
	}
	if cfg.ServerName != "lab-rig" || cfg.InactivityTimeoutSeconds != 2.5 {
		t.Errorf("values not taken from file: %+v", cfg)
	}
	// Untouched keys keep defaults.
	if cfg.DiscoveryPort != 9999 {
		t.Errorf("discovery port: %d", cfg.DiscoveryPort)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `dealer_port = 6001`)
	cfg, err := Load([]string{"-config", path, "-dealer-port", "7001"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DealerPort != 7001 {
		t.Errorf("flag did not win: %d", cfg.DealerPort)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `server_name = "from-file"`)
	t.Setenv("NETSYNC_SERVER_NAME", "from-env")
	cfg, err := Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerName != "from-env" {
		t.Errorf("env did not win over file: %q", cfg.ServerName)
	}
}

func TestUnknownKeyFails(t *testing.T) {
	path := writeConfig(t, `dealer_prot = 6001`)
	_, err := Load([]string{"-config", path})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unknown key accepted: %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_dealer_port", func(c *Config) { c.DealerPort = 0 }},
		{"port_collision", func(c *Config) { c.PubPort = c.DealerPort }},
		{"empty_server_name", func(c *Config) { c.ServerName = "" }},
		{"pipe_in_server_name", func(c *Config) { c.ServerName = "a|b" }},
		{"negative_timeout", func(c *Config) { c.InactivityTimeoutSeconds = -1 }},
		{"inverted_periods", func(c *Config) { c.BroadcastMinPeriodMs = 600 }},
		{"bad_log_level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad_log_format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}
