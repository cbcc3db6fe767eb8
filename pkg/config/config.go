// Package config holds sessiond's server configuration: defaults, a YAML
// file layer, and environment-variable overrides, in that precedence
// order (flags, bound directly onto a Config by the cmd/sessiond CLI,
// take final precedence over both).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sessiond server.
type Config struct {
	Port       int    `yaml:"port"`
	Host       string `yaml:"host"`
	StaticPath string `yaml:"static_path"`

	// Authentication: a static API key checked against the X-API-Key
	// header or an Authorization: Bearer token.
	APIKey string `yaml:"api_key"`

	ControlDir string `yaml:"control_dir"`

	DefaultCols int    `yaml:"default_cols"`
	DefaultRows int    `yaml:"default_rows"`
	DefaultTerm string `yaml:"default_term"`

	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`

	// Tunnel (C9) settings.
	TunnelEnabled   bool   `yaml:"tunnel_enabled"`
	NgrokAuthtoken  string `yaml:"ngrok_authtoken"`
	NgrokDomain     string `yaml:"ngrok_domain,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	controlDir := filepath.Join(homeDir, ".sessiond", "control")

	return &Config{
		Port:       4020,
		Host:       "",
		ControlDir: controlDir,

		DefaultCols: 80,
		DefaultRows: 24,
		DefaultTerm: "xterm-256color",

		CleanupInterval:     5 * time.Minute,
		HealthCheckInterval: 15 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		RequestTimeout:      10 * time.Second,
	}
}

// LoadFile merges a YAML config file onto the receiver, overwriting any
// field the file sets. A missing file is not an error — callers typically
// call this against an optional, user-supplied path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays environment variables, for settings that operators
// commonly inject via container orchestration rather than a mounted file.
// VT_PORT and VT_CONTROL_DIR are read when SESSIOND_PORT and
// SESSIOND_CONTROL_DIR are unset.
func (c *Config) LoadFromEnv() {
	port := os.Getenv("SESSIOND_PORT")
	if port == "" {
		port = os.Getenv("VT_PORT")
	}
	if port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			c.Port = v
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid port value: %s\n", port)
		}
	}
	if key := os.Getenv("SESSIOND_API_KEY"); key != "" {
		c.APIKey = key
	}
	dir := os.Getenv("SESSIOND_CONTROL_DIR")
	if dir == "" {
		dir = os.Getenv("VT_CONTROL_DIR")
	}
	if dir != "" {
		c.ControlDir = dir
	}
	if token := os.Getenv("SESSIOND_NGROK_AUTHTOKEN"); token != "" {
		c.NgrokAuthtoken = token
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.StaticPath != "" {
		if _, err := os.Stat(c.StaticPath); err != nil {
			return fmt.Errorf("static path does not exist: %s", c.StaticPath)
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DefaultCols < 1 || c.DefaultCols > 1000 {
		return fmt.Errorf("invalid default columns: %d", c.DefaultCols)
	}
	if c.DefaultRows < 1 || c.DefaultRows > 1000 {
		return fmt.Errorf("invalid default rows: %d", c.DefaultRows)
	}
	if c.TunnelEnabled && c.NgrokAuthtoken == "" {
		return fmt.Errorf("tunnel_enabled requires ngrok_authtoken")
	}
	return nil
}

// HasAuth reports whether API key authentication is configured.
func (c *Config) HasAuth() bool {
	return c.APIKey != ""
}
