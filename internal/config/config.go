// Package config loads and validates the edge agent's configuration: the
// tunnel server endpoint, the bearer token, and the local host to forward to.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is the default location for the agent configuration file.
	DefaultConfigPath = "/etc/tunnelagent/agent.yaml"

	// DefaultDataDir is the default directory for agent state files.
	DefaultDataDir = "/var/lib/tunnelagent"
)

// Config holds everything the Config collaborator (spec §6.2) supplies to the
// connection supervisor, plus the ambient logging/data-directory knobs the
// rest of the process needs.
type Config struct {
	// ServerHost is the hostname of the tunnel server's control endpoint.
	ServerHost string `mapstructure:"server_host" yaml:"server_host"`

	// ServerPort is the port of the tunnel server's control endpoint.
	ServerPort int `mapstructure:"server_port" yaml:"server_port"`

	// LocalHost is the host local services are forwarded to (usually "localhost").
	LocalHost string `mapstructure:"local_host" yaml:"local_host"`

	// Token is the bearer token presented on every register_tunnel frame.
	Token string `mapstructure:"token" yaml:"token"`

	// DataDir is the directory where the agent mirrors tunnel registration
	// intent across restarts (see SPEC_FULL.md §4.8).
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// UseTLS selects wss:// over ws:// for the control connection.
	UseTLS bool `mapstructure:"use_tls" yaml:"use_tls"`
}

// ControlURL builds the control-connection URL this config dials.
func (c *Config) ControlURL() string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/tunnel/ws", scheme, c.ServerHost, c.ServerPort)
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables (TUNNELAGENT_*)
// override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server_port", 443)
	v.SetDefault("local_host", "localhost")
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("use_tls", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("TUNNELAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"server_host": "TUNNELAGENT_SERVER_HOST",
		"server_port": "TUNNELAGENT_SERVER_PORT",
		"local_host":  "TUNNELAGENT_LOCAL_HOST",
		"token":       "TUNNELAGENT_TOKEN",
		"data_dir":    "TUNNELAGENT_DATA_DIR",
		"log_level":   "TUNNELAGENT_LOG_LEVEL",
		"use_tls":     "TUNNELAGENT_USE_TLS",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else if os.IsNotExist(err) {
			// viper wraps os errors differently depending on source; treat
			// any "not found" as non-fatal too.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are present and well-formed.
func (c *Config) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("server_host is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.LocalHost == "" {
		return fmt.Errorf("local_host is required")
	}

	if c.DataDir != "" {
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return fmt.Errorf("creating data directory %s: %w", c.DataDir, err)
		}
	}

	return nil
}
