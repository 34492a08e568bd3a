// Package config loads the server and client environment variable surface
// via spf13/viper, following a load-then-validate pattern. Every setting
// here is a flat environment variable with the literal name the wire/ops
// surface uses, so viper is used without an env prefix: AutomaticEnv alone
// is enough to bind each key to its same-named variable.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the server process's environment-derived settings.
type ServerConfig struct {
	AccountsConfigFile     string
	AccountsReloadInterval time.Duration
	ClientIPHeader         string
	ParentThreads          int
	ChildThreads           int
	BindAddress            string
	BindPort               int
	HTTPMaxContentLength   int64
	MaxFrameSize           int
	WSPath                 string
	UDPTunnelTimeout       time.Duration
	MaxUDPTunnelsPerClient int
	MetricsEnabled         bool
	MetricsBindAddress     string
	MetricsPort            int
	MetricsPath            string
}

// LoadServerConfig reads the server's environment variables, applying the
// documented defaults for anything unset.
func LoadServerConfig() (*ServerConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ACCOUNTS_CONFIG_FILE", "accounts.yaml")
	v.SetDefault("ACCOUNTS_RELOAD_INTERVAL_SECONDS", 15)
	v.SetDefault("CLIENT_IP_HEADER", "")
	v.SetDefault("PARENT_THREADS", 0)
	v.SetDefault("CHILD_THREADS", 0)
	v.SetDefault("BIND_ADDRESS", "0.0.0.0")
	v.SetDefault("BIND_PORT", 8080)
	v.SetDefault("HTTP_MAX_CONTENT_LENGTH", 65536)
	v.SetDefault("MAX_FRAME_SIZE", 65536)
	v.SetDefault("WS_PATH", "/tunnel")
	v.SetDefault("UDP_TUNNEL_TIMEOUT_SECONDS", 300)
	v.SetDefault("MAX_UDP_TUNNELS_PER_CLIENT", 10)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_BIND_ADDRESS", "")
	v.SetDefault("METRICS_PORT", 9090)
	v.SetDefault("METRICS_PATH", "/metrics")

	cfg := &ServerConfig{
		AccountsConfigFile:     v.GetString("ACCOUNTS_CONFIG_FILE"),
		AccountsReloadInterval: time.Duration(v.GetInt64("ACCOUNTS_RELOAD_INTERVAL_SECONDS")) * time.Second,
		ClientIPHeader:         v.GetString("CLIENT_IP_HEADER"),
		ParentThreads:          v.GetInt("PARENT_THREADS"),
		ChildThreads:           v.GetInt("CHILD_THREADS"),
		BindAddress:            v.GetString("BIND_ADDRESS"),
		BindPort:               v.GetInt("BIND_PORT"),
		HTTPMaxContentLength:   v.GetInt64("HTTP_MAX_CONTENT_LENGTH"),
		MaxFrameSize:           v.GetInt("MAX_FRAME_SIZE"),
		WSPath:                 v.GetString("WS_PATH"),
		UDPTunnelTimeout:       time.Duration(v.GetInt64("UDP_TUNNEL_TIMEOUT_SECONDS")) * time.Second,
		MaxUDPTunnelsPerClient: v.GetInt("MAX_UDP_TUNNELS_PER_CLIENT"),
		MetricsEnabled:         v.GetBool("METRICS_ENABLED"),
		MetricsBindAddress:     v.GetString("METRICS_BIND_ADDRESS"),
		MetricsPort:            v.GetInt("METRICS_PORT"),
		MetricsPath:            v.GetString("METRICS_PATH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate server config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *ServerConfig) Validate() error {
	if c.AccountsConfigFile == "" {
		return fmt.Errorf("ACCOUNTS_CONFIG_FILE is required")
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("BIND_PORT out of range: %d", c.BindPort)
	}
	if c.MaxUDPTunnelsPerClient < 1 {
		return fmt.Errorf("MAX_UDP_TUNNELS_PER_CLIENT must be positive")
	}
	if c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return fmt.Errorf("METRICS_PORT out of range: %d", c.MetricsPort)
	}
	return nil
}

// Addr returns the host:port the server should bind its WebSocket listener to.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.BindPort)
}

// MetricsAddr returns the host:port the metrics endpoint should bind to.
func (c *ServerConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsBindAddress, c.MetricsPort)
}
