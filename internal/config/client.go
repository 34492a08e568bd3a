package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig holds the client process's environment-derived settings.
type ClientConfig struct {
	Threads           int
	BindAddress       string
	BindPort          int
	WebSocketURI      string
	AuthToken         string
	Route             string
	UseOldProtocol    bool
	PingInterval      time.Duration
	PingTimeout       time.Duration
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	UDPTimeout        time.Duration
	ExitOnFailure     bool
}

// LoadClientConfig reads the client's environment variables, applying the
// documented defaults for anything unset.
func LoadClientConfig() (*ClientConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("THREADS", 0)
	v.SetDefault("BIND_ADDRESS", "0.0.0.0")
	v.SetDefault("BIND_PORT", 9000)
	v.SetDefault("WEBSOCKET_URI", "ws://localhost:8080/tunnel")
	v.SetDefault("AUTH_TOKEN", "")
	v.SetDefault("ROUTE", "")
	v.SetDefault("USE_OLD_PROTOCOL", false)
	v.SetDefault("PING_INTERVAL_MILLIS", 5000)
	v.SetDefault("PING_TIMEOUT_MILLIS", 10000)
	v.SetDefault("RETRY_INITIAL_DELAY_SECONDS", 1)
	v.SetDefault("RETRY_MAX_DELAY_SECONDS", 30)
	v.SetDefault("UDP_TIMEOUT", 300)
	v.SetDefault("EXIT_ON_FAILURE", false)

	cfg := &ClientConfig{
		Threads:           v.GetInt("THREADS"),
		BindAddress:       v.GetString("BIND_ADDRESS"),
		BindPort:          v.GetInt("BIND_PORT"),
		WebSocketURI:      v.GetString("WEBSOCKET_URI"),
		AuthToken:         v.GetString("AUTH_TOKEN"),
		Route:             v.GetString("ROUTE"),
		UseOldProtocol:    v.GetBool("USE_OLD_PROTOCOL"),
		PingInterval:      time.Duration(v.GetInt64("PING_INTERVAL_MILLIS")) * time.Millisecond,
		PingTimeout:       time.Duration(v.GetInt64("PING_TIMEOUT_MILLIS")) * time.Millisecond,
		RetryInitialDelay: time.Duration(v.GetInt64("RETRY_INITIAL_DELAY_SECONDS")) * time.Second,
		RetryMaxDelay:     time.Duration(v.GetInt64("RETRY_MAX_DELAY_SECONDS")) * time.Second,
		UDPTimeout:        time.Duration(v.GetInt64("UDP_TIMEOUT")) * time.Second,
		ExitOnFailure:     v.GetBool("EXIT_ON_FAILURE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate client config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *ClientConfig) Validate() error {
	if c.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required")
	}
	if c.Route == "" {
		return fmt.Errorf("ROUTE is required")
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("BIND_PORT out of range: %d", c.BindPort)
	}
	return nil
}

// BindAddr returns the host:port the client should bind its local UDP
// listener to.
func (c *ClientConfig) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.BindPort)
}
