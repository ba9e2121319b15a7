// Package config loads the proxy's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/kelseyhightower/envconfig"
)

// ListenHost is the address the proxy listener binds to. It is not
// configurable so that devices on the local network can reach the proxy.
const ListenHost = "0.0.0.0"

// Config holds all application configuration.
type Config struct {
	// Environment labels this process in status reports.
	Environment string `envconfig:"ENV" default:"development"`

	Backend BackendConfig
	Proxy   ProxyConfig
	Admin   AdminConfig
	Logging LogConfig
}

// BackendConfig describes the dev server being proxied.
type BackendConfig struct {
	Host string `envconfig:"BACKEND_HOST" default:"127.0.0.1"`
	Port int    `envconfig:"BACKEND_PORT" default:"8081"`
	// FlutterPort is the older name for the backend port, honored when
	// BACKEND_PORT is not set.
	FlutterPort int `envconfig:"FLUTTER_PORT"`
}

// ProxyConfig holds the proxy listener configuration.
type ProxyConfig struct {
	Port int `envconfig:"PROXY_PORT" default:"8080"`
}

// AdminConfig holds the optional status/metrics listener configuration.
// A zero port disables it.
type AdminConfig struct {
	Port int `envconfig:"ADMIN_PORT" default:"0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, ok := os.LookupEnv("BACKEND_PORT"); !ok && cfg.Backend.FlutterPort != 0 {
		cfg.Backend.Port = cfg.Backend.FlutterPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Backend: BackendConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		Proxy: ProxyConfig{
			Port: 8080,
		},
		Admin: AdminConfig{
			Port: 0,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Backend.Host == "" {
		return errors.New("BACKEND_HOST must not be empty")
	}
	if err := checkPort("BACKEND_PORT", c.Backend.Port, false); err != nil {
		return err
	}
	if err := checkPort("PROXY_PORT", c.Proxy.Port, false); err != nil {
		return err
	}
	if err := checkPort("ADMIN_PORT", c.Admin.Port, true); err != nil {
		return err
	}
	if c.Admin.Port != 0 && c.Admin.Port == c.Proxy.Port {
		return fmt.Errorf("ADMIN_PORT %d collides with PROXY_PORT", c.Admin.Port)
	}
	return nil
}

func checkPort(name string, port int, zeroOK bool) error {
	if port == 0 && zeroOK {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

// BackendURL is the origin requests are forwarded to.
func (c *Config) BackendURL() string {
	return "http://" + net.JoinHostPort(c.Backend.Host, strconv.Itoa(c.Backend.Port))
}

// ListenAddr is the proxy listener address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(ListenHost, strconv.Itoa(c.Proxy.Port))
}

// AdminAddr is the admin listener address, or "" when it is disabled.
func (c *Config) AdminAddr() string {
	if c.Admin.Port == 0 {
		return ""
	}
	return net.JoinHostPort(ListenHost, strconv.Itoa(c.Admin.Port))
}
