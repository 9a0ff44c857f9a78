// Package config loads the udplistener YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"udplistener/pkg/endpoint"
	"udplistener/pkg/textcodec"
	"udplistener/pkg/udperr"
)

type Config struct {
	Listener  ListenerConfig  `yaml:"listener"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ListenerConfig struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"` // 0 allocates from 50000 upward
	BufferSize int    `yaml:"buffer_size"`
	Encoding   string `yaml:"encoding"`
	Timeout    int    `yaml:"timeout"` // seconds
	OneShot    bool   `yaml:"one_shot"`
}

type TelemetryConfig struct {
	// Traces is one of "none", "stdout" or "otlp".
	Traces string `yaml:"traces"`
}

type MetricsConfig struct {
	// Address serves /metrics when set, e.g. "127.0.0.1:9100" or ":9100".
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Output is "stdout", "stderr" or "none".
	Output string `yaml:"output"`
	Pretty bool   `yaml:"pretty"`
}

func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:    endpoint.DefaultAddress,
			BufferSize: endpoint.DefaultBufferSize,
			Encoding:   textcodec.Default,
			Timeout:    int(endpoint.DefaultTimeout / time.Second),
		},
		Telemetry: TelemetryConfig{Traces: "none"},
		Logging:   LoggingConfig{Level: "info", Output: "stderr"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Listener.Validate(); err != nil {
		return fmt.Errorf("listener config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (l *ListenerConfig) Validate() error {
	if l.Timeout < 0 {
		return udperr.Validation("listener", "timeout must not be negative, got %d", l.Timeout)
	}
	return l.Endpoint().Validate()
}

// Endpoint converts the listener section into an endpoint configuration.
func (l *ListenerConfig) Endpoint() endpoint.Config {
	return endpoint.Config{
		Address:    l.Address,
		Port:       l.Port,
		BufferSize: l.BufferSize,
		Encoding:   l.Encoding,
		Timeout:    time.Duration(l.Timeout) * time.Second,
		OneShot:    l.OneShot,
	}
}

func (t *TelemetryConfig) Validate() error {
	switch t.Traces {
	case "", "none", "stdout", "otlp":
		return nil
	default:
		return udperr.Validation("telemetry", "traces must be one of none, stdout, otlp, got %q", t.Traces)
	}
}

func (m *MetricsConfig) Validate() error {
	if m.Address == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(m.Address)
	if err != nil {
		return udperr.Validation("metrics", "metrics address %q: %v", m.Address, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return udperr.Validation("metrics", "metrics address %q: port must be 0 <= port <= 65535", m.Address)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return udperr.Validation("logging", "level must be one of debug, info, warn, error, got %q", l.Level)
	}
	switch l.Output {
	case "", "stdout", "stderr", "none":
	default:
		return udperr.Validation("logging", "output must be one of stdout, stderr, none, got %q", l.Output)
	}
	return nil
}
