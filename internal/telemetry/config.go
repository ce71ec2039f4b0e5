package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config controls OpenTelemetry export.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string // "grpc" or "http/protobuf"
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
	MetricInterval time.Duration
	ShutdownWait   time.Duration
}

// NewDefaultConfig returns a disabled config with local collector defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		Insecure:       true,
		ServiceName:    "incidentd",
		ServiceVersion: "dev",
		SampleRate:     1.0,
		MetricInterval: 15 * time.Second,
		ShutdownWait:   5 * time.Second,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("telemetry endpoint is required")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("telemetry protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.ServiceName == "" {
		return errors.New("telemetry service name is required")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be in [0,1], got %v", c.SampleRate)
	}
	return nil
}
