// Package config provides configuration loading for hydrarelay using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the HYDRARELAY_ prefix and underscore-separated keys:
//   - HYDRARELAY_LOGGING_LEVEL -> logging.level
//   - HYDRARELAY_WEB_UI_PORT -> web_ui.port
//
// Service definitions are list-valued and come from the config file only.
package config

import (
	"slices"
	"strings"
)

// Protocol selects which listeners a service runs.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// HasTCP reports whether the protocol includes a TCP listener.
func (p Protocol) HasTCP() bool {
	return p == ProtocolTCP || p == ProtocolBoth
}

// HasUDP reports whether the protocol includes a UDP listener.
func (p Protocol) HasUDP() bool {
	return p == ProtocolUDP || p == ProtocolBoth
}

// ListenConfig is a service's bind address.
type ListenConfig struct {
	Address string `yaml:"address" mapstructure:"address" json:"address"`
	Port    int    `yaml:"port"    mapstructure:"port"    json:"port"`
}

// HealthCheckConfig controls active TCP probing of a service's backends.
type HealthCheckConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	// Interval between probe rounds in seconds (default: 60, must be > 0)
	Interval float64 `yaml:"interval" mapstructure:"interval" json:"interval"`
	// Timeout for a single probe dial in seconds (default: 5, must be > 0 and <= interval)
	Timeout float64 `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// EventHookConfig defines a command executed when backend state changes.
type EventHookConfig struct {
	Command string   `yaml:"command" mapstructure:"command" json:"command"`
	Args    []string `yaml:"args"    mapstructure:"args"    json:"args,omitempty"`
	Events  []string `yaml:"events"  mapstructure:"events"  json:"events,omitempty"`
	// Timeout for one hook invocation in seconds (default: 30, must be > 0)
	Timeout float64 `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// WebUIConfig contains management API / web UI settings.
//
// Note: Password is a secret and must not be returned by API endpoints.
type WebUIConfig struct {
	Enabled       bool   `yaml:"enabled"        mapstructure:"enabled"`
	ListenAddress string `yaml:"listen_address" mapstructure:"listen_address"`
	Port          int    `yaml:"port"           mapstructure:"port"`
	AuthEnabled   bool   `yaml:"auth_enabled"   mapstructure:"auth_enabled"`
	Username      string `yaml:"username"       mapstructure:"username"`
	Password      string `yaml:"password"       mapstructure:"password"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool   `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool   `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
}

// DatabaseConfig contains the event history store settings.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path" json:"path"`
}

// ServiceConfig is one relay service definition.
type ServiceConfig struct {
	Name   string       `yaml:"name"   mapstructure:"name"   json:"name"`
	Listen ListenConfig `yaml:"listen" mapstructure:"listen" json:"listen"`
	// Backends are "host:port" strings; IPv6 literals use "[host]:port".
	Backends []string `yaml:"backends" mapstructure:"backends" json:"backends"`
	Protocol Protocol `yaml:"protocol" mapstructure:"protocol" json:"protocol"`
	// BackendCooldown is the quarantine duration in seconds after the second
	// consecutive failure (default: 1800, must be >= 0).
	BackendCooldown float64            `yaml:"backend_cooldown" mapstructure:"backend_cooldown" json:"backend_cooldown"`
	HealthCheck     *HealthCheckConfig `yaml:"health_check"     mapstructure:"health_check"     json:"health_check,omitempty"`
	EventHook       *EventHookConfig   `yaml:"event_hook"       mapstructure:"event_hook"       json:"event_hook,omitempty"`
}

// Equal reports whether two service definitions are structurally identical for
// reload purposes: listen address, protocol, backend order, cooldown, and the
// health-check block. The event hook block is intentionally excluded so that
// hook-only edits do not restart a running service.
func (s ServiceConfig) Equal(other ServiceConfig) bool {
	if s.Name != other.Name ||
		s.Listen != other.Listen ||
		s.Protocol != other.Protocol ||
		s.BackendCooldown != other.BackendCooldown {
		return false
	}
	if !slices.Equal(s.Backends, other.Backends) {
		return false
	}
	switch {
	case s.HealthCheck == nil && other.HealthCheck == nil:
	case s.HealthCheck == nil || other.HealthCheck == nil:
		return false
	default:
		if *s.HealthCheck != *other.HealthCheck {
			return false
		}
	}
	return true
}

// Config is the root configuration structure.
type Config struct {
	Services []ServiceConfig `yaml:"services" mapstructure:"services"`
	WebUI    WebUIConfig     `yaml:"web_ui"   mapstructure:"web_ui"`
	Logging  LoggingConfig   `yaml:"logging"  mapstructure:"logging"`
	Database DatabaseConfig  `yaml:"database" mapstructure:"database"`
}

// ServiceNames returns the configured service names in order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	return names
}

// ServiceByName returns the named service definition, or false.
func (c *Config) ServiceByName(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// normalizeProtocol lowercases and defaults a protocol string.
func normalizeProtocol(raw string) Protocol {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ProtocolBoth
	}
	return Protocol(raw)
}
