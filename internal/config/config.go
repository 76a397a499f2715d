// Package config provides configuration loading and validation for hydrarelay.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/hydrarelay/main.go)
//  2. Environment variables (HYDRARELAY_* prefix)
//  3. YAML config file
//  4. Hardcoded defaults
//
// All configuration is validated during Load() to ensure correctness early; a
// file that fails validation never produces a partially-applied Config.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Defaults for optional service fields.
const (
	DefaultBackendCooldown     = 1800.0
	DefaultHealthCheckInterval = 60.0
	DefaultHealthCheckTimeout  = 5.0
	DefaultEventHookTimeout    = 30.0
	DefaultWebUIPort           = 8088
)

// ValidEventTypes are the event names an event_hook block may subscribe to.
var ValidEventTypes = map[string]bool{
	"backend_failed":           true,
	"all_backends_unavailable": true,
	"backend_recovered":        true,
}

// ParseBackend parses a backend configuration string.
//
// Supported formats:
//   - example.com:80
//   - 192.168.1.1:80
//   - [2001:db8::1]:80 (IPv6)
func ParseBackend(backend string) (host string, port int, err error) {
	if strings.HasPrefix(backend, "[") {
		// IPv6 format: [host]:port
		idx := strings.LastIndex(backend, "]:")
		if idx < 0 {
			return "", 0, fmt.Errorf("invalid IPv6 backend format: %q", backend)
		}
		host = backend[1:idx]
		port, err = parsePort(backend[idx+2:])
		if err != nil {
			return "", 0, fmt.Errorf("invalid backend %q: %w", backend, err)
		}
		if host == "" {
			return "", 0, fmt.Errorf("invalid backend %q: empty host", backend)
		}
		return host, port, nil
	}

	idx := strings.LastIndex(backend, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid backend format (missing port): %q", backend)
	}
	host = backend[:idx]
	if host == "" {
		return "", 0, fmt.Errorf("invalid backend %q: empty host", backend)
	}
	if strings.Contains(host, ":") {
		// Unbracketed IPv6 literal is ambiguous
		return "", 0, fmt.Errorf("invalid backend %q: IPv6 literals must be bracketed", backend)
	}
	port, err = parsePort(backend[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid backend %q: %w", backend, err)
	}
	return host, port, nil
}

func parsePort(raw string) (int, error) {
	p, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", raw)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range 1..65535", p)
	}
	return p, nil
}

// IsIPLiteral reports whether host parses as an IPv4 or IPv6 address.
func IsIPLiteral(host string) bool {
	return net.ParseIP(host) != nil
}

// initConfig sets up the config loader with defaults, env binding, and the config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding.
	// Uses HYDRARELAY_ prefix: HYDRARELAY_LOGGING_LEVEL -> logging.level
	v.SetEnvPrefix("HYDRARELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Web UI defaults: disabled and bound to localhost for safety.
	v.SetDefault("web_ui.enabled", false)
	v.SetDefault("web_ui.listen_address", "127.0.0.1")
	v.SetDefault("web_ui.port", DefaultWebUIPort)
	v.SetDefault("web_ui.auth_enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)

	// Event history database
	v.SetDefault("database.path", "hydrarelay.db")
}

// Load loads and validates configuration from a YAML file.
// This is the main entry point for loading configuration.
func Load(path string) (*Config, error) {
	v, err := initConfig(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Database.Path = v.GetString("database.path")

	if err := loadWebUIConfig(v, cfg); err != nil {
		return nil, err
	}
	if err := loadServices(v, cfg); err != nil {
		return nil, err
	}
	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadWebUIConfig(v *viper.Viper, cfg *Config) error {
	cfg.WebUI.Enabled = v.GetBool("web_ui.enabled")
	cfg.WebUI.ListenAddress = v.GetString("web_ui.listen_address")
	cfg.WebUI.Port = v.GetInt("web_ui.port")
	cfg.WebUI.AuthEnabled = v.GetBool("web_ui.auth_enabled")
	cfg.WebUI.Username = v.GetString("web_ui.username")
	cfg.WebUI.Password = v.GetString("web_ui.password")

	if cfg.WebUI.AuthEnabled && (cfg.WebUI.Username == "" || cfg.WebUI.Password == "") {
		return errors.New("web_ui.auth_enabled requires both username and password")
	}
	return nil
}

func loadServices(v *viper.Viper, cfg *Config) error {
	if !v.IsSet("services") {
		return errors.New("configuration must contain a 'services' section")
	}
	if err := v.UnmarshalKey("services", &cfg.Services); err != nil {
		return fmt.Errorf("failed to parse services: %w", err)
	}
	if len(cfg.Services) == 0 {
		return errors.New("configuration must contain at least one service")
	}

	applyServiceDefaults(v.Get("services"), cfg.Services)
	return nil
}

// applyServiceDefaults fills defaults for optional numeric fields that were
// absent from the file. Explicit zeros are preserved so that a configured
// backend_cooldown of 0 means "no quarantine" rather than the default, and an
// explicit health_check interval/timeout of 0 is rejected by validation.
func applyServiceDefaults(raw any, services []ServiceConfig) {
	entries, _ := raw.([]any)
	for i := range services {
		var entry map[string]any
		if i < len(entries) {
			entry, _ = entries[i].(map[string]any)
		}
		if !hasKey(entry, "backend_cooldown") {
			services[i].BackendCooldown = DefaultBackendCooldown
		}
		if hc := services[i].HealthCheck; hc != nil {
			sub, _ := entry["health_check"].(map[string]any)
			if !hasKey(sub, "interval") {
				hc.Interval = DefaultHealthCheckInterval
			}
			if !hasKey(sub, "timeout") {
				hc.Timeout = DefaultHealthCheckTimeout
			}
		}
		if hook := services[i].EventHook; hook != nil {
			sub, _ := entry["event_hook"].(map[string]any)
			if !hasKey(sub, "timeout") {
				hook.Timeout = DefaultEventHookTimeout
			}
		}
	}
}

func hasKey(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.WebUI.ListenAddress == "" {
		cfg.WebUI.ListenAddress = "127.0.0.1"
	}
	if cfg.WebUI.Enabled {
		if cfg.WebUI.Port <= 0 || cfg.WebUI.Port > 65535 {
			return errors.New("web_ui.port must be 1..65535")
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "hydrarelay.db"
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if err := normalizeService(svc); err != nil {
			return fmt.Errorf("invalid configuration for service #%d: %w", i, err)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	return nil
}

func normalizeService(svc *ServiceConfig) error {
	if strings.TrimSpace(svc.Name) == "" {
		return errors.New("service must have a 'name' field")
	}
	if svc.Listen.Address == "" {
		return errors.New("listen config must have 'address'")
	}
	if svc.Listen.Port < 1 || svc.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range 1..65535", svc.Listen.Port)
	}
	if len(svc.Backends) == 0 {
		return errors.New("service must have at least one backend")
	}
	for _, b := range svc.Backends {
		if _, _, err := ParseBackend(b); err != nil {
			return err
		}
	}

	svc.Protocol = normalizeProtocol(string(svc.Protocol))
	switch svc.Protocol {
	case ProtocolTCP, ProtocolUDP, ProtocolBoth:
	default:
		return fmt.Errorf("invalid protocol %q, must be 'tcp', 'udp', or 'both'", svc.Protocol)
	}

	if svc.BackendCooldown < 0 {
		return fmt.Errorf("invalid backend_cooldown %v, must be >= 0", svc.BackendCooldown)
	}

	if hc := svc.HealthCheck; hc != nil {
		if hc.Interval <= 0 {
			return fmt.Errorf("invalid health_check interval %v, must be > 0", hc.Interval)
		}
		if hc.Timeout <= 0 || hc.Timeout > hc.Interval {
			return fmt.Errorf("invalid health_check timeout %v, must be > 0 and <= interval", hc.Timeout)
		}
	}

	if hook := svc.EventHook; hook != nil {
		if strings.TrimSpace(hook.Command) == "" {
			return errors.New("event_hook must have a 'command' field")
		}
		if hook.Timeout <= 0 {
			return fmt.Errorf("invalid event_hook timeout %v, must be > 0", hook.Timeout)
		}
		for _, ev := range hook.Events {
			if !ValidEventTypes[ev] {
				return fmt.Errorf("invalid event type %q", ev)
			}
		}
	}

	return nil
}
