package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
services:
  - name: web
    listen:
      address: 0.0.0.0
      port: 8080
    backends:
      - "backend1.example.com:80"
      - "10.0.0.5:80"
`

func TestParseBackend(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"domain", "example.com:80", "example.com", 80, false},
		{"ipv4", "192.168.1.1:8080", "192.168.1.1", 8080, false},
		{"ipv6 bracketed", "[2001:db8::1]:80", "2001:db8::1", 80, false},
		{"ipv6 loopback", "[::1]:80", "::1", 80, false},
		{"missing port", "example.com", "", 0, true},
		{"empty host", ":80", "", 0, true},
		{"unbracketed ipv6", "2001:db8::1:80", "", 0, true},
		{"mismatched bracket", "[2001:db8::1:80", "", 0, true},
		{"port not a number", "example.com:http", "", 0, true},
		{"port zero", "example.com:0", "", 0, true},
		{"port too large", "example.com:70000", "", 0, true},
		{"ipv6 empty host", "[]:80", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := ParseBackend(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestIsIPLiteral(t *testing.T) {
	assert.True(t, IsIPLiteral("192.168.1.1"))
	assert.True(t, IsIPLiteral("2001:db8::1"))
	assert.True(t, IsIPLiteral("::1"))
	assert.False(t, IsIPLiteral("example.com"))
	assert.False(t, IsIPLiteral(""))
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Services, 1)
	svc := cfg.Services[0]
	assert.Equal(t, "web", svc.Name)
	assert.Equal(t, "0.0.0.0", svc.Listen.Address)
	assert.Equal(t, 8080, svc.Listen.Port)
	assert.Equal(t, ProtocolBoth, svc.Protocol, "protocol should default to both")
	assert.Equal(t, DefaultBackendCooldown, svc.BackendCooldown)
	assert.Nil(t, svc.HealthCheck)
	assert.Nil(t, svc.EventHook)
}

func TestLoadMissingServices(t *testing.T) {
	_, err := Load(writeConfig(t, "web_ui:\n  enabled: false\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadDuplicateNames(t *testing.T) {
	_, err := Load(writeConfig(t, `
services:
  - name: dup
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
  - name: dup
    listen: {address: 127.0.0.1, port: 1001}
    backends: ["b.example:80"]
`))
	assert.ErrorContains(t, err, "duplicate service name")
}

func TestLoadInvalidProtocol(t *testing.T) {
	_, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    protocol: sctp
`))
	assert.ErrorContains(t, err, "invalid protocol")
}

func TestLoadExplicitZeroCooldown(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    backend_cooldown: 0
`))
	require.NoError(t, err)
	assert.Zero(t, cfg.Services[0].BackendCooldown, "explicit 0 cooldown must survive defaulting")
}

func TestLoadNegativeCooldown(t *testing.T) {
	_, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    backend_cooldown: -5
`))
	assert.ErrorContains(t, err, "backend_cooldown")
}

func TestLoadHealthCheck(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    health_check:
      enabled: true
`))
	require.NoError(t, err)
	hc := cfg.Services[0].HealthCheck
	require.NotNil(t, hc)
	assert.True(t, hc.Enabled)
	assert.Equal(t, DefaultHealthCheckInterval, hc.Interval)
	assert.Equal(t, DefaultHealthCheckTimeout, hc.Timeout)
}

func TestLoadHealthCheckTimeoutExceedsInterval(t *testing.T) {
	_, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    health_check:
      enabled: true
      interval: 10
      timeout: 30
`))
	assert.ErrorContains(t, err, "health_check timeout")
}

func TestLoadEventHook(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    event_hook:
      command: /usr/local/bin/notify
      args: ["--channel", "ops"]
      events: ["backend_failed", "backend_recovered"]
`))
	require.NoError(t, err)
	hook := cfg.Services[0].EventHook
	require.NotNil(t, hook)
	assert.Equal(t, "/usr/local/bin/notify", hook.Command)
	assert.Equal(t, []string{"--channel", "ops"}, hook.Args)
	assert.Equal(t, DefaultEventHookTimeout, hook.Timeout)
}

func TestLoadEventHookInvalidEvent(t *testing.T) {
	_, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    event_hook:
      command: /bin/true
      events: ["backend_exploded"]
`))
	assert.ErrorContains(t, err, "invalid event type")
}

func TestLoadEventHookMissingCommand(t *testing.T) {
	_, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: ["a.example:80"]
    event_hook:
      events: ["backend_failed"]
`))
	assert.ErrorContains(t, err, "command")
}

func TestLoadInvalidBackendString(t *testing.T) {
	_, err := Load(writeConfig(t, `
services:
  - name: web
    listen: {address: 127.0.0.1, port: 1000}
    backends: [":80"]
`))
	assert.Error(t, err)
}

func TestLoadWebUIAuthRequiresCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
web_ui:
  enabled: true
  auth_enabled: true
`))
	assert.ErrorContains(t, err, "username and password")
}

func TestServiceConfigEqual(t *testing.T) {
	base := ServiceConfig{
		Name:            "web",
		Listen:          ListenConfig{Address: "0.0.0.0", Port: 8080},
		Backends:        []string{"a:1", "b:2"},
		Protocol:        ProtocolBoth,
		BackendCooldown: 1800,
	}

	same := base
	same.Backends = []string{"a:1", "b:2"}
	assert.True(t, base.Equal(same))

	reordered := base
	reordered.Backends = []string{"b:2", "a:1"}
	assert.False(t, base.Equal(reordered), "backend order is significant")

	diffPort := base
	diffPort.Listen.Port = 9090
	assert.False(t, base.Equal(diffPort))

	diffCooldown := base
	diffCooldown.BackendCooldown = 60
	assert.False(t, base.Equal(diffCooldown))

	withHC := base
	withHC.HealthCheck = &HealthCheckConfig{Enabled: true, Interval: 60, Timeout: 5}
	assert.False(t, base.Equal(withHC))

	otherHC := base
	otherHC.HealthCheck = &HealthCheckConfig{Enabled: true, Interval: 60, Timeout: 5}
	assert.True(t, withHC.Equal(otherHC), "equal health checks compare by value")

	// The event hook block does not participate in reload equality.
	withHook := base
	withHook.EventHook = &EventHookConfig{Command: "/bin/true", Timeout: 30}
	assert.True(t, base.Equal(withHook))
}

func TestProtocolHelpers(t *testing.T) {
	assert.True(t, ProtocolTCP.HasTCP())
	assert.False(t, ProtocolTCP.HasUDP())
	assert.False(t, ProtocolUDP.HasTCP())
	assert.True(t, ProtocolUDP.HasUDP())
	assert.True(t, ProtocolBoth.HasTCP())
	assert.True(t, ProtocolBoth.HasUDP())
}
