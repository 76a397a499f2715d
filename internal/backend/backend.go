// Package backend implements the relay's backend pool: ordered backend
// selection, the two-strike failure policy with cooldown quarantine, DNS cache
// coordination, and optional active TCP health probing.
package backend

import (
	"fmt"
	"strings"
	"time"
)

// HostKind classifies a backend host string, decided once at construction.
type HostKind int

const (
	// KindDomain hosts are resolved through the DNS resolver.
	KindDomain HostKind = iota
	// KindIP hosts skip resolution; resolvedIPs is always [host].
	KindIP
)

func (k HostKind) String() string {
	if k == KindIP {
		return "ip"
	}
	return "domain"
}

// Backend represents one configured upstream endpoint.
//
// All mutable fields are guarded by the owning pool's mutex; outside the pool
// a *Backend is an opaque handle passed back into OnConnectSuccess and
// OnConnectFailure.
type Backend struct {
	Host string
	Port int
	Kind HostKind

	// OriginalIndex is the position in the configured backend list. It is
	// used for diagnostics only and never changes.
	OriginalIndex int

	resolvedIPs         []string
	consecutiveFailures int
	markedUnavailableAt time.Time // zero when not in cooldown
	cooldown            time.Duration
}

// Addr returns the configured "host:port" string, bracketing IPv6 literals.
func (b *Backend) Addr() string {
	if strings.Contains(b.Host, ":") {
		return fmt.Sprintf("[%s]:%d", b.Host, b.Port)
	}
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// inCooldown reports whether the backend is quarantined at the given time.
// Caller must hold the pool lock.
func (b *Backend) inCooldown(now time.Time) bool {
	if b.markedUnavailableAt.IsZero() {
		return false
	}
	return now.Sub(b.markedUnavailableAt) < b.cooldown
}

// firstIP returns the primary resolved address, or "".
// Caller must hold the pool lock.
func (b *Backend) firstIP() string {
	if len(b.resolvedIPs) == 0 {
		return ""
	}
	return b.resolvedIPs[0]
}
