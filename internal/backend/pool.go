package backend

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jroosing/hydrarelay/internal/config"
	"github.com/jroosing/hydrarelay/internal/events"
)

// Sink receives pool events. Emit must not block; the dispatcher in
// internal/events satisfies this with a bounded channel.
type Sink interface {
	Emit(events.Event)
}

// DialFunc dials a backend for health probing. Matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Resolver is the DNS dependency of the pool.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) []string
	ClearCache(hostname string)
}

// Options configures a Pool.
type Options struct {
	ServiceName string
	Backends    []string // "host:port" strings, already validated by config
	Resolver    Resolver
	Cooldown    time.Duration
	Protocol    config.Protocol

	// HealthCheckInterval enables active probing when > 0 and the protocol
	// includes TCP.
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	Sink   Sink
	Logger *slog.Logger

	// Dial overrides the probe dialer. Intended for tests.
	Dial DialFunc
}

// Entry is one eligible backend in dial order.
type Entry struct {
	IP      string
	Port    int
	Backend *Backend
}

// Addr returns the dialable "ip:port" for the entry.
func (e Entry) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Pool tracks per-backend state and orders backends for dialing.
//
// The backend list order IS the dial order: a backend that reaches its second
// consecutive failure is quarantined for the cooldown period and moved to the
// tail, changing future dial order even after the cooldown ends. All public
// methods are safe for concurrent use.
type Pool struct {
	serviceName string
	resolver    Resolver
	protocol    config.Protocol
	sink        Sink
	logger      *slog.Logger
	dial        DialFunc

	hcInterval time.Duration
	hcTimeout  time.Duration

	mu       sync.Mutex
	backends []*Backend
	// allUnavailable is the edge flag for the all_backends_unavailable event.
	// It resets only when selection produces a non-empty result.
	allUnavailable bool

	hcMu     sync.Mutex
	hcCancel context.CancelFunc
	hcDone   chan struct{}
}

// NewPool parses the backend strings and builds a pool.
func NewPool(opts Options) (*Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	p := &Pool{
		serviceName: opts.ServiceName,
		resolver:    opts.Resolver,
		protocol:    opts.Protocol,
		sink:        opts.Sink,
		logger:      logger,
		dial:        dial,
		hcInterval:  opts.HealthCheckInterval,
		hcTimeout:   opts.HealthCheckTimeout,
	}

	for idx, raw := range opts.Backends {
		host, port, err := config.ParseBackend(raw)
		if err != nil {
			return nil, err
		}
		kind := KindDomain
		if config.IsIPLiteral(host) {
			kind = KindIP
		}
		p.backends = append(p.backends, &Backend{
			Host:          host,
			Port:          port,
			Kind:          kind,
			OriginalIndex: idx,
			cooldown:      opts.Cooldown,
		})
	}

	logger.Info("backend pool initialized",
		"service", opts.ServiceName,
		"backends", len(p.backends),
		"cooldown", opts.Cooldown)
	return p, nil
}

// ensureResolved fills resolvedIPs if empty. Caller must hold p.mu.
func (p *Pool) ensureResolved(ctx context.Context, b *Backend) {
	if len(b.resolvedIPs) > 0 {
		return
	}
	if b.Kind == KindIP {
		b.resolvedIPs = []string{b.Host}
		return
	}
	ips := p.resolver.Resolve(ctx, b.Host)
	b.resolvedIPs = ips
	if len(ips) == 0 {
		p.logger.Warn("backend failed to resolve", "service", p.serviceName, "backend", b.Addr())
	}
}

// GetBackendsInOrder returns the currently eligible backends in dial order.
//
// Backends that cannot be resolved or are in their cooldown period are
// skipped. If nothing is eligible and at least one backend was skipped, the
// all_backends_unavailable event fires once until a later call produces a
// non-empty result.
func (p *Pool) GetBackendsInOrder(ctx context.Context) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	result := make([]Entry, 0, len(p.backends))
	unavailable := 0
	unresolved := 0

	for _, b := range p.backends {
		p.ensureResolved(ctx, b)
		if len(b.resolvedIPs) == 0 {
			unresolved++
			continue
		}
		if b.inCooldown(now) {
			unavailable++
			continue
		}
		result = append(result, Entry{IP: b.resolvedIPs[0], Port: b.Port, Backend: b})
	}

	if len(result) == 0 && unavailable+unresolved > 0 {
		p.logger.Warn("all backends unavailable",
			"service", p.serviceName, "skipped", unavailable+unresolved)
		if !p.allUnavailable {
			p.allUnavailable = true
			p.emitLocked(events.AllBackendsUnavailable, nil, 0)
		}
	} else if unavailable > 0 {
		p.logger.Debug("backends in cooldown",
			"service", p.serviceName, "count", unavailable)
	}
	if len(result) > 0 {
		p.allUnavailable = false
	}

	return result
}

// OnConnectSuccess records a successful connection or probe.
func (p *Pool) OnConnectSuccess(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !b.markedUnavailableAt.IsZero() {
		downFor := time.Since(b.markedUnavailableAt)
		p.logger.Info("backend recovered",
			"service", p.serviceName, "backend", b.Addr(), "down_for", downFor.Round(time.Second))
		b.markedUnavailableAt = time.Time{}
		p.emitLocked(events.BackendRecovered, b, b.consecutiveFailures)
	} else if b.consecutiveFailures > 0 {
		p.logger.Info("backend reconnected",
			"service", p.serviceName, "backend", b.Addr(), "previous_failures", b.consecutiveFailures)
	}
	b.consecutiveFailures = 0
}

// OnConnectFailure records a failed connection or probe and applies the
// two-strike policy: the first strike invalidates and re-resolves DNS, the
// second quarantines the backend for the cooldown period and rotates it to
// the tail of the dial order.
func (p *Pool) OnConnectFailure(ctx context.Context, b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b.consecutiveFailures++
	p.logger.Warn("backend connection failed",
		"service", p.serviceName, "backend", b.Addr(), "attempt", b.consecutiveFailures)

	switch {
	case b.consecutiveFailures == 1:
		// First strike: the resolved IP may be stale.
		if b.Kind == KindDomain {
			p.logger.Info("clearing dns cache", "service", p.serviceName, "host", b.Host)
			p.resolver.ClearCache(b.Host)
		}
		b.resolvedIPs = nil
		p.ensureResolved(ctx, b)

	case b.consecutiveFailures >= 2:
		b.markedUnavailableAt = time.Now()
		p.logger.Warn("backend marked unavailable",
			"service", p.serviceName, "backend", b.Addr(), "cooldown", b.cooldown)

		p.emitLocked(events.BackendFailed, b, b.consecutiveFailures)

		// Rotate to the tail and reset for a fresh start after cooldown.
		if i := slices.Index(p.backends, b); i >= 0 {
			p.backends = append(slices.Delete(p.backends, i, i+1), b)
		}
		b.consecutiveFailures = 0

		order := make([]string, 0, len(p.backends))
		for _, each := range p.backends {
			order = append(order, each.Addr())
		}
		p.logger.Info("new backend order", "service", p.serviceName, "order", order)
	}
}

// emitLocked builds and dispatches an event. Caller must hold p.mu; the sink
// must not block, so holding the lock across Emit is safe.
func (p *Pool) emitLocked(t events.Type, b *Backend, failures int) {
	if p.sink == nil {
		return
	}

	now := time.Now()
	available := 0
	for _, each := range p.backends {
		if len(each.resolvedIPs) > 0 && !each.inCooldown(now) {
			available++
		}
	}

	var info *events.BackendInfo
	if b != nil {
		info = &events.BackendInfo{Host: b.Host, Port: b.Port, IP: b.firstIP()}
	}
	p.sink.Emit(events.New(t, p.serviceName, info, failures, available, len(p.backends)))
}

// StartHealthCheck launches the active probe loop. It is a no-op when probing
// is not configured, when the service is UDP-only, or when already running.
func (p *Pool) StartHealthCheck() {
	if p.hcInterval <= 0 || !p.protocol.HasTCP() {
		if p.hcInterval > 0 {
			p.logger.Info("health check disabled for udp-only service", "service", p.serviceName)
		}
		return
	}

	p.hcMu.Lock()
	defer p.hcMu.Unlock()
	if p.hcCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.hcCancel = cancel
	p.hcDone = make(chan struct{})
	go p.healthCheckLoop(ctx, p.hcDone)
	p.logger.Info("health check started",
		"service", p.serviceName, "interval", p.hcInterval, "timeout", p.hcTimeout)
}

// StopHealthCheck stops the probe loop and waits for it to exit. Safe to call
// when not running.
func (p *Pool) StopHealthCheck() {
	p.hcMu.Lock()
	cancel := p.hcCancel
	done := p.hcDone
	p.hcCancel = nil
	p.hcDone = nil
	p.hcMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("health check stopped", "service", p.serviceName)
}

func (p *Pool) healthCheckLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.hcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll dials every non-cooldown backend once. The pool lock is held only
// to snapshot the list and resolve addresses, never across a probe dial.
func (p *Pool) probeAll(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	targets := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if !b.inCooldown(now) {
			targets = append(targets, b)
		}
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		p.logger.Debug("health check: all backends in cooldown", "service", p.serviceName)
		return
	}

	for _, b := range targets {
		if ctx.Err() != nil {
			return
		}
		p.probeBackend(ctx, b)
	}
}

func (p *Pool) probeBackend(ctx context.Context, b *Backend) {
	p.mu.Lock()
	p.ensureResolved(ctx, b)
	ip := b.firstIP()
	p.mu.Unlock()

	if ip == "" {
		p.logger.Warn("health check: backend has no resolved address, skipping",
			"service", p.serviceName, "backend", b.Addr())
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.hcTimeout)
	conn, err := p.dial(dialCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(b.Port)))
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("health check failed",
			"service", p.serviceName, "backend", b.Addr(), "ip", ip, "err", err)
		p.OnConnectFailure(ctx, b)
		return
	}
	_ = conn.Close()
	p.OnConnectSuccess(b)
	p.logger.Debug("health check ok", "service", p.serviceName, "backend", b.Addr(), "ip", ip)
}

// BackendStatus is one backend's diagnostic snapshot.
type BackendStatus struct {
	Position          int      `json:"position"`
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	ResolvedIPs       []string `json:"resolved_ips"`
	Failures          int      `json:"failures"`
	OriginalIndex     int      `json:"original_index"`
	InCooldown        bool     `json:"in_cooldown"`
	CooldownRemaining float64  `json:"cooldown_remaining_seconds,omitempty"`
}

// Status is the pool's diagnostic snapshot.
type Status struct {
	Service            string          `json:"service"`
	TotalBackends      int             `json:"total_backends"`
	Backends           []BackendStatus `json:"backends"`
	HealthCheckEnabled bool            `json:"health_check_enabled"`
}

// Status returns the current pool state.
func (p *Pool) Status() Status {
	p.hcMu.Lock()
	hcRunning := p.hcCancel != nil
	p.hcMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	infos := make([]BackendStatus, 0, len(p.backends))
	for i, b := range p.backends {
		st := BackendStatus{
			Position:      i,
			Host:          b.Host,
			Port:          b.Port,
			ResolvedIPs:   append([]string(nil), b.resolvedIPs...),
			Failures:      b.consecutiveFailures,
			OriginalIndex: b.OriginalIndex,
			InCooldown:    b.inCooldown(now),
		}
		if st.InCooldown {
			st.CooldownRemaining = (b.cooldown - now.Sub(b.markedUnavailableAt)).Seconds()
		}
		infos = append(infos, st)
	}

	return Status{
		Service:            p.serviceName,
		TotalBackends:      len(p.backends),
		Backends:           infos,
		HealthCheckEnabled: hcRunning,
	}
}
