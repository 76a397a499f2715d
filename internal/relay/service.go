package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/jroosing/hydrarelay/internal/backend"
	"github.com/jroosing/hydrarelay/internal/config"
)

// Service binds one listener address to one backend pool, running the TCP
// and/or UDP data path according to the configured protocol.
type Service struct {
	name     string
	addr     string
	protocol config.Protocol
	pool     *backend.Pool
	stats    *Stats
	logger   *slog.Logger

	tcp *TCPRelay
	udp *UDPRelay

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewService builds a service. The pool is owned by the service for its
// lifetime; Stop does not touch the pool's health probe, which the manager
// sequences separately.
func NewService(svc config.ServiceConfig, pool *backend.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(svc.Listen.Address, strconv.Itoa(svc.Listen.Port))
	stats := NewStats()

	s := &Service{
		name:     svc.Name,
		addr:     addr,
		protocol: svc.Protocol,
		pool:     pool,
		stats:    stats,
		logger:   logger,
	}
	if svc.Protocol.HasTCP() {
		s.tcp = &TCPRelay{ServiceName: svc.Name, Pool: pool, Stats: stats, Logger: logger}
	}
	if svc.Protocol.HasUDP() {
		s.udp = &UDPRelay{ServiceName: svc.Name, Pool: pool, Stats: stats, Logger: logger}
	}

	logger.Info("relay service initialized",
		"service", svc.Name, "addr", addr, "protocol", svc.Protocol)
	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Pool returns the service's backend pool.
func (s *Service) Pool() *backend.Pool { return s.pool }

// Stats returns a snapshot of the service's relay counters.
func (s *Service) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Protocol returns the configured protocol.
func (s *Service) Protocol() config.Protocol { return s.protocol }

// ListenAddr returns the configured listen address.
func (s *Service) ListenAddr() string { return s.addr }

// Start runs the service's listeners and blocks until all of them have shut
// down. A listener bind failure stops the whole service.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	n := 0
	errCh := make(chan error, 2)

	if s.tcp != nil {
		n++
		go func() { errCh <- s.tcp.Run(ctx, s.addr) }()
	}
	if s.udp != nil {
		n++
		go func() { errCh <- s.udp.Run(ctx, s.addr) }()
	}
	if n == 0 {
		return fmt.Errorf("service %s: no listeners for protocol %q", s.name, s.protocol)
	}

	s.logger.Info("service started", "service", s.name, "addr", s.addr, "protocol", s.protocol)

	var firstErr error
	for range n {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			// One listener failing tears down the rest.
			s.Stop()
		}
	}

	s.logger.Info("service stopped", "service", s.name)
	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		return firstErr
	}
	return nil
}

// Stop closes the service's listeners and cancels in-flight relay work.
// Existing connections are cancelled, not drained.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.tcp != nil {
		s.tcp.Stop()
	}
	if s.udp != nil {
		s.udp.Stop()
	}
}
