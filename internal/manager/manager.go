// Package manager owns the relay services: it builds them from configuration,
// drives startup and graceful shutdown, and applies hot reloads by diffing the
// old and new configuration and restarting only the services that changed.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jroosing/hydrarelay/internal/backend"
	"github.com/jroosing/hydrarelay/internal/config"
	"github.com/jroosing/hydrarelay/internal/events"
	"github.com/jroosing/hydrarelay/internal/relay"
	"github.com/jroosing/hydrarelay/internal/resolver"
)

// DefaultDNSTTL is the shared resolver's cache lifetime.
const DefaultDNSTTL = time.Hour

// eventQueueDepth bounds each service's event dispatch channel.
const eventQueueDepth = 256

// stopTimeout bounds how long a service teardown waits for its listeners.
const stopTimeout = 5 * time.Second

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger

	// DNSTTL overrides the shared resolver's cache TTL when > 0.
	DNSTTL time.Duration

	// EnableReload starts the config file watcher.
	EnableReload bool
	// ReloadDelay is the watcher debounce period.
	ReloadDelay time.Duration

	// EventSink, when set, receives every pool event in addition to the
	// per-service hook. Used to persist event history.
	EventSink events.Handler
}

// runningService bundles one service with its pool and event pipeline.
type runningService struct {
	cfg        config.ServiceConfig
	pool       *backend.Pool
	svc        *relay.Service
	hook       *events.Hook
	dispatcher *events.Dispatcher

	done chan struct{} // closed when svc.Start returns
}

// Manager owns N services and one shared DNS resolver.
type Manager struct {
	logger     *slog.Logger
	configPath string
	resolver   *resolver.Resolver
	opts       Options

	// reloadMu serializes Reload against itself and shutdown.
	reloadMu sync.Mutex
	cfg      *config.Config
	services map[string]*runningService

	runCtx  context.Context
	watcher *Watcher
	errCh   chan error

	// startCount tracks relay.Service Start invocations per name.
	startCount map[string]int
}

// New creates a manager for the given configuration.
func New(cfg *config.Config, configPath string, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DNSTTL
	if ttl <= 0 {
		ttl = DefaultDNSTTL
	}
	return &Manager{
		logger:     logger,
		configPath: configPath,
		resolver:   resolver.New(ttl, logger),
		opts:       opts,
		cfg:        cfg,
		services:   map[string]*runningService{},
		errCh:      make(chan error, 1),
		startCount: map[string]int{},
	}
}

// Resolver returns the shared DNS resolver.
func (m *Manager) Resolver() *resolver.Resolver { return m.resolver }

// Run starts everything and blocks until a shutdown signal fires or a service
// fails during initial startup. Teardown happens in reverse start order.
func (m *Manager) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	m.runCtx = ctx

	m.resolver.StartRefreshTask()

	m.reloadMu.Lock()
	startErr := func() error {
		for _, svcCfg := range m.cfg.Services {
			rs, err := m.buildService(svcCfg)
			if err != nil {
				return fmt.Errorf("failed to create service %q: %w", svcCfg.Name, err)
			}
			m.services[svcCfg.Name] = rs
			m.startService(rs)
		}
		return nil
	}()
	m.reloadMu.Unlock()

	if startErr != nil {
		m.teardown()
		return startErr
	}
	m.logger.Info("started services", "count", len(m.cfg.Services))

	if m.opts.EnableReload {
		w, err := NewWatcher(m.configPath, m.opts.ReloadDelay, func() {
			if err := m.Reload(); err != nil {
				m.logger.Error("config reload failed", "err", err)
			}
		}, m.logger)
		if err != nil {
			m.logger.Error("config watcher unavailable, hot reload disabled", "err", err)
		} else {
			m.watcher = w
			w.Start()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown signal received, stopping services")
	case err := <-m.errCh:
		m.logger.Error("service failed", "err", err)
		runErr = err
	}

	m.teardown()
	return runErr
}

// teardown stops the watcher, every service, and the resolver.
func (m *Manager) teardown() {
	if m.watcher != nil {
		m.watcher.Stop()
		m.watcher = nil
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	for name, rs := range m.services {
		m.stopService(rs)
		delete(m.services, name)
	}
	m.resolver.StopRefreshTask()
	m.logger.Info("all services stopped")
}

// buildService constructs the pool, event pipeline, and relay service for one
// config entry.
func (m *Manager) buildService(svcCfg config.ServiceConfig) (*runningService, error) {
	rs := &runningService{cfg: svcCfg}

	handlers := make([]events.Handler, 0, 2)
	if hookCfg := svcCfg.EventHook; hookCfg != nil {
		rs.hook = events.NewHook(
			svcCfg.Name,
			hookCfg.Command,
			hookCfg.Args,
			hookCfg.Events,
			time.Duration(hookCfg.Timeout*float64(time.Second)),
			m.logger,
		)
		handlers = append(handlers, rs.hook.Trigger)
	}
	if m.opts.EventSink != nil {
		handlers = append(handlers, m.opts.EventSink)
	}
	rs.dispatcher = events.NewDispatcher(eventQueueDepth, m.logger, handlers...)

	var hcInterval, hcTimeout time.Duration
	if hc := svcCfg.HealthCheck; hc != nil && hc.Enabled {
		hcInterval = time.Duration(hc.Interval * float64(time.Second))
		hcTimeout = time.Duration(hc.Timeout * float64(time.Second))
	}

	pool, err := backend.NewPool(backend.Options{
		ServiceName:         svcCfg.Name,
		Backends:            svcCfg.Backends,
		Resolver:            m.resolver,
		Cooldown:            time.Duration(svcCfg.BackendCooldown * float64(time.Second)),
		Protocol:            svcCfg.Protocol,
		HealthCheckInterval: hcInterval,
		HealthCheckTimeout:  hcTimeout,
		Sink:                rs.dispatcher,
		Logger:              m.logger,
	})
	if err != nil {
		rs.dispatcher.Close()
		return nil, err
	}
	rs.pool = pool
	rs.svc = relay.NewService(svcCfg, pool, m.logger)
	return rs, nil
}

// startService launches the service's listeners and health probe.
func (m *Manager) startService(rs *runningService) {
	m.startCount[rs.cfg.Name]++
	rs.done = make(chan struct{})

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer close(rs.done)
		if err := rs.svc.Start(ctx); err != nil {
			m.logger.Error("service exited with error", "service", rs.cfg.Name, "err", err)
			select {
			case m.errCh <- fmt.Errorf("service %s: %w", rs.cfg.Name, err):
			default:
			}
		}
	}()

	rs.pool.StartHealthCheck()
}

// stopService tears one service down: health probe first so a probe's failure
// callback cannot fire against a dismantled pool, then the listeners.
func (m *Manager) stopService(rs *runningService) {
	rs.pool.StopHealthCheck()
	rs.svc.Stop()

	if rs.done != nil {
		select {
		case <-rs.done:
		case <-time.After(stopTimeout):
			m.logger.Warn("timeout waiting for service to stop", "service", rs.cfg.Name)
		}
	}
	rs.dispatcher.Close()
	if rs.hook != nil {
		rs.hook.Shutdown()
	}
}

// Reload re-reads the config file and applies the difference: unchanged
// services keep running untouched, modified ones are restarted in place,
// removed ones are stopped, and added ones are started. A config that fails
// to parse or validate leaves the running state exactly as it was.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	newCfg, err := config.Load(m.configPath)
	if err != nil {
		m.logger.Error("invalid configuration, keeping previous", "err", err)
		return err
	}

	var unchanged, modified, added, removed []string

	for _, oldSvc := range m.cfg.Services {
		newSvc, ok := newCfg.ServiceByName(oldSvc.Name)
		switch {
		case !ok:
			removed = append(removed, oldSvc.Name)
		case oldSvc.Equal(newSvc):
			unchanged = append(unchanged, oldSvc.Name)
		default:
			modified = append(modified, oldSvc.Name)
		}
	}
	for _, newSvc := range newCfg.Services {
		if _, ok := m.cfg.ServiceByName(newSvc.Name); !ok {
			added = append(added, newSvc.Name)
		}
	}

	m.logger.Info("applying config reload",
		"unchanged", len(unchanged), "modified", len(modified),
		"added", len(added), "removed", len(removed))

	for _, name := range removed {
		if rs := m.services[name]; rs != nil {
			m.logger.Info("removing service", "service", name)
			m.stopService(rs)
			delete(m.services, name)
		}
	}

	for _, name := range modified {
		rs := m.services[name]
		if rs == nil {
			continue
		}
		m.logger.Info("restarting modified service", "service", name)
		m.stopService(rs)
		delete(m.services, name)

		newSvc, _ := newCfg.ServiceByName(name)
		replacement, err := m.buildService(newSvc)
		if err != nil {
			m.logger.Error("failed to rebuild service", "service", name, "err", err)
			continue
		}
		m.services[name] = replacement
		m.startService(replacement)
	}

	for _, name := range added {
		newSvc, _ := newCfg.ServiceByName(name)
		m.logger.Info("adding service", "service", name)
		rs, err := m.buildService(newSvc)
		if err != nil {
			m.logger.Error("failed to create service", "service", name, "err", err)
			continue
		}
		m.services[name] = rs
		m.startService(rs)
	}

	m.cfg = newCfg
	return nil
}

// ServiceStatus is one service's diagnostic snapshot.
type ServiceStatus struct {
	Name     string              `json:"name"`
	Listen   string              `json:"listen"`
	Protocol config.Protocol     `json:"protocol"`
	Stats    relay.StatsSnapshot `json:"stats"`
	Pool     backend.Status      `json:"backend_pool"`
}

// Status is the manager's diagnostic snapshot.
type Status struct {
	TotalServices int                 `json:"total_services"`
	DNSCache      resolver.CacheStats `json:"dns_cache"`
	Services      []ServiceStatus     `json:"services"`
}

// Status reports the state of every running service.
func (m *Manager) Status() Status {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	st := Status{
		TotalServices: len(m.services),
		DNSCache:      m.resolver.Stats(),
	}
	for _, svcCfg := range m.cfg.Services {
		rs := m.services[svcCfg.Name]
		if rs == nil {
			continue
		}
		st.Services = append(st.Services, ServiceStatus{
			Name:     rs.cfg.Name,
			Listen:   rs.svc.ListenAddr(),
			Protocol: rs.cfg.Protocol,
			Stats:    rs.svc.Stats(),
			Pool:     rs.pool.Status(),
		})
	}
	return st
}

// Config returns the currently applied configuration.
func (m *Manager) Config() *config.Config {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return m.cfg
}
