package backend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydrarelay/internal/config"
	"github.com/jroosing/hydrarelay/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeResolver maps hostnames to address lists and records cache clears.
type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	cleared []string
}

func newFakeResolver(answers map[string][]string) *fakeResolver {
	return &fakeResolver{answers: answers}
}

func (f *fakeResolver) Resolve(_ context.Context, hostname string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers[hostname]...)
}

func (f *fakeResolver) ClearCache(hostname string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, hostname)
}

func (f *fakeResolver) set(hostname string, ips ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[hostname] = ips
}

func (f *fakeResolver) clearedHosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

// recordingSink captures emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestPool(t *testing.T, backends []string, cooldown time.Duration, res Resolver, sink Sink) *Pool {
	t.Helper()
	p, err := NewPool(Options{
		ServiceName: "test",
		Backends:    backends,
		Resolver:    res,
		Cooldown:    cooldown,
		Protocol:    config.ProtocolBoth,
		Sink:        sink,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return p
}

func orderOf(p *Pool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b.Addr())
	}
	return out
}

func TestNewPoolParsesBackends(t *testing.T) {
	res := newFakeResolver(nil)
	p := newTestPool(t, []string{"a.example:80", "10.0.0.1:443", "[::1]:53"}, time.Minute, res, nil)

	require.Len(t, p.backends, 3)
	assert.Equal(t, KindDomain, p.backends[0].Kind)
	assert.Equal(t, KindIP, p.backends[1].Kind)
	assert.Equal(t, KindIP, p.backends[2].Kind)
	assert.Equal(t, 0, p.backends[0].OriginalIndex)
	assert.Equal(t, 2, p.backends[2].OriginalIndex)
}

func TestNewPoolRejectsInvalidBackend(t *testing.T) {
	_, err := NewPool(Options{
		ServiceName: "bad",
		Backends:    []string{":80"},
		Resolver:    newFakeResolver(nil),
		Logger:      testLogger(),
	})
	assert.Error(t, err)
}

func TestGetBackendsInOrderResolvesDomains(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a.example": {"10.0.0.1", "10.0.0.2"}})
	p := newTestPool(t, []string{"a.example:80", "192.168.1.1:81"}, time.Minute, res, nil)

	entries := p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 2)
	assert.Equal(t, "10.0.0.1", entries[0].IP, "only the first resolved IP is used")
	assert.Equal(t, 80, entries[0].Port)
	assert.Equal(t, "192.168.1.1", entries[1].IP)
	assert.Equal(t, "10.0.0.1:80", entries[0].Addr())
}

func TestGetBackendsInOrderSkipsUnresolvable(t *testing.T) {
	res := newFakeResolver(map[string][]string{"good.example": {"10.0.0.1"}})
	p := newTestPool(t, []string{"bad.example:80", "good.example:80"}, time.Minute, res, nil)

	entries := p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 1)
	assert.Equal(t, "good.example", entries[0].Backend.Host)

	// Unresolvable backends accumulate no strikes on their own.
	p.mu.Lock()
	assert.Zero(t, p.backends[0].consecutiveFailures)
	p.mu.Unlock()
}

func TestFirstStrikeInvalidatesDNS(t *testing.T) {
	res := newFakeResolver(map[string][]string{"x.example": {"10.0.0.1"}})
	p := newTestPool(t, []string{"x.example:80"}, time.Minute, res, nil)

	entries := p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 1)
	require.Equal(t, "10.0.0.1", entries[0].IP)

	// DNS now points at a new address; the first strike must pick it up.
	res.set("x.example", "10.0.0.2")
	p.OnConnectFailure(t.Context(), entries[0].Backend)

	assert.Equal(t, []string{"x.example"}, res.clearedHosts())
	entries = p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.2", entries[0].IP)

	p.mu.Lock()
	assert.Equal(t, 1, p.backends[0].consecutiveFailures)
	assert.True(t, p.backends[0].markedUnavailableAt.IsZero())
	p.mu.Unlock()
}

func TestIPBackendNeverClearsDNSCache(t *testing.T) {
	res := newFakeResolver(nil)
	p := newTestPool(t, []string{"10.0.0.1:80"}, time.Minute, res, nil)

	entries := p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 1)
	p.OnConnectFailure(t.Context(), entries[0].Backend)

	assert.Empty(t, res.clearedHosts())

	// IP backends re-resolve trivially back to themselves.
	entries = p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.1", entries[0].IP)
}

func TestSecondStrikeQuarantinesAndRotates(t *testing.T) {
	res := newFakeResolver(map[string][]string{
		"a.example": {"1.1.1.1"},
		"b.example": {"2.2.2.2"},
		"c.example": {"3.3.3.3"},
	})
	sink := &recordingSink{}
	p := newTestPool(t, []string{"a.example:1", "b.example:2", "c.example:3"}, time.Hour, res, sink)

	entries := p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 3)
	a := entries[0].Backend

	p.OnConnectFailure(t.Context(), a)
	p.OnConnectFailure(t.Context(), a)

	assert.Equal(t, []string{"b.example:2", "c.example:3", "a.example:1"}, orderOf(p))

	p.mu.Lock()
	assert.False(t, a.markedUnavailableAt.IsZero())
	assert.Zero(t, a.consecutiveFailures, "failures reset when entering cooldown")
	p.mu.Unlock()

	failed := sink.byType(events.BackendFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "a.example", failed[0].Backend.Host)
	assert.Equal(t, 2, failed[0].FailureCount)
	assert.Equal(t, 3, failed[0].TotalCount)

	// Quarantined backend is not eligible.
	entries = p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 2)
	assert.Equal(t, "b.example", entries[0].Backend.Host)
}

// TestTwoStrikeDemotionCascade walks the end-to-end demotion scenario: every
// backend fails twice in turn, each rotates to the tail, and the final order
// returns to the original permutation.
func TestTwoStrikeDemotionCascade(t *testing.T) {
	res := newFakeResolver(map[string][]string{
		"a": {"1.1.1.1"}, "b": {"1.1.1.1"}, "c": {"1.1.1.1"},
	})
	sink := &recordingSink{}
	p := newTestPool(t, []string{"a:1", "b:2", "c:3"}, time.Hour, res, sink)

	for range 3 {
		entries := p.GetBackendsInOrder(t.Context())
		require.NotEmpty(t, entries)
		b := entries[0].Backend
		p.OnConnectFailure(t.Context(), b)
		p.OnConnectFailure(t.Context(), b)
	}

	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, orderOf(p),
		"three full rotations restore the original order")
	assert.Len(t, sink.byType(events.BackendFailed), 3)

	// Selection is now empty and fires the edge event exactly once.
	assert.Empty(t, p.GetBackendsInOrder(t.Context()))
	assert.Empty(t, p.GetBackendsInOrder(t.Context()))
	assert.Len(t, sink.byType(events.AllBackendsUnavailable), 1)
}

func TestAllBackendsUnavailableEdgeResets(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}})
	sink := &recordingSink{}
	p := newTestPool(t, []string{"a:1"}, 50*time.Millisecond, res, sink)

	entries := p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 1)
	b := entries[0].Backend
	p.OnConnectFailure(t.Context(), b)
	p.OnConnectFailure(t.Context(), b)

	assert.Empty(t, p.GetBackendsInOrder(t.Context()))
	assert.Len(t, sink.byType(events.AllBackendsUnavailable), 1)

	// After cooldown expiry selection is non-empty again, resetting the edge.
	time.Sleep(60 * time.Millisecond)
	require.Len(t, p.GetBackendsInOrder(t.Context()), 1)

	p.OnConnectFailure(t.Context(), b)
	p.OnConnectFailure(t.Context(), b)
	assert.Empty(t, p.GetBackendsInOrder(t.Context()))
	assert.Len(t, sink.byType(events.AllBackendsUnavailable), 2,
		"edge event fires again after a non-empty selection")
}

func TestOnConnectSuccessClearsStateAndEmitsRecovery(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}})
	sink := &recordingSink{}
	p := newTestPool(t, []string{"a:1"}, 40*time.Millisecond, res, sink)

	entries := p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 1)
	b := entries[0].Backend

	p.OnConnectFailure(t.Context(), b)
	p.OnConnectFailure(t.Context(), b)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, p.GetBackendsInOrder(t.Context()), 1, "cooldown expired")

	p.OnConnectSuccess(b)

	p.mu.Lock()
	assert.True(t, b.markedUnavailableAt.IsZero())
	assert.Zero(t, b.consecutiveFailures)
	p.mu.Unlock()

	recovered := sink.byType(events.BackendRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, "a", recovered[0].Backend.Host)

	// A second success does not emit another recovery.
	p.OnConnectSuccess(b)
	assert.Len(t, sink.byType(events.BackendRecovered), 1)
}

func TestSuccessAfterSingleStrikeResetsCounter(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}})
	sink := &recordingSink{}
	p := newTestPool(t, []string{"a:1"}, time.Hour, res, sink)

	entries := p.GetBackendsInOrder(t.Context())
	b := entries[0].Backend

	p.OnConnectFailure(t.Context(), b)
	p.OnConnectSuccess(b)

	p.mu.Lock()
	assert.Zero(t, b.consecutiveFailures)
	p.mu.Unlock()
	assert.Empty(t, sink.byType(events.BackendRecovered),
		"recovery only fires for backends that were in cooldown")

	// The counter restarted: two more failures are needed to quarantine.
	p.OnConnectFailure(t.Context(), b)
	p.mu.Lock()
	assert.True(t, b.markedUnavailableAt.IsZero())
	p.mu.Unlock()
}

func TestZeroCooldownStillRotates(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}, "b": {"2.2.2.2"}})
	p := newTestPool(t, []string{"a:1", "b:2"}, 0, res, nil)

	entries := p.GetBackendsInOrder(t.Context())
	a := entries[0].Backend
	p.OnConnectFailure(t.Context(), a)
	p.OnConnectFailure(t.Context(), a)

	// Immediately eligible again, but demoted to the tail.
	entries = p.GetBackendsInOrder(t.Context())
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Backend.Host)
	assert.Equal(t, "a", entries[1].Backend.Host)
}

func TestBackendListStaysPermutation(t *testing.T) {
	res := newFakeResolver(map[string][]string{
		"a": {"1.1.1.1"}, "b": {"1.1.1.1"}, "c": {"1.1.1.1"},
	})
	p := newTestPool(t, []string{"a:1", "b:2", "c:3"}, 0, res, nil)

	for range 10 {
		entries := p.GetBackendsInOrder(t.Context())
		require.NotEmpty(t, entries)
		p.OnConnectFailure(t.Context(), entries[0].Backend)
		p.OnConnectFailure(t.Context(), entries[0].Backend)
	}

	assert.ElementsMatch(t, []string{"a:1", "b:2", "c:3"}, orderOf(p),
		"the list is always a permutation of the configured set")
}

func TestStatusSnapshot(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}})
	p := newTestPool(t, []string{"a:1", "10.0.0.9:2"}, time.Hour, res, nil)

	p.GetBackendsInOrder(t.Context())
	st := p.Status()

	assert.Equal(t, "test", st.Service)
	assert.Equal(t, 2, st.TotalBackends)
	require.Len(t, st.Backends, 2)
	assert.Equal(t, "a", st.Backends[0].Host)
	assert.Equal(t, []string{"1.1.1.1"}, st.Backends[0].ResolvedIPs)
	assert.False(t, st.HealthCheckEnabled)
}

func TestHealthCheckDisabledForUDPOnly(t *testing.T) {
	p, err := NewPool(Options{
		ServiceName:         "udp-only",
		Backends:            []string{"10.0.0.1:53"},
		Resolver:            newFakeResolver(nil),
		Cooldown:            time.Minute,
		Protocol:            config.ProtocolUDP,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  5 * time.Millisecond,
		Logger:              testLogger(),
	})
	require.NoError(t, err)

	p.StartHealthCheck()
	assert.False(t, p.Status().HealthCheckEnabled)
	p.StopHealthCheck()
}

func TestHealthCheckProbesFeedStateMachine(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}})
	sink := &recordingSink{}

	var mu sync.Mutex
	dialErr := errors.New("connection refused")

	p, err := NewPool(Options{
		ServiceName:         "probed",
		Backends:            []string{"a:80"},
		Resolver:            res,
		Cooldown:            time.Hour,
		Protocol:            config.ProtocolTCP,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  5 * time.Millisecond,
		Sink:                sink,
		Logger:              testLogger(),
		Dial: func(_ context.Context, _, _ string) (net.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			if dialErr != nil {
				return nil, dialErr
			}
			c, s := net.Pipe()
			go func() { _ = s.Close() }()
			return c, nil
		},
	})
	require.NoError(t, err)

	p.StartHealthCheck()
	defer p.StopHealthCheck()

	// Two failed probes quarantine the backend.
	require.Eventually(t, func() bool {
		return len(sink.byType(events.BackendFailed)) == 1
	}, time.Second, 5*time.Millisecond)

	// Probe now succeeds; the quarantined backend is skipped until cooldown
	// ends, so backdate the mark past the cooldown and let the next successful
	// probe clear it.
	mu.Lock()
	dialErr = nil
	mu.Unlock()

	p.mu.Lock()
	b := p.backends[0]
	b.markedUnavailableAt = time.Now().Add(-2 * time.Hour)
	p.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(sink.byType(events.BackendRecovered)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartHealthCheckIdempotent(t *testing.T) {
	p, err := NewPool(Options{
		ServiceName:         "idem",
		Backends:            []string{"10.0.0.1:80"},
		Resolver:            newFakeResolver(nil),
		Cooldown:            time.Minute,
		Protocol:            config.ProtocolTCP,
		HealthCheckInterval: time.Hour,
		HealthCheckTimeout:  time.Second,
		Logger:              testLogger(),
	})
	require.NoError(t, err)

	p.StartHealthCheck()
	p.StartHealthCheck()
	assert.True(t, p.Status().HealthCheckEnabled)
	p.StopHealthCheck()
	p.StopHealthCheck()
	assert.False(t, p.Status().HealthCheckEnabled)
}

func TestConcurrentPoolAccess(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}, "b": {"2.2.2.2"}})
	p := newTestPool(t, []string{"a:1", "b:2"}, 10*time.Millisecond, res, &recordingSink{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				entries := p.GetBackendsInOrder(context.Background())
				for _, e := range entries {
					if e.Backend.OriginalIndex == 0 {
						p.OnConnectFailure(context.Background(), e.Backend)
					} else {
						p.OnConnectSuccess(e.Backend)
					}
				}
				p.Status()
			}
		})
	}
	wg.Wait()

	assert.Len(t, orderOf(p), 2)
}

// Invariant 1 from the failover design: a backend in cooldown always has a
// zero failure counter.
func TestCooldownImpliesZeroFailures(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a": {"1.1.1.1"}})
	p := newTestPool(t, []string{"a:1"}, time.Hour, res, nil)

	entries := p.GetBackendsInOrder(t.Context())
	b := entries[0].Backend
	p.OnConnectFailure(t.Context(), b)
	p.OnConnectFailure(t.Context(), b)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.False(t, b.markedUnavailableAt.IsZero())
	assert.Zero(t, b.consecutiveFailures)
}
