package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jroosing/hydrarelay/internal/backend"
)

// DefaultMaxConcurrentDatagrams caps in-flight datagram handlers per service.
const DefaultMaxConcurrentDatagrams = 1000

// ReapInterval is how often idle UDP sessions are collected.
const ReapInterval = 60 * time.Second

// session maps one client address to its dedicated upstream socket.
//
// The upstream socket is exclusively owned by the session and closed when the
// session is removed. The backend is chosen once at session creation and kept
// for the session's lifetime, even if the pool reorders afterwards.
type session struct {
	clientAddr *net.UDPAddr
	upstream   *net.UDPConn

	mu           sync.Mutex
	lastActivity time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// UDPRelay forwards datagrams between clients and one backend per client
// session, demultiplexed by client address.
type UDPRelay struct {
	ServiceName string
	Pool        *backend.Pool
	Stats       *Stats
	Logger      *slog.Logger

	// IdleTimeout, ReapInterval, and MaxConcurrent override the package
	// defaults when > 0.
	IdleTimeout   time.Duration
	ReapInterval  time.Duration
	MaxConcurrent int

	conn *net.UDPConn
	wg   sync.WaitGroup
	gate chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func (r *UDPRelay) idleTimeout() time.Duration {
	if r.IdleTimeout > 0 {
		return r.IdleTimeout
	}
	return IdleTimeout
}

func (r *UDPRelay) reapInterval() time.Duration {
	if r.ReapInterval > 0 {
		return r.ReapInterval
	}
	return ReapInterval
}

// Run binds the service socket and processes datagrams until the context is
// cancelled or the socket is closed.
func (r *UDPRelay) Run(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := listenUDPReusePort(ctx, addr)
	if err != nil {
		return err
	}

	maxConc := r.MaxConcurrent
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrentDatagrams
	}

	r.mu.Lock()
	r.conn = conn
	r.sessions = map[string]*session{}
	r.closed = false
	r.gate = make(chan struct{}, maxConc)
	r.mu.Unlock()

	r.Logger.Info("udp listening", "service", r.ServiceName, "addr", conn.LocalAddr().String())

	// Context cancellation must unblock the receive loop.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r.wg.Go(func() {
		r.reapLoop(ctx)
	})

	r.recvLoop(ctx, conn)

	// Unblock the reaper and per-session readers before waiting.
	cancel()
	r.closeAllSessions()
	r.wg.Wait()
	return nil
}

// Addr returns the bound socket address, or nil before Run.
func (r *UDPRelay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stop closes the service socket, unblocking the receive loop.
func (r *UDPRelay) Stop() {
	r.mu.Lock()
	conn := r.conn
	r.closed = true
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// recvLoop reads datagrams and dispatches them to short-lived handler
// goroutines. The concurrency gate bounds in-flight handlers; when it is
// full the loop waits, so the relay itself never discards a datagram it has
// read (kernel-level drops may still occur under sustained flood).
func (r *UDPRelay) recvLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := transferBufPool.Get()
		buf := *bufPtr

		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			transferBufPool.Put(bufPtr)
			return
		}

		r.Stats.addUDPPacket(n)

		select {
		case r.gate <- struct{}{}:
		case <-ctx.Done():
			transferBufPool.Put(bufPtr)
			return
		}

		addr := clientAddr
		length := n
		ptr := bufPtr
		r.wg.Go(func() {
			defer func() { <-r.gate }()
			defer transferBufPool.Put(ptr)
			r.handleDatagram(ctx, conn, (*ptr)[:length], addr)
		})
	}
}

// handleDatagram forwards one client datagram upstream, creating the client's
// session on first contact.
func (r *UDPRelay) handleDatagram(ctx context.Context, conn *net.UDPConn, data []byte, clientAddr *net.UDPAddr) {
	sess := r.lookupSession(clientAddr)
	if sess == nil {
		var ok bool
		sess, ok = r.createSession(ctx, conn, clientAddr)
		if !ok {
			return
		}
	}

	sess.touch()
	n, err := sess.upstream.Write(data)
	if err != nil {
		r.Logger.Debug("udp upstream write failed",
			"service", r.ServiceName, "client", clientAddr.String(), "err", err)
		return
	}
	r.Stats.addUDPSent(n)
}

func (r *UDPRelay) lookupSession(clientAddr *net.UDPAddr) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[clientAddr.String()]
}

// createSession selects a backend, connects an upstream socket, and registers
// the session. Concurrent first datagrams from the same client race benignly:
// the loser closes its socket and adopts the winner's session.
func (r *UDPRelay) createSession(ctx context.Context, conn *net.UDPConn, clientAddr *net.UDPAddr) (*session, bool) {
	entries := r.Pool.GetBackendsInOrder(ctx)
	if len(entries) == 0 {
		r.Logger.Warn("udp: no backends available",
			"service", r.ServiceName, "client", clientAddr.String())
		return nil, false
	}
	entry := entries[0]

	raddr, err := net.ResolveUDPAddr("udp", entry.Addr())
	if err != nil {
		r.Logger.Error("udp: bad backend address",
			"service", r.ServiceName, "backend", entry.Addr(), "err", err)
		return nil, false
	}
	upstream, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		r.Logger.Error("udp: failed to create upstream socket",
			"service", r.ServiceName, "client", clientAddr.String(), "err", err)
		return nil, false
	}

	sess := &session{clientAddr: clientAddr, upstream: upstream, lastActivity: time.Now()}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = upstream.Close()
		return nil, false
	}
	if existing := r.sessions[clientAddr.String()]; existing != nil {
		r.mu.Unlock()
		_ = upstream.Close()
		return existing, true
	}
	r.sessions[clientAddr.String()] = sess
	r.mu.Unlock()

	r.Logger.Debug("udp: created session",
		"service", r.ServiceName, "client", clientAddr.String(),
		"backend", entry.Backend.Addr(), "ip", entry.IP)

	r.wg.Go(func() {
		r.sessionReadLoop(conn, sess)
	})
	return sess, true
}

// sessionReadLoop forwards backend responses back to the session's client via
// the shared service socket. Exits when the upstream socket is closed.
func (r *UDPRelay) sessionReadLoop(conn *net.UDPConn, sess *session) {
	bufPtr := transferBufPool.Get()
	defer transferBufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, err := sess.upstream.Read(buf)
		if err != nil {
			return
		}
		sess.touch()
		if _, err := conn.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			r.Logger.Debug("udp: client write failed",
				"service", r.ServiceName, "client", sess.clientAddr.String(), "err", err)
			return
		}
		r.Stats.addUDPReceived(n)
	}
}

// reapLoop removes sessions idle longer than the idle timeout and closes
// their upstream sockets.
func (r *UDPRelay) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.reapIdleSessions(now)
		}
	}
}

func (r *UDPRelay) reapIdleSessions(now time.Time) {
	idle := r.idleTimeout()

	r.mu.Lock()
	var stale []*session
	for key, sess := range r.sessions {
		if sess.idleSince(now) > idle {
			stale = append(stale, sess)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, sess := range stale {
		_ = sess.upstream.Close()
		r.Logger.Debug("udp: reaped idle session",
			"service", r.ServiceName, "client", sess.clientAddr.String())
	}
}

// closeAllSessions tears down every session on shutdown.
func (r *UDPRelay) closeAllSessions() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*session{}
	r.closed = true
	r.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.upstream.Close()
	}
}

// SessionCount returns the number of live sessions. Diagnostic only.
func (r *UDPRelay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
