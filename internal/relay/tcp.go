// Package relay implements the TCP and UDP data paths and the Service binder
// that ties one listener to one backend pool.
//
// Goroutine Model:
//
// Each service spawns:
//   - 1 TCP accept goroutine (when the protocol includes TCP)
//   - 2 forwarder goroutines per accepted TCP connection (one per direction)
//   - 1 UDP receive goroutine plus short-lived datagram handlers behind a
//     bounded gate, 1 reader goroutine per UDP session, and 1 session reaper
//
// All goroutines share the service context and exit when it is cancelled.
// Sockets are closed on every exit path, including cancellation.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jroosing/hydrarelay/internal/backend"
	"github.com/jroosing/hydrarelay/internal/pool"
)

// Data path timeouts and sizing.
const (
	// ConnectTimeout bounds a single backend dial attempt.
	ConnectTimeout = 5 * time.Second
	// IdleTimeout ends a relay direction with no traffic, and reaps idle UDP
	// sessions.
	IdleTimeout = 5 * time.Minute
	// BufferSize is the per-direction transfer buffer.
	BufferSize = 64 * 1024
)

// transferBufPool reduces allocations for relay transfer buffers.
var transferBufPool = pool.New(func() *[]byte {
	buf := make([]byte, BufferSize)
	return &buf
})

// TCPRelay accepts client connections and shuttles bytes to a backend chosen
// by the pool with sequential failover.
type TCPRelay struct {
	ServiceName string
	Pool        *backend.Pool
	Stats       *Stats
	Logger      *slog.Logger

	// ConnectTimeout and IdleTimeout override the package defaults when > 0.
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	ln net.Listener
	wg sync.WaitGroup

	mu sync.Mutex
}

func (r *TCPRelay) connectTimeout() time.Duration {
	if r.ConnectTimeout > 0 {
		return r.ConnectTimeout
	}
	return ConnectTimeout
}

func (r *TCPRelay) idleTimeout() time.Duration {
	if r.IdleTimeout > 0 {
		return r.IdleTimeout
	}
	return IdleTimeout
}

// Run binds the listener and accepts connections until the context is
// cancelled or the listener is closed. Each connection is handled in its own
// goroutine; the accept loop never blocks on a connection.
func (r *TCPRelay) Run(ctx context.Context, addr string) error {
	ln, err := listenTCPReusePort(ctx, addr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()

	// Context cancellation must unblock Accept.
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	r.Logger.Info("tcp listening", "service", r.ServiceName, "addr", ln.Addr().String())

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			r.Logger.Warn("tcp accept error", "service", r.ServiceName, "err", err)
			break
		}

		conn := c
		r.wg.Go(func() {
			r.handleClient(ctx, conn)
		})
	}

	r.wg.Wait()
	return nil
}

// Addr returns the bound listener address, or nil before Run.
func (r *TCPRelay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Stop closes the listener. In-flight connections are cancelled through the
// run context, not drained.
func (r *TCPRelay) Stop() {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

// handleClient dials a backend with failover and relays bidirectionally.
// Both sockets are closed on every exit path.
func (r *TCPRelay) handleClient(ctx context.Context, client net.Conn) {
	connID := uuid.NewString()[:8]
	r.Stats.connOpened()
	defer r.Stats.connClosed()
	defer client.Close()

	r.Logger.Debug("new tcp connection",
		"service", r.ServiceName, "conn", connID, "client", client.RemoteAddr().String())

	remote, entry := r.dialBackend(ctx, connID)
	if remote == nil {
		return
	}
	defer remote.Close()

	// Cancellation aborts both directions by closing the sockets; the
	// deferred closes above make the second close a no-op.
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = remote.Close()
	})
	defer stop()

	r.Logger.Info("connected to backend",
		"service", r.ServiceName, "conn", connID,
		"backend", entry.Backend.Addr(), "ip", entry.IP)

	r.relay(connID, client, remote)
	r.Logger.Debug("tcp connection closed", "service", r.ServiceName, "conn", connID)
}

// dialBackend tries eligible backends in pool order. Connection outcomes feed
// the pool's failover state machine. Returns nil when nothing is reachable;
// an empty pool result is an upstream condition, not a backend fault, so no
// strike is recorded for it.
func (r *TCPRelay) dialBackend(ctx context.Context, connID string) (net.Conn, backend.Entry) {
	entries := r.Pool.GetBackendsInOrder(ctx)
	if len(entries) == 0 {
		r.Logger.Error("no backends available", "service", r.ServiceName, "conn", connID)
		return nil, backend.Entry{}
	}

	dialer := &net.Dialer{Timeout: r.connectTimeout()}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, backend.Entry{}
		}

		conn, err := dialer.DialContext(ctx, "tcp", entry.Addr())
		if err != nil {
			r.Logger.Warn("backend dial failed",
				"service", r.ServiceName, "conn", connID,
				"backend", entry.Backend.Addr(), "ip", entry.IP, "err", err)
			r.Pool.OnConnectFailure(ctx, entry.Backend)
			continue
		}

		r.Pool.OnConnectSuccess(entry.Backend)
		return conn, entry
	}

	r.Logger.Error("all backends failed", "service", r.ServiceName, "conn", connID)
	return nil, backend.Entry{}
}

// relay runs both forward directions concurrently and returns when both have
// ended. A direction ends on EOF, idle timeout, or error; its end half-closes
// the peer so the other direction can drain.
func (r *TCPRelay) relay(connID string, client, remote net.Conn) {
	var wg sync.WaitGroup
	wg.Go(func() {
		r.forward(connID, client, remote, "client->remote", r.Stats.addTCPSent)
	})
	wg.Go(func() {
		r.forward(connID, remote, client, "remote->client", r.Stats.addTCPReceived)
	})
	wg.Wait()
}

// forward copies one direction with an idle-read timeout, then signals
// end-of-stream to the write side.
func (r *TCPRelay) forward(connID string, src, dst net.Conn, direction string, count func(int)) {
	defer r.halfClose(dst)

	bufPtr := transferBufPool.Get()
	defer transferBufPool.Put(bufPtr)
	buf := *bufPtr

	idle := r.idleTimeout()
	for {
		_ = src.SetReadDeadline(time.Now().Add(idle))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				r.Logger.Debug("relay write error",
					"service", r.ServiceName, "conn", connID, "direction", direction, "err", werr)
				return
			}
			count(n)
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF):
				r.Logger.Debug("relay eof",
					"service", r.ServiceName, "conn", connID, "direction", direction)
			case errors.As(err, &ne) && ne.Timeout():
				r.Logger.Debug("relay idle timeout",
					"service", r.ServiceName, "conn", connID, "direction", direction)
			case errors.Is(err, net.ErrClosed):
			default:
				r.Logger.Debug("relay read ended",
					"service", r.ServiceName, "conn", connID, "direction", direction, "err", err)
			}
			return
		}
	}
}

// halfClose signals end-of-stream on the write side of a connection so the
// remaining peer can drain the other direction.
func (r *TCPRelay) halfClose(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
