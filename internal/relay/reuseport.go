package relay

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl enables SO_REUSEPORT on a socket before bind.
//
// The relay sets SO_REUSEPORT on both listeners so that a service configured
// with protocol "both" can bind its TCP listener and UDP socket to the same
// address and port.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
}

// listenTCPReusePort creates a TCP listener with SO_REUSEPORT enabled.
func listenTCPReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	return lc.Listen(ctx, "tcp", addr)
}

// listenUDPReusePort creates a bound UDP socket with SO_REUSEPORT enabled.
func listenUDPReusePort(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
