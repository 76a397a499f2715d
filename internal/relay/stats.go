package relay

import (
	"sync/atomic"
)

// Stats collects per-service relay counters.
// All methods are safe for concurrent use.
type Stats struct {
	tcpConnections   atomic.Uint64
	tcpActive        atomic.Int64
	tcpBytesSent     atomic.Uint64
	tcpBytesReceived atomic.Uint64
	udpPackets       atomic.Uint64
	udpBytesSent     atomic.Uint64
	udpBytesReceived atomic.Uint64
}

// NewStats creates a new relay statistics collector.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) connOpened() {
	s.tcpConnections.Add(1)
	s.tcpActive.Add(1)
}

func (s *Stats) connClosed() {
	s.tcpActive.Add(-1)
}

// addTCPSent records bytes forwarded client->backend.
func (s *Stats) addTCPSent(n int) {
	if n > 0 {
		s.tcpBytesSent.Add(uint64(n))
	}
}

// addTCPReceived records bytes forwarded backend->client.
func (s *Stats) addTCPReceived(n int) {
	if n > 0 {
		s.tcpBytesReceived.Add(uint64(n))
	}
}

func (s *Stats) addUDPPacket(n int) {
	s.udpPackets.Add(1)
	if n > 0 {
		s.udpBytesReceived.Add(uint64(n))
	}
}

func (s *Stats) addUDPSent(n int) {
	if n > 0 {
		s.udpBytesSent.Add(uint64(n))
	}
}

// addUDPReceived records bytes forwarded backend->client.
func (s *Stats) addUDPReceived(n int) {
	if n > 0 {
		s.udpBytesReceived.Add(uint64(n))
	}
}

// StatsSnapshot is a point-in-time snapshot of a service's relay counters.
type StatsSnapshot struct {
	TCPConnections   uint64 `json:"tcp_connections"`
	TCPActive        int64  `json:"tcp_active"`
	TCPBytesSent     uint64 `json:"tcp_bytes_sent"`
	TCPBytesReceived uint64 `json:"tcp_bytes_received"`
	UDPPackets       uint64 `json:"udp_packets"`
	UDPBytesSent     uint64 `json:"udp_bytes_sent"`
	UDPBytesReceived uint64 `json:"udp_bytes_received"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TCPConnections:   s.tcpConnections.Load(),
		TCPActive:        s.tcpActive.Load(),
		TCPBytesSent:     s.tcpBytesSent.Load(),
		TCPBytesReceived: s.tcpBytesReceived.Load(),
		UDPPackets:       s.udpPackets.Load(),
		UDPBytesSent:     s.udpBytesSent.Load(),
		UDPBytesReceived: s.udpBytesReceived.Load(),
	}
}
