// Package relay pre-opens one UDP socket per port in the relay port
// range, mirroring the teacher's allocator.SystemPortPooledAllocator
// (internal/allocator/port_sys_pool.go): binding every socket up front at
// startup avoids the bind/unbind race a lazy per-allocation listen would
// have between one client's Refresh(0) teardown and another's Allocate
// picking up the same port number from portpool.Pool.
package relay

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Sockets holds one bound net.PacketConn per port in [min, max], indexed
// by port number. It is not itself port-number accounting (that's
// portpool.Pool); it is purely the live socket backing whatever port
// portpool.Pool currently considers allocated.
type Sockets struct {
	mu    sync.RWMutex
	conns map[uint16]net.PacketConn
}

// Open pre-allocates a UDP socket for every port in [min, max] on ip.
// network is typically "udp" or "udp4"/"udp6".
func Open(network string, ip net.IP, min, max uint16) (*Sockets, error) {
	if min > max {
		return nil, errors.New("relay: min port greater than max port")
	}
	s := &Sockets{conns: make(map[uint16]net.PacketConn, int(max-min)+1)}
	for port := int(min); port <= int(max); port++ {
		conn, err := net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "relay: failed to pre-allocate port %d", port)
		}
		s.conns[uint16(port)] = conn
	}
	return s, nil
}

// Get returns the pre-opened socket for port, if it was in range.
func (s *Sockets) Get(port uint16) (net.PacketConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[port]
	return c, ok
}

// Len reports how many ports are managed.
func (s *Sockets) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close closes every pre-opened socket.
func (s *Sockets) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for port, c := range s.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.conns, port)
	}
	return firstErr
}
