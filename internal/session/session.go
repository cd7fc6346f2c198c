// Package session implements the TURN server's session state: one Session
// per (client, interface) Identifier, holding its nonce, allocation,
// permissions, channel bindings and long-term credential digest cache.
//
// This generalizes the teacher's allocator.Allocator (a flat, linearly
// scanned slice of allocations keyed by a 5-tuple) into a map keyed by
// Identifier, since a STUN/TURN server fields many more concurrent
// sessions than the handful the teacher's linear scan was designed for.
package session

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gorelay/gorelayd/internal/crypto"
)

// Identifier is the session key: the client's observed source address
// together with the address of the server interface that received its
// traffic. Two clients behind the same NAT talking to different server
// interfaces get distinct sessions, matching RFC 8656's per-5-tuple
// allocation model generalized across multiple listening interfaces.
type Identifier struct {
	Source    netip.AddrPort
	Interface netip.AddrPort
}

// Permission is a client-granted permission to exchange data with a peer
// IP address, per RFC 8656 Section 9.
type Permission struct {
	ExpiresAt time.Time
}

// Channel is a client-bound channel number mapped to a peer address, per
// RFC 8656 Section 11.
type Channel struct {
	Peer      netip.AddrPort
	ExpiresAt time.Time
}

// Allocation is the relayed transport address a client has been granted.
type Allocation struct {
	Port      uint16
	ExpiresAt time.Time
}

type digestKey struct {
	username  string
	algorithm crypto.Algorithm
}

// Session holds all per-Identifier state. All field access goes through
// Manager, which holds the lock protecting it.
type Session struct {
	mu sync.Mutex

	nonce          string
	nonceExpiresAt time.Time

	allocation *Allocation

	permissions map[netip.Addr]Permission
	channels    map[uint16]Channel
	peerChan    map[netip.AddrPort]uint16

	digestCache map[digestKey]crypto.Key

	// tcpClient records whether this session's client is connected over
	// a stream transport, so the relay path knows whether ChannelData
	// frames delivered to it need RFC 8656 Section 12.4's 4-byte padding.
	tcpClient bool

	lastActivity time.Time
}

func newSession(now time.Time) *Session {
	return &Session{
		permissions:  make(map[netip.Addr]Permission),
		channels:     make(map[uint16]Channel),
		peerChan:     make(map[netip.AddrPort]uint16),
		digestCache:  make(map[digestKey]crypto.Key),
		lastActivity: now,
	}
}

// Errors returned by Manager operations. These map directly onto the TURN
// error codes the operations package replies with.
var (
	ErrAllocationMismatch = errors.New("session: 5-tuple already has an allocation")
	ErrNoAllocation       = errors.New("session: no allocation for this client")
	ErrQuotaReached       = errors.New("session: relay port pool exhausted")
	ErrChannelConflict    = errors.New("session: channel number or peer address already bound differently")
	ErrStaleNonce         = errors.New("session: nonce missing, unknown or expired")
	ErrNotFound           = errors.New("session: identifier not found")
)

// netIP4or6 normalizes an IP into the comparable netip.Addr key used by
// the permissions map.
func netIP4or6(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
