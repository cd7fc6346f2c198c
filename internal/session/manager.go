package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gorelay/gorelayd/internal/crypto"
	"github.com/gorelay/gorelayd/internal/portpool"
)

// Handler resolves the long-term credential password for a username, the
// way the router needs it to authenticate a request. Implementations live
// in package auth (Static map, RESTSecret).
type Handler interface {
	GetPassword(ctx context.Context, username string, algorithm crypto.Algorithm) (string, bool)
}

// Options configure a Manager.
type Options struct {
	Log *zap.Logger

	// PortPool allocates relayed transport ports. Required.
	PortPool *portpool.Pool

	Realm string

	// NonceLifetime is how long an issued nonce remains valid before the
	// next request against it is met with 438 Stale Nonce. Zero disables
	// rotation (a nonce never expires), matching the teacher's
	// NonceDuration=0 behavior.
	NonceLifetime time.Duration

	// PermissionLifetime is the RFC 8656 Section 9.3 permission TTL.
	// Defaults to 5 minutes.
	PermissionLifetime time.Duration

	// IdleTimeout is how long a session with no allocation may sit idle
	// before Prune drops it outright.
	IdleTimeout time.Duration
}

// Manager owns all sessions. Internally it is a map guarded by one
// RWMutex for membership changes (create/delete) plus a per-Session mutex
// for field mutation, so that two different clients' requests never block
// each other beyond the brief window needed to look up or insert a map
// entry.
type Manager struct {
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[Identifier]*Session
	byPort   map[uint16]Identifier

	pool *portpool.Pool

	realm              string
	nonceLifetime      time.Duration
	permissionLifetime time.Duration
	idleTimeout        time.Duration
}

// New creates a Manager from Options, filling unset durations with the
// teacher-equivalent defaults (allocator.go has no notion of these
// because the teacher never implements idle/permission eviction itself;
// these numbers come straight from RFC 8656).
func New(o Options) *Manager {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.PermissionLifetime == 0 {
		o.PermissionLifetime = 5 * time.Minute
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	return &Manager{
		log:                o.Log,
		sessions:           make(map[Identifier]*Session),
		byPort:             make(map[uint16]Identifier),
		pool:               o.PortPool,
		realm:              o.Realm,
		nonceLifetime:      o.NonceLifetime,
		permissionLifetime: o.PermissionLifetime,
		idleTimeout:        o.IdleTimeout,
	}
}

// Realm returns the configured realm string, carried by 401/438 responses.
func (m *Manager) Realm() string { return m.realm }

// get returns the Session for id, creating it if needed.
func (m *Manager) get(id Identifier, now time.Time) *Session {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s = newSession(now)
	m.sessions[id] = s
	return s
}

func newNonce() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// GetNonce returns the session's current nonce, minting one if absent.
func (m *Manager) GetNonce(id Identifier, now time.Time) string {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.nonce == "" {
		s.nonce = newNonce()
		if m.nonceLifetime > 0 {
			s.nonceExpiresAt = now.Add(m.nonceLifetime)
		}
	}
	return s.nonce
}

// CheckNonce validates value against the session's current nonce. On
// mismatch or expiry it rotates the nonce and returns ErrStaleNonce along
// with the freshly minted value, matching the teacher's NonceAuth.Check
// rotate-on-stale behavior.
func (m *Manager) CheckNonce(id Identifier, value string, now time.Time) (string, error) {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.nonce != "" && value == s.nonce && (s.nonceExpiresAt.IsZero() || s.nonceExpiresAt.After(now)) {
		return s.nonce, nil
	}
	s.nonce = newNonce()
	if m.nonceLifetime > 0 {
		s.nonceExpiresAt = now.Add(m.nonceLifetime)
	}
	return s.nonce, ErrStaleNonce
}

// GetKey resolves and caches the long-term credential key for username
// under algorithm, calling Handler.GetPassword on cache miss. The session
// lock is released before the (potentially blocking, e.g. REST-backed)
// callback and re-acquired only to commit the cache entry, so a slow
// Handler never blocks unrelated sessions nor even unrelated
// authentication attempts against the same session.
func (m *Manager) GetKey(ctx context.Context, id Identifier, username string, algorithm crypto.Algorithm, h Handler) (crypto.Key, bool) {
	s := m.get(id, time.Now())
	key := digestKey{username: username, algorithm: algorithm}

	s.mu.Lock()
	if k, ok := s.digestCache[key]; ok {
		s.mu.Unlock()
		return k, true
	}
	s.mu.Unlock()

	password, ok := h.GetPassword(ctx, username, algorithm)
	if !ok {
		return nil, false
	}
	k := crypto.LongTermKey(username, m.realm, password, algorithm)

	s.mu.Lock()
	s.digestCache[key] = k
	s.mu.Unlock()
	return k, true
}

// Allocate creates a relayed allocation for id with the given lifetime,
// drawing a port from the pool. Calling Allocate on an id that already
// has a live allocation returns ErrAllocationMismatch, mirroring
// allocator.Allocator.New's 5-tuple-already-in-use check.
func (m *Manager) Allocate(id Identifier, lifetime time.Duration, now time.Time) (uint16, error) {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.allocation != nil {
		return 0, ErrAllocationMismatch
	}
	port, err := m.pool.Alloc()
	if err != nil {
		return 0, ErrQuotaReached
	}
	s.allocation = &Allocation{Port: port, ExpiresAt: now.Add(lifetime)}

	m.mu.Lock()
	m.byPort[port] = id
	m.mu.Unlock()
	return port, nil
}

// Refresh extends (lifetime > 0) or tears down (lifetime == 0) id's
// allocation. Tearing down releases the port back to the pool and removes
// all channels and permissions, per RFC 8656 Section 7.3.
func (m *Manager) Refresh(id Identifier, lifetime time.Duration, now time.Time) error {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.allocation == nil {
		return ErrNoAllocation
	}
	if lifetime == 0 {
		m.releaseLocked(id, s)
		return nil
	}
	s.allocation.ExpiresAt = now.Add(lifetime)
	return nil
}

// releaseLocked frees s's allocation, channels and permissions. Caller
// must hold s.mu.
func (m *Manager) releaseLocked(id Identifier, s *Session) {
	if s.allocation == nil {
		return
	}
	m.pool.Release(s.allocation.Port)
	m.mu.Lock()
	delete(m.byPort, s.allocation.Port)
	m.mu.Unlock()
	s.allocation = nil
	s.channels = make(map[uint16]Channel)
	s.peerChan = make(map[netip.AddrPort]uint16)
	s.permissions = make(map[netip.Addr]Permission)
}

// Close tears down id's allocation (if any) and removes the session
// entirely, for transport-level teardown (TCP disconnect).
func (m *Manager) Close(id Identifier) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	m.releaseLocked(id, s)
	s.mu.Unlock()
}

// SetTCPClient records whether id's client connected over a stream
// transport, so the relay path can decide whether ChannelData delivered
// back to the client needs TCP padding.
func (m *Manager) SetTCPClient(id Identifier, tcp bool, now time.Time) {
	s := m.get(id, now)
	s.mu.Lock()
	s.tcpClient = tcp
	s.mu.Unlock()
}

// IsTCPClient reports whether id's client connected over a stream
// transport.
func (m *Manager) IsTCPClient(id Identifier, now time.Time) bool {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpClient
}

// AllocatedPort returns id's relayed port, if it has a live allocation.
func (m *Manager) AllocatedPort(id Identifier, now time.Time) (uint16, bool) {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocation == nil {
		return 0, false
	}
	return s.allocation.Port, true
}

// LookupByAllocatedPort finds the session identifier owning a relayed
// port, used by the transport layer to route inbound peer datagrams back
// to the right client.
func (m *Manager) LookupByAllocatedPort(port uint16) (Identifier, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPort[port]
	return id, ok
}

// CreatePermission installs or refreshes a permission for peerIP on id's
// allocation. Returns ErrNoAllocation if id has no allocation.
func (m *Manager) CreatePermission(id Identifier, peerIP net.IP, lifetime time.Duration, now time.Time) error {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.allocation == nil {
		return ErrNoAllocation
	}
	addr, ok := netIP4or6(peerIP)
	if !ok {
		return ErrNoAllocation
	}
	if lifetime == 0 {
		lifetime = m.permissionLifetime
	}
	s.permissions[addr] = Permission{ExpiresAt: now.Add(lifetime)}
	return nil
}

// HasPermission reports whether id currently has a live permission for
// peerIP.
func (m *Manager) HasPermission(id Identifier, peerIP net.IP, now time.Time) bool {
	s := m.get(id, now)
	addr, ok := netIP4or6(peerIP)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[addr]
	return ok && p.ExpiresAt.After(now)
}

// BindChannel binds channel number to peer on id's allocation, enforcing
// the RFC 8656 Section 11 invariant that a channel number and a peer
// address are each bound to at most one counterpart within an allocation.
func (m *Manager) BindChannel(id Identifier, peer netip.AddrPort, number uint16, lifetime time.Duration, now time.Time) error {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.allocation == nil {
		return ErrNoAllocation
	}
	if existingPeer, ok := s.channels[number]; ok && existingPeer.Peer != peer {
		return ErrChannelConflict
	}
	if existingNum, ok := s.peerChan[peer]; ok && existingNum != number {
		return ErrChannelConflict
	}
	if lifetime == 0 {
		lifetime = m.permissionLifetime
	}
	expiresAt := now.Add(lifetime)
	s.channels[number] = Channel{Peer: peer, ExpiresAt: expiresAt}
	s.peerChan[peer] = number

	peerAddr := peer.Addr().Unmap()
	if existing, ok := s.permissions[peerAddr]; !ok || expiresAt.After(existing.ExpiresAt) {
		s.permissions[peerAddr] = Permission{ExpiresAt: expiresAt}
	}
	return nil
}

// LookupPeerByChannel returns the peer bound to channel number on id, if
// any.
func (m *Manager) LookupPeerByChannel(id Identifier, number uint16, now time.Time) (netip.AddrPort, bool) {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[number]
	if !ok || !c.ExpiresAt.After(now) {
		return netip.AddrPort{}, false
	}
	return c.Peer, true
}

// LookupChannelByPeer returns the channel number bound to peer on id, if
// any.
func (m *Manager) LookupChannelByPeer(id Identifier, peer netip.AddrPort, now time.Time) (uint16, bool) {
	s := m.get(id, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.peerChan[peer]
	if !ok {
		return 0, false
	}
	c, ok := s.channels[n]
	if !ok || !c.ExpiresAt.After(now) {
		return 0, false
	}
	return n, true
}

// Prune evicts expired permissions, channels and (in turn) allocations
// whose lifetime has elapsed, and drops sessions that have no allocation
// and have been idle past idleTimeout. It is run on a 1Hz ticker by the
// owning Service, mirroring the teacher's Server.collect/Allocator.Prune
// cadence.
func (m *Manager) Prune(now time.Time) {
	m.mu.RLock()
	ids := make([]Identifier, 0, len(m.sessions))
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var toDrop []Identifier
	for i, s := range sessions {
		s.mu.Lock()
		for addr, p := range s.permissions {
			if !p.ExpiresAt.After(now) {
				delete(s.permissions, addr)
			}
		}
		for num, c := range s.channels {
			if !c.ExpiresAt.After(now) {
				delete(s.channels, num)
				delete(s.peerChan, c.Peer)
			}
		}
		if s.allocation != nil && !s.allocation.ExpiresAt.After(now) {
			m.releaseLocked(ids[i], s)
		}
		idle := s.allocation == nil && now.Sub(s.lastActivity) > m.idleTimeout
		s.mu.Unlock()
		if idle {
			toDrop = append(toDrop, ids[i])
		}
	}

	if len(toDrop) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range toDrop {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// Stats is a point-in-time snapshot of aggregate session counts, mirroring
// allocator.Stats.
type Stats struct {
	Sessions    int
	Allocations int
	Permissions int
	Channels    int
}

// Stats returns current aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	st := Stats{Sessions: len(sessions)}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.allocation != nil {
			st.Allocations++
		}
		st.Permissions += len(s.permissions)
		st.Channels += len(s.channels)
		s.mu.Unlock()
	}
	return st
}
