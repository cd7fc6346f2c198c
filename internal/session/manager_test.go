package session

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gorelay/gorelayd/internal/crypto"
	"github.com/gorelay/gorelayd/internal/portpool"
)

type staticHandler map[string]string

func (h staticHandler) GetPassword(_ context.Context, username string, _ crypto.Algorithm) (string, bool) {
	p, ok := h[username]
	return p, ok
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pool, err := portpool.New(49152, 49155)
	if err != nil {
		t.Fatalf("portpool.New failed: %v", err)
	}
	return New(Options{PortPool: pool, Realm: "example.org", PermissionLifetime: time.Minute, IdleTimeout: time.Minute})
}

func testID() Identifier {
	return Identifier{
		Source:    netip.MustParseAddrPort("203.0.113.1:4000"),
		Interface: netip.MustParseAddrPort("198.51.100.1:3478"),
	}
}

func TestAllocateRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	id := testID()
	now := time.Now()
	if _, err := m.Allocate(id, time.Minute, now); err != nil {
		t.Fatalf("first Allocate failed: %v", err)
	}
	if _, err := m.Allocate(id, time.Minute, now); err != ErrAllocationMismatch {
		t.Fatalf("expected ErrAllocationMismatch, got %v", err)
	}
}

func TestRefreshZeroTearsDownAllocation(t *testing.T) {
	m := newTestManager(t)
	id := testID()
	now := time.Now()
	port, err := m.Allocate(id, time.Minute, now)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := m.Refresh(id, 0, now); err != nil {
		t.Fatalf("Refresh(0) failed: %v", err)
	}
	if _, ok := m.AllocatedPort(id, now); ok {
		t.Fatal("expected allocation to be gone after Refresh(0)")
	}
	if _, ok := m.LookupByAllocatedPort(port); ok {
		t.Fatal("expected port index entry to be removed")
	}
}

func TestChannelBindConflict(t *testing.T) {
	m := newTestManager(t)
	id := testID()
	now := time.Now()
	if _, err := m.Allocate(id, time.Minute, now); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	peerA := netip.MustParseAddrPort("203.0.113.9:9000")
	peerB := netip.MustParseAddrPort("203.0.113.10:9000")

	if err := m.BindChannel(id, peerA, 0x4001, time.Minute, now); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if err := m.BindChannel(id, peerB, 0x4001, time.Minute, now); err != ErrChannelConflict {
		t.Fatalf("expected ErrChannelConflict for same channel/different peer, got %v", err)
	}
	if err := m.BindChannel(id, peerA, 0x4002, time.Minute, now); err != ErrChannelConflict {
		t.Fatalf("expected ErrChannelConflict for same peer/different channel, got %v", err)
	}
	// Refreshing the same binding is fine.
	if err := m.BindChannel(id, peerA, 0x4001, time.Minute, now); err != nil {
		t.Fatalf("refresh of existing binding should succeed: %v", err)
	}
}

func TestCreatePermissionAndLookup(t *testing.T) {
	m := newTestManager(t)
	id := testID()
	now := time.Now()
	if _, err := m.Allocate(id, time.Minute, now); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	peer := net.ParseIP("203.0.113.9")
	if err := m.CreatePermission(id, peer, 0, now); err != nil {
		t.Fatalf("CreatePermission failed: %v", err)
	}
	if !m.HasPermission(id, peer, now) {
		t.Fatal("expected permission to exist")
	}
	if m.HasPermission(id, peer, now.Add(2*time.Minute)) {
		t.Fatal("expected permission to have expired")
	}
}

func TestPruneDropsExpiredAllocationAndReleasesPort(t *testing.T) {
	m := newTestManager(t)
	id := testID()
	now := time.Now()
	port, err := m.Allocate(id, time.Second, now)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	m.Prune(now.Add(2 * time.Second))
	if _, ok := m.AllocatedPort(id, now); ok {
		t.Fatal("expected allocation to be pruned")
	}
	if free := m.pool.Free(); free != m.pool.Size() {
		t.Fatalf("expected port %d to be released back to pool, free=%d size=%d", port, free, m.pool.Size())
	}
}

func TestGetKeyCachesAcrossCalls(t *testing.T) {
	m := newTestManager(t)
	id := testID()
	h := staticHandler{"alice": "secret"}
	k1, ok := m.GetKey(context.Background(), id, "alice", crypto.AlgorithmMD5, h)
	if !ok {
		t.Fatal("expected key to resolve")
	}
	delete(h, "alice") // prove the second call hits the cache, not the handler
	k2, ok := m.GetKey(context.Background(), id, "alice", crypto.AlgorithmMD5, h)
	if !ok {
		t.Fatal("expected cached key to resolve without handler")
	}
	if string(k1) != string(k2) {
		t.Fatal("expected cached key to match")
	}
}

func TestNonceStaleRotation(t *testing.T) {
	m := newTestManager(t)
	id := testID()
	now := time.Now()
	n1 := m.GetNonce(id, now)
	if _, err := m.CheckNonce(id, "bogus", now); err != ErrStaleNonce {
		t.Fatalf("expected ErrStaleNonce, got %v", err)
	}
	n2 := m.GetNonce(id, now)
	if n1 == n2 {
		t.Fatal("expected nonce to rotate after a stale check")
	}
	if _, err := m.CheckNonce(id, n2, now); err != nil {
		t.Fatalf("expected current nonce to validate, got %v", err)
	}
}
