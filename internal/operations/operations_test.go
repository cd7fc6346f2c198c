package operations

import (
	"net/netip"
	"testing"
	"time"

	"github.com/gorelay/gorelayd/internal/portpool"
	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

func newTestRequest(t *testing.T, method stunmsg.Method, attrs func(b *stunmsg.Builder)) (*Request, *session.Manager) {
	t.Helper()
	pool, err := portpool.New(49152, 49160)
	if err != nil {
		t.Fatalf("portpool.New failed: %v", err)
	}
	mgr := session.New(session.Options{PortPool: pool, Realm: "example.org"})
	var txID [12]byte
	copy(txID[:], "abcdefghijkl")
	b := stunmsg.NewBuilder(make([]byte, 0, 128), stunmsg.Type{Method: method, Class: stunmsg.ClassRequest}, txID)
	if attrs != nil {
		attrs(b)
	}
	b.AddFingerprint()
	raw := b.Finish()
	msg, err := stunmsg.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	id := session.Identifier{
		Source:    netip.MustParseAddrPort("203.0.113.1:4000"),
		Interface: netip.MustParseAddrPort("198.51.100.1:3478"),
	}
	return &Request{
		Sessions:        mgr,
		ID:              id,
		Message:         msg,
		Now:             time.Now(),
		Realm:           "example.org",
		DefaultLifetime: time.Minute,
		MaxLifetime:     time.Hour,
	}, mgr
}

func TestBindingReturnsXorMappedAddress(t *testing.T) {
	r, _ := newTestRequest(t, stunmsg.MethodBinding, nil)
	resp, err := Binding(r)
	if err != nil {
		t.Fatalf("Binding failed: %v", err)
	}
	m, err := stunmsg.Decode(resp.Bytes)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	v, ok := m.Get(stunmsg.AttrXorMappedAddress)
	if !ok {
		t.Fatal("expected XOR-MAPPED-ADDRESS in response")
	}
	addr, err := stunmsg.DecodeXorAddress(v, m.TransactionID)
	if err != nil {
		t.Fatalf("decode xor address failed: %v", err)
	}
	if addr != r.ID.Source {
		t.Fatalf("unexpected mapped address: got %s want %s", addr, r.ID.Source)
	}
}

func TestAllocateRejectsNonUDPTransport(t *testing.T) {
	r, _ := newTestRequest(t, stunmsg.MethodAllocate, func(b *stunmsg.Builder) {
		b.Add(stunmsg.AttrRequestedTransport, []byte{6, 0, 0, 0}) // TCP=6, not UDP
	})
	resp, err := Allocate(r)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	m, _ := stunmsg.Decode(resp.Bytes)
	if m.Type.Class != stunmsg.ClassError {
		t.Fatalf("expected error class response, got %+v", m.Type)
	}
	ec, ok := m.Get(stunmsg.AttrErrorCode)
	if !ok {
		t.Fatal("expected ERROR-CODE attribute")
	}
	code, err := stunmsg.DecodeErrorCode(ec)
	if err != nil {
		t.Fatalf("decode error code failed: %v", err)
	}
	if code.Code != stunmsg.CodeUnsupportedTransport {
		t.Fatalf("unexpected error code: %d", code.Code)
	}
}

func TestAllocateSucceedsAndRefreshTearsDown(t *testing.T) {
	r, mgr := newTestRequest(t, stunmsg.MethodAllocate, func(b *stunmsg.Builder) {
		b.Add(stunmsg.AttrRequestedTransport, []byte{17, 0, 0, 0})
	})
	resp, err := Allocate(r)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	m, _ := stunmsg.Decode(resp.Bytes)
	if m.Type.Class != stunmsg.ClassSuccess {
		t.Fatalf("expected success response, got %+v", m.Type)
	}
	if _, ok := mgr.AllocatedPort(r.ID, r.Now); !ok {
		t.Fatal("expected allocation to exist after Allocate")
	}

	refreshReq, _ := newTestRequest(t, stunmsg.MethodRefresh, func(b *stunmsg.Builder) {
		var v [4]byte
		b.Add(stunmsg.AttrLifetime, v[:])
	})
	refreshReq.Sessions = mgr
	refreshReq.ID = r.ID
	refreshResp, err := Refresh(refreshReq)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	rm, _ := stunmsg.Decode(refreshResp.Bytes)
	if rm.Type.Class != stunmsg.ClassSuccess {
		t.Fatalf("expected success response from Refresh(0), got %+v", rm.Type)
	}
	if _, ok := mgr.AllocatedPort(r.ID, r.Now); ok {
		t.Fatal("expected allocation to be torn down by Refresh(0)")
	}
}
