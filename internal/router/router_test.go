package router

import (
	"net/netip"
	"testing"
	"time"

	"github.com/gorelay/gorelayd/internal/auth"
	"github.com/gorelay/gorelayd/internal/portpool"
	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

func newTestRouter(t *testing.T) (*Router, session.Identifier) {
	t.Helper()
	pool, err := portpool.New(49152, 49160)
	if err != nil {
		t.Fatalf("portpool.New failed: %v", err)
	}
	mgr := session.New(session.Options{PortPool: pool, Realm: "example.org"})
	handler := auth.NewStatic([]auth.Credential{{Username: "alice", Password: "secret"}})
	rt := New(Options{
		Sessions:        mgr,
		Handler:         handler,
		Realm:           "example.org",
		Software:        "gorelayd",
		DefaultLifetime: time.Minute,
		MaxLifetime:     time.Hour,
	})
	id := session.Identifier{
		Source:    netip.MustParseAddrPort("203.0.113.1:4000"),
		Interface: netip.MustParseAddrPort("198.51.100.1:3478"),
	}
	return rt, id
}

func TestRouteBindingNoAuthRequired(t *testing.T) {
	rt, id := newTestRouter(t)
	var txID [12]byte
	copy(txID[:], "abcdefghijkl")
	b := stunmsg.NewBuilder(make([]byte, 0, 64), stunmsg.Type{Method: stunmsg.MethodBinding, Class: stunmsg.ClassRequest}, txID)
	b.AddFingerprint()
	raw := b.Finish()

	resp, err := rt.Route(raw, id, time.Now())
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	m, err := stunmsg.Decode(resp.Bytes)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if m.Type.Class != stunmsg.ClassSuccess {
		t.Fatalf("expected success, got %+v", m.Type)
	}
}

func TestRouteAllocateRequiresAuth(t *testing.T) {
	rt, id := newTestRouter(t)
	var txID [12]byte
	copy(txID[:], "abcdefghijkl")
	b := stunmsg.NewBuilder(make([]byte, 0, 64), stunmsg.Type{Method: stunmsg.MethodAllocate, Class: stunmsg.ClassRequest}, txID)
	b.Add(stunmsg.AttrRequestedTransport, []byte{17, 0, 0, 0})
	b.AddFingerprint()
	raw := b.Finish()

	resp, err := rt.Route(raw, id, time.Now())
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	m, err := stunmsg.Decode(resp.Bytes)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if m.Type.Class != stunmsg.ClassError {
		t.Fatalf("expected 401 challenge, got %+v", m.Type)
	}
	ec, ok := m.Get(stunmsg.AttrErrorCode)
	if !ok {
		t.Fatal("expected ERROR-CODE")
	}
	code, _ := stunmsg.DecodeErrorCode(ec)
	if code.Code != stunmsg.CodeUnauthorized {
		t.Fatalf("expected 401, got %d", code.Code)
	}
	if !m.Has(stunmsg.AttrNonce) || !m.Has(stunmsg.AttrRealm) {
		t.Fatal("expected NONCE and REALM in challenge")
	}
}

func TestRouteUnknownLooksLikeGarbage(t *testing.T) {
	rt, id := newTestRouter(t)
	_, err := rt.Route([]byte("not a stun message at all, too short or wrong magic"), id, time.Now())
	if err == nil {
		t.Fatal("expected an error for non-STUN, non-ChannelData garbage")
	}
}
