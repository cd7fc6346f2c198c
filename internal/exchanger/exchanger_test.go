package exchanger

import (
	"net/netip"
	"testing"
)

type recordingSink struct {
	delivered []byte
	target    netip.AddrPort
}

func (s *recordingSink) Deliver(target netip.AddrPort, payload []byte) error {
	s.target = target
	s.delivered = append([]byte(nil), payload...)
	return nil
}

func TestRegisterSendUnregister(t *testing.T) {
	e := New()
	local := netip.MustParseAddrPort("198.51.100.1:3478")
	target := netip.MustParseAddrPort("203.0.113.9:9000")
	sink := &recordingSink{}
	e.Register(local, sink)

	if err := e.Send(local, target, []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(sink.delivered) != "hello" || sink.target != target {
		t.Fatalf("unexpected delivery: %+v", sink)
	}

	e.Unregister(local)
	if err := e.Send(local, target, []byte("again")); err != ErrNoRoute {
		t.Fatalf("expected ErrNoRoute after unregister, got %v", err)
	}
}
