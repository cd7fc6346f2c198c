package portpool

import "testing"

func TestAllocReleaseRoundTrip(t *testing.T) {
	p, err := New(49152, 49155)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p.Size() != 4 {
		t.Fatalf("unexpected size: %d", p.Size())
	}
	seen := map[uint16]bool{}
	for i := 0; i < 4; i++ {
		port, err := p.Alloc()
		if err != nil {
			t.Fatalf("Alloc failed on iteration %d: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if _, err := p.Alloc(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	for port := range seen {
		p.Release(port)
	}
	if p.Free() != 4 {
		t.Fatalf("expected all ports released, got free=%d", p.Free())
	}
}

func TestReserveSpecificPort(t *testing.T) {
	p, err := New(49152, 49160)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Reserve(49155); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := p.Reserve(49155); err == nil {
		t.Fatal("expected second Reserve of same port to fail")
	}
	p.Release(49155)
	if err := p.Reserve(49155); err != nil {
		t.Fatalf("Reserve after release should succeed: %v", err)
	}
}

func TestInvalidRange(t *testing.T) {
	if _, err := New(50000, 49000); err != ErrInvalidRange {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}
