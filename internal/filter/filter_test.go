package filter

import (
	"net/netip"
	"testing"
)

func TestListFallsThroughToDefault(t *testing.T) {
	deny, err := DenyNet("10.0.0.0/8")
	if err != nil {
		t.Fatalf("DenyNet failed: %v", err)
	}
	l := New(Allow, deny)

	if got := l.Action(netip.MustParseAddr("10.1.2.3")); got != Deny {
		t.Fatalf("expected Deny for matched subnet, got %v", got)
	}
	if got := l.Action(netip.MustParseAddr("203.0.113.1")); got != Allow {
		t.Fatalf("expected default Allow for unmatched address, got %v", got)
	}
}

func TestAllowAllAlwaysAllows(t *testing.T) {
	if got := AllowAll.Action(netip.MustParseAddr("192.0.2.1")); got != Allow {
		t.Fatalf("expected Allow, got %v", got)
	}
}
