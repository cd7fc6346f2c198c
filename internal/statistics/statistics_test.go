package statistics

import (
	"net/netip"
	"testing"

	"github.com/gorelay/gorelayd/internal/session"
)

func testID() session.Identifier {
	return session.Identifier{
		Source:    netip.MustParseAddrPort("203.0.113.1:4000"),
		Interface: netip.MustParseAddrPort("198.51.100.1:3478"),
	}
}

func TestRecordAndSnapshot(t *testing.T) {
	r := NewRegistry(nil)
	id := testID()
	r.RecordReceived(id, 100)
	r.RecordSent(id, 50)
	r.RecordError(id)

	snap := r.Snapshot(id)
	if snap.BytesReceived != 100 || snap.BytesSent != 50 || snap.Errors != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.PacketsReceived != 1 || snap.PacketsSent != 1 {
		t.Fatalf("unexpected packet counts: %+v", snap)
	}
}

func TestForgetRemovesCounters(t *testing.T) {
	r := NewRegistry(nil)
	id := testID()
	r.RecordReceived(id, 10)
	r.Forget(id)
	snap := r.Snapshot(id)
	if snap.BytesReceived != 0 {
		t.Fatalf("expected fresh counters after Forget, got %+v", snap)
	}
}

func TestTotalsAggregates(t *testing.T) {
	r := NewRegistry(nil)
	a := testID()
	b := session.Identifier{Source: netip.MustParseAddrPort("203.0.113.2:4000"), Interface: a.Interface}
	r.RecordReceived(a, 10)
	r.RecordReceived(b, 20)
	if total := r.Totals(); total.BytesReceived != 30 {
		t.Fatalf("expected aggregate bytes 30, got %d", total.BytesReceived)
	}
}
