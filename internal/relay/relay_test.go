package relay

import (
	"net"
	"testing"
)

func TestOpenGetClose(t *testing.T) {
	// Port 0 asks the OS for an ephemeral port, so a single-port range
	// is safe to open in a sandboxed test environment without racing
	// real TURN relay ports.
	sockets, err := Open("udp4", net.IPv4zero, 0, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sockets.Close()

	if sockets.Len() != 1 {
		t.Fatalf("expected 1 socket, got %d", sockets.Len())
	}
	if _, ok := sockets.Get(0); !ok {
		t.Fatal("expected port 0 to be present")
	}
	if _, ok := sockets.Get(1); ok {
		t.Fatal("did not expect port 1 to be present")
	}
}

func TestOpenRejectsInvertedRange(t *testing.T) {
	if _, err := Open("udp4", net.IPv4zero, 10, 5); err == nil {
		t.Fatal("expected an error for min > max")
	}
}
