package reload

import "testing"

func TestNotifyNonBlocking(t *testing.T) {
	n := NewNotifier()
	n.Notify()
	n.Notify()
	select {
	case <-n.C:
	default:
		t.Fatal("expected a pending notification")
	}
}
