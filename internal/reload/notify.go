// Package reload implements config-reload request notification.
package reload

// Notifier implements config reload request notification.
type Notifier struct {
	C chan struct{}
}

// NewNotifier initializes and returns a new Notifier.
func NewNotifier() Notifier {
	n := Notifier{C: make(chan struct{}, 1)}
	n.subscribe()
	return n
}

// Notify satisfies manage.Notifier for programmatic reload triggers (the
// HTTP /reload endpoint), in addition to the signal-driven path.
func (n Notifier) Notify() {
	select {
	case n.C <- struct{}{}:
	default:
	}
}
