//go:build windows

package reload

// Windows has no SIGUSR2; reload is only reachable via the HTTP /reload
// endpoint there, so subscribe is a no-op.
func (n *Notifier) subscribe() {}
