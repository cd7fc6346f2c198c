// Package exchanger delivers relayed packets across transports and
// interfaces: when a response or forwarded payload must be written out a
// socket other than the one that received the triggering packet (for
// instance, a Send Indication being relayed out the allocation's UDP
// socket while the client is connected over TCP), the owning listener is
// looked up here and handed the bytes to write.
//
// Grounded on original_source's Exchanger
// (Arc<RwLock<HashMap<SocketAddr, UnboundedSender<...>>>>): a read-mostly
// map from an interface address to the listener responsible for it,
// mutated only when a listener starts or stops.
package exchanger

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoRoute is returned by Send when no listener is registered for the
// requested interface address.
var ErrNoRoute = errors.New("exchanger: no listener registered for address")

// Sink is the write side of a listener, invoked by the Exchanger to
// deliver bytes to a specific remote address on that listener's socket.
type Sink interface {
	// Deliver writes payload to target as-is; any ChannelData framing or
	// TCP padding has already been applied by the caller.
	Deliver(target netip.AddrPort, payload []byte) error
}

// Exchanger is a registry of active listeners keyed by the local address
// they are bound to.
type Exchanger struct {
	mu sync.RWMutex
	by map[netip.AddrPort]Sink
}

// New creates an empty Exchanger.
func New() *Exchanger {
	return &Exchanger{by: make(map[netip.AddrPort]Sink)}
}

// Register associates local with sink, replacing any prior registration.
// Called by a listener when it starts serving.
func (e *Exchanger) Register(local netip.AddrPort, sink Sink) {
	e.mu.Lock()
	e.by[local] = sink
	e.mu.Unlock()
}

// Unregister removes local's registration. Called by a listener on
// shutdown.
func (e *Exchanger) Unregister(local netip.AddrPort) {
	e.mu.Lock()
	delete(e.by, local)
	e.mu.Unlock()
}

// Send delivers payload to target via the listener registered for local.
func (e *Exchanger) Send(local, target netip.AddrPort, payload []byte) error {
	e.mu.RLock()
	sink, ok := e.by[local]
	e.mu.RUnlock()
	if !ok {
		return ErrNoRoute
	}
	return sink.Deliver(target, payload)
}
