package operations

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}

// requestedTransportUDP is the protocol number for UDP, the only
// transport REQUESTED-TRANSPORT may name per RFC 8656 Section 14.7.
const requestedTransportUDP = 17

// Allocate handles an Allocate request (RFC 8656 Section 7.2): validate
// REQUESTED-TRANSPORT, hand the client a fresh relayed port from the
// session manager's port pool.
func Allocate(r *Request) (*Response, error) {
	transport, ok := r.Message.Get(stunmsg.AttrRequestedTransport)
	if !ok || len(transport) < 1 || transport[0] != requestedTransportUDP {
		return r.buildErr(stunmsg.CodeUnsupportedTransport, "Unsupported Transport"), nil
	}

	lifetime := r.DefaultLifetime
	if v, ok := r.Message.Get(stunmsg.AttrLifetime); ok && len(v) >= 4 {
		requested := secondsToDuration(binary.BigEndian.Uint32(v))
		if requested > 0 && requested < r.MaxLifetime {
			lifetime = requested
		} else if requested >= r.MaxLifetime {
			lifetime = r.MaxLifetime
		}
	}

	port, err := r.Sessions.Allocate(r.ID, lifetime, r.Now)
	switch err {
	case nil:
		relayed := netip.AddrPortFrom(r.ID.Interface.Addr(), port)
		return r.buildOk(func(b *stunmsg.Builder) {
			b.Add(stunmsg.AttrXorMappedAddress, stunmsg.EncodeXorAddress(r.ID.Source, r.transactionID()))
			b.Add(stunmsg.AttrXorRelayedAddress, stunmsg.EncodeXorAddress(relayed, r.transactionID()))
			b.Add(stunmsg.AttrLifetime, lifetimeAttr(lifetime))
		}), nil
	case session.ErrAllocationMismatch:
		return r.buildErr(stunmsg.CodeAllocationMismatch, "Allocation Mismatch"), nil
	case session.ErrQuotaReached:
		return r.buildErr(stunmsg.CodeAllocationQuotaReached, "Allocation Quota Reached"), nil
	default:
		return r.buildErr(stunmsg.CodeServerError, "Server Error"), nil
	}
}

// Refresh handles a Refresh request (RFC 8656 Section 7.3): a LIFETIME of
// zero deallocates; otherwise extends the allocation.
func Refresh(r *Request) (*Response, error) {
	lifetime := r.DefaultLifetime
	explicitZero := false
	if v, ok := r.Message.Get(stunmsg.AttrLifetime); ok && len(v) >= 4 {
		seconds := binary.BigEndian.Uint32(v)
		lifetime = secondsToDuration(seconds)
		explicitZero = seconds == 0
		if lifetime > r.MaxLifetime {
			lifetime = r.MaxLifetime
		}
	}
	if explicitZero {
		lifetime = 0
	}

	err := r.Sessions.Refresh(r.ID, lifetime, r.Now)
	switch err {
	case nil:
		return r.buildOk(func(b *stunmsg.Builder) {
			b.Add(stunmsg.AttrLifetime, lifetimeAttr(lifetime))
		}), nil
	case session.ErrNoAllocation:
		return r.buildErr(stunmsg.CodeAllocationMismatch, "Allocation Mismatch"), nil
	default:
		return r.buildErr(stunmsg.CodeServerError, "Server Error"), nil
	}
}

func lifetimeAttr(d time.Duration) []byte {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(d.Seconds()))
	return v[:]
}
