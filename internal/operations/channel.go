package operations

import (
	"encoding/binary"
	"net"

	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

// ChannelBind handles a ChannelBind request (RFC 8656 Section 11.2): bind
// a client-chosen channel number to a peer address on the caller's
// allocation.
func ChannelBind(r *Request) (*Response, error) {
	peer, ok := peerAddrFromAttr(r)
	if !ok {
		return r.buildErr(stunmsg.CodeBadRequest, "Bad Request"), nil
	}
	numberRaw, ok := r.Message.Get(stunmsg.AttrChannelNumber)
	if !ok || len(numberRaw) < 2 {
		return r.buildErr(stunmsg.CodeBadRequest, "Bad Request"), nil
	}
	number := binary.BigEndian.Uint16(numberRaw)
	if !stunmsg.IsChannelNumberValid(number) {
		return r.buildErr(stunmsg.CodeBadRequest, "Bad Request"), nil
	}

	ip := net.IP(peer.Addr().AsSlice())
	if !peerIPAllowed(r.PeerRule, ip) {
		return r.buildErr(stunmsg.CodeForbidden, "Forbidden"), nil
	}

	err := r.Sessions.BindChannel(r.ID, peer, number, r.DefaultLifetime, r.Now)
	switch err {
	case nil:
		return r.buildOk(nil), nil
	case session.ErrNoAllocation:
		return r.buildErr(stunmsg.CodeAllocationMismatch, "Allocation Mismatch"), nil
	case session.ErrChannelConflict:
		return r.buildErr(stunmsg.CodeForbidden, "Forbidden"), nil
	default:
		return r.buildErr(stunmsg.CodeServerError, "Server Error"), nil
	}
}
