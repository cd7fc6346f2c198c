package operations

import (
	"net"

	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

// CreatePermission handles a CreatePermission request (RFC 8656
// Section 9.2): install a permission for the first XOR-PEER-ADDRESS in the
// request. Further XOR-PEER-ADDRESS attributes are not read.
func CreatePermission(r *Request) (*Response, error) {
	peer, ok := peerAddrFromAttr(r)
	if !ok {
		return r.buildErr(stunmsg.CodeBadRequest, "Bad Request"), nil
	}
	ip := net.IP(peer.Addr().AsSlice())
	if !peerIPAllowed(r.PeerRule, ip) {
		return r.buildErr(stunmsg.CodeForbidden, "Forbidden"), nil
	}

	if _, hasAlloc := r.Sessions.AllocatedPort(r.ID, r.Now); !hasAlloc {
		return r.buildErr(stunmsg.CodeAllocationMismatch, "Allocation Mismatch"), nil
	}
	if peer.Addr().Is4() != r.ID.Interface.Addr().Is4() {
		return r.buildErr(stunmsg.CodeAddressFamilyMismatch, "Peer Address Family Mismatch"), nil
	}

	err := r.Sessions.CreatePermission(r.ID, ip, r.DefaultLifetime, r.Now)
	switch err {
	case nil:
		return r.buildOk(nil), nil
	case session.ErrNoAllocation:
		return r.buildErr(stunmsg.CodeAllocationMismatch, "Allocation Mismatch"), nil
	default:
		return r.buildErr(stunmsg.CodeServerError, "Server Error"), nil
	}
}
