package operations

import (
	"net"
	"net/netip"
	"time"

	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

// Send handles a Send Indication (RFC 8656 Section 10.1): client-to-peer
// data, silently dropped if the client holds no permission for the peer.
// Indications never produce a response to the client; a non-nil Response
// here carries RelayTarget and is written to the peer via the allocation's
// relayed socket instead.
func Send(r *Request) (*Response, error) {
	data, hasData := r.Message.Get(stunmsg.AttrData)
	peer, hasPeer := peerAddrFromAttr(r)
	if !hasData || !hasPeer {
		return nil, nil
	}
	ip := net.IP(peer.Addr().AsSlice())
	if !r.Sessions.HasPermission(r.ID, ip, r.Now) {
		return nil, nil
	}
	target := peer
	return &Response{Bytes: data, RelayTarget: &target}, nil
}

// ForwardChannelData handles a client-to-peer ChannelData frame (RFC 8656
// Section 11.4): look up the bound peer and forward the payload via the
// relayed socket. Returns (nil, nil) to drop silently (unbound channel or
// no corresponding permission), matching the teacher's
// processChannelData -> sendByBinding path, which never produces an error
// response for malformed or unbound channel data.
func ForwardChannelData(sessions *session.Manager, id session.Identifier, cd *stunmsg.ChannelData, now time.Time) *Response {
	peer, ok := sessions.LookupPeerByChannel(id, cd.Number, now)
	if !ok {
		return nil
	}
	target := peer
	return &Response{Bytes: cd.Data, RelayTarget: &target}
}

// BuildDataIndication builds a Data Indication (RFC 8656 Section 10.2) to
// deliver peer-originated data to the client, used when the peer has no
// channel bound.
func BuildDataIndication(from netip.AddrPort, payload []byte, transactionID [12]byte) []byte {
	b := stunmsg.NewBuilder(make([]byte, 0, 64+len(payload)), stunmsg.Type{Method: stunmsg.MethodData, Class: stunmsg.ClassIndication}, transactionID)
	b.Add(stunmsg.AttrXorPeerAddress, stunmsg.EncodeXorAddress(from, transactionID))
	b.Add(stunmsg.AttrData, payload)
	b.AddFingerprint()
	return b.Finish()
}

// BuildChannelDataToClient frames peer-originated data as ChannelData for
// delivery to the client over the given channel number. padToFour should
// be true when the client's transport is TCP.
func BuildChannelDataToClient(number uint16, payload []byte, padToFour bool) []byte {
	return stunmsg.EncodeChannelData(nil, number, payload, padToFour)
}
