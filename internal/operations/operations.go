// Package operations implements one handler per TURN/STUN method, grounded
// on the teacher's internal/server/server_handlers.go dispatch functions
// (processBindingRequest, processAllocateRequest, ...) generalized from
// gortc.io/stun+turn's Message/attribute Setters onto this module's own
// stunmsg codec and session.Manager.
package operations

import (
	"context"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/gorelay/gorelayd/internal/crypto"
	"github.com/gorelay/gorelayd/internal/filter"
	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

// Handler resolves long-term credential passwords. Implemented by package
// auth's Static, RESTSecret and Chain.
type Handler = session.Handler

// ResponseKind discriminates whether a Response should be written as a
// STUN message or a ChannelData frame.
type ResponseKind int

// Response kinds.
const (
	KindMessage ResponseKind = iota
	KindChannelData
)

// Response is what an operation hands back to the router: bytes ready to
// write, plus (for Send Indication / ChannelData forwarding) a relay
// target telling the transport layer to write out the allocation's
// relayed socket instead of echoing back to the client.
type Response struct {
	Bytes       []byte
	Kind        ResponseKind
	RelayTarget *netip.AddrPort // non-nil: forward to this peer via the relayed socket
}

// Request bundles everything an operation needs.
type Request struct {
	Sessions *session.Manager
	ID       session.Identifier
	Message  *stunmsg.Message
	Handler  Handler
	PeerRule filter.Rule
	Now      time.Time
	Realm    string
	Software string
	Log      *zap.Logger

	// DefaultLifetime and MaxLifetime bound LIFETIME attribute handling
	// for Allocate/Refresh/CreatePermission/ChannelBind, mirroring the
	// teacher's config.defaultLifetime / config.maxLifetime.
	DefaultLifetime time.Duration
	MaxLifetime     time.Duration
}

func (r *Request) transactionID() [12]byte { return r.Message.TransactionID }

// buildOk builds a success response of the same method as the request,
// with the given attribute writers applied, SOFTWARE appended if
// configured, and FINGERPRINT appended last.
func (r *Request) buildOk(attrs func(b *stunmsg.Builder)) *Response {
	b := stunmsg.NewBuilder(make([]byte, 0, 256), stunmsg.Type{Method: r.Message.Type.Method, Class: stunmsg.ClassSuccess}, r.transactionID())
	if attrs != nil {
		attrs(b)
	}
	if r.Software != "" {
		b.Add(stunmsg.AttrSoftware, []byte(r.Software))
	}
	b.AddFingerprint()
	return &Response{Bytes: b.Finish(), Kind: KindMessage}
}

// buildErr builds an error response carrying ERROR-CODE (and REALM
// whenever a realm is configured).
func (r *Request) buildErr(code int, reason string) *Response {
	b := stunmsg.NewBuilder(make([]byte, 0, 256), stunmsg.Type{Method: r.Message.Type.Method, Class: stunmsg.ClassError}, r.transactionID())
	b.Add(stunmsg.AttrErrorCode, stunmsg.EncodeErrorCode(code, reason))
	if r.Realm != "" {
		b.Add(stunmsg.AttrRealm, []byte(r.Realm))
	}
	if r.Software != "" {
		b.Add(stunmsg.AttrSoftware, []byte(r.Software))
	}
	b.AddFingerprint()
	return &Response{Bytes: b.Finish(), Kind: KindMessage}
}

// buildUnauthorized builds the 401 challenge carrying REALM and NONCE, per
// RFC 8489 Section 9.2. It does not add a PASSWORD-ALGORITHMS attribute.
func (r *Request) buildUnauthorized() *Response {
	nonce := r.Sessions.GetNonce(r.ID, r.Now)
	b := stunmsg.NewBuilder(make([]byte, 0, 256), stunmsg.Type{Method: r.Message.Type.Method, Class: stunmsg.ClassError}, r.transactionID())
	b.Add(stunmsg.AttrErrorCode, stunmsg.EncodeErrorCode(stunmsg.CodeUnauthorized, "Unauthorized"))
	b.Add(stunmsg.AttrRealm, []byte(r.Realm))
	b.Add(stunmsg.AttrNonce, []byte(nonce))
	if r.Software != "" {
		b.Add(stunmsg.AttrSoftware, []byte(r.Software))
	}
	b.AddFingerprint()
	return &Response{Bytes: b.Finish(), Kind: KindMessage}
}

func (r *Request) buildStaleNonce(nonce string) *Response {
	b := stunmsg.NewBuilder(make([]byte, 0, 256), stunmsg.Type{Method: r.Message.Type.Method, Class: stunmsg.ClassError}, r.transactionID())
	b.Add(stunmsg.AttrErrorCode, stunmsg.EncodeErrorCode(stunmsg.CodeStaleNonce, "Stale Nonce"))
	b.Add(stunmsg.AttrRealm, []byte(r.Realm))
	b.Add(stunmsg.AttrNonce, []byte(nonce))
	b.AddFingerprint()
	return &Response{Bytes: b.Finish(), Kind: KindMessage}
}

// Authenticate implements the long-term credential preamble shared by
// Allocate, CreatePermission, ChannelBind and Refresh: RFC 8489
// Section 9.2's challenge/response flow plus nonce freshness, mirroring
// the teacher's Server.needAuth + Server.processMessage auth block.
//
// Returns (nil, true) when authentication succeeded and the caller should
// proceed to the operation; otherwise returns the Response to send and
// false.
func Authenticate(r *Request) (*Response, bool) {
	usernameRaw, hasUsername := r.Message.Get(stunmsg.AttrUsername)
	if !hasUsername {
		return r.buildUnauthorized(), false
	}
	username := string(usernameRaw)

	algo := crypto.AlgorithmMD5
	if v, ok := r.Message.Get(stunmsg.AttrPasswordAlgorithm); ok && len(v) >= 2 && v[1] == 1 {
		algo = crypto.AlgorithmSHA256
	}

	key, ok := r.Sessions.GetKey(context.Background(), r.ID, username, algo, r.Handler)
	if !ok {
		return r.buildUnauthorized(), false
	}

	nonceRaw, hasNonce := r.Message.Get(stunmsg.AttrNonce)
	if !hasNonce {
		fresh := r.Sessions.GetNonce(r.ID, r.Now)
		return r.buildStaleNonce(fresh), false
	}
	if _, err := r.Sessions.CheckNonce(r.ID, string(nonceRaw), r.Now); err != nil {
		fresh := r.Sessions.GetNonce(r.ID, r.Now)
		return r.buildStaleNonce(fresh), false
	}

	var verified bool
	var err error
	if algo == crypto.AlgorithmSHA256 {
		verified, err = stunmsg.VerifyMessageIntegritySHA256(r.Message, key)
	} else {
		verified, err = stunmsg.VerifyMessageIntegrity(r.Message, key)
	}
	if err != nil || !verified {
		return r.buildUnauthorized(), false
	}
	return nil, true
}

// Binding handles a STUN Binding request (RFC 8489 Section 13): respond
// with the client's reflexive transport address, no authentication
// required unless the server is configured to require it (handled by the
// router before dispatch).
func Binding(r *Request) (*Response, error) {
	return r.buildOk(func(b *stunmsg.Builder) {
		b.Add(stunmsg.AttrXorMappedAddress, stunmsg.EncodeXorAddress(r.ID.Source, r.transactionID()))
		b.Add(stunmsg.AttrMappedAddress, stunmsg.EncodeAddress(r.ID.Source))
		b.Add(stunmsg.AttrResponseOrigin, stunmsg.EncodeAddress(r.ID.Interface))
	}), nil
}

func peerAddrFromAttr(r *Request) (netip.AddrPort, bool) {
	v, ok := r.Message.Get(stunmsg.AttrXorPeerAddress)
	if !ok {
		return netip.AddrPort{}, false
	}
	addr, err := stunmsg.DecodeXorAddress(v, r.transactionID())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return addr, true
}

func peerIPAllowed(rule filter.Rule, ip net.IP) bool {
	if rule == nil {
		return true
	}
	addr, ok := stunmsg.NetIPToNetipAddr(ip)
	if !ok {
		return false
	}
	return rule.Action(addr) != filter.Deny
}
