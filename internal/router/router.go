// Package router decodes incoming datagrams/frames and dispatches them to
// the right operations handler, mirroring the teacher's
// Server.process/Server.processMessage dispatch table generalized from a
// map[stun.MessageType]handleFunc to this module's stunmsg.Type.
package router

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gorelay/gorelayd/internal/filter"
	"github.com/gorelay/gorelayd/internal/operations"
	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

type handleFunc func(r *operations.Request) (*operations.Response, error)

// needsAuth reports whether method requires the long-term credential
// preamble before dispatch, mirroring Server.needAuth: indications never
// authenticate (RFC 8656 has no mechanism for it), and Binding only
// authenticates when the deployment opts in.
func needsAuth(method stunmsg.Method, class stunmsg.Class, authForSTUN bool) bool {
	if class == stunmsg.ClassIndication {
		return false
	}
	if method == stunmsg.MethodBinding {
		return authForSTUN
	}
	return true
}

// Options configures a Router.
type Options struct {
	Sessions        *session.Manager
	Handler         operations.Handler
	PeerRule        filter.Rule
	Realm           string
	Software        string
	DefaultLifetime time.Duration
	MaxLifetime     time.Duration
	AuthForSTUN     bool
	Log             *zap.Logger
}

// Router decodes and dispatches one packet at a time. It holds no
// per-packet state; callers (the transport layer) own buffers.
type Router struct {
	sessions        *session.Manager
	handler         operations.Handler
	peerRule        filter.Rule
	realm           string
	software        string
	defaultLifetime time.Duration
	maxLifetime     time.Duration
	authForSTUN     bool
	log             *zap.Logger

	handlers map[stunmsg.Method]handleFunc
}

// New builds a Router from Options.
func New(o Options) *Router {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.PeerRule == nil {
		o.PeerRule = filter.AllowAll
	}
	r := &Router{
		sessions:        o.Sessions,
		handler:         o.Handler,
		peerRule:        o.PeerRule,
		realm:           o.Realm,
		software:        o.Software,
		defaultLifetime: o.DefaultLifetime,
		maxLifetime:     o.MaxLifetime,
		authForSTUN:     o.AuthForSTUN,
		log:             o.Log,
	}
	r.handlers = map[stunmsg.Method]handleFunc{
		stunmsg.MethodBinding:          operations.Binding,
		stunmsg.MethodAllocate:         operations.Allocate,
		stunmsg.MethodRefresh:          operations.Refresh,
		stunmsg.MethodCreatePermission: operations.CreatePermission,
		stunmsg.MethodChannelBind:      operations.ChannelBind,
		stunmsg.MethodSend:             operations.Send,
	}
	return r
}

// Route decodes buf (a single UDP datagram or a single pre-framed TCP
// message/ChannelData frame) from id and returns the Response to act on,
// or (nil, nil) to silently drop. A non-nil error indicates the packet
// did not even look like a STUN message or ChannelData frame and should
// be logged by the caller at debug level, not treated as a protocol
// violation worth a response.
func (rt *Router) Route(buf []byte, id session.Identifier, now time.Time) (*operations.Response, error) {
	switch {
	case stunmsg.IsMessage(buf):
		return rt.routeMessage(buf, id, now)
	case stunmsg.IsChannelData(buf):
		cd, err := stunmsg.DecodeChannelData(buf)
		if err != nil {
			if ce := rt.log.Check(zapcore.DebugLevel, "failed to decode channel data"); ce != nil {
				ce.Write(zap.Error(err))
			}
			return nil, nil
		}
		return operations.ForwardChannelData(rt.sessions, id, cd, now), nil
	default:
		if ce := rt.log.Check(zapcore.DebugLevel, "not a stun message or channel data"); ce != nil {
			ce.Write()
		}
		return nil, errNotSTUNMessage
	}
}

var errNotSTUNMessage = &routeError{"router: not a STUN message or ChannelData frame"}

type routeError struct{ s string }

func (e *routeError) Error() string { return e.s }

func (rt *Router) routeMessage(buf []byte, id session.Identifier, now time.Time) (*operations.Response, error) {
	msg, err := stunmsg.Decode(buf)
	if err != nil {
		if ce := rt.log.Check(zapcore.DebugLevel, "failed to decode stun message"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return nil, nil
	}

	if msg.Has(stunmsg.AttrFingerprint) && !stunmsg.VerifyFingerprint(msg) {
		return rt.errorResponse(msg, stunmsg.CodeBadRequest, "Bad Request"), nil
	}

	req := &operations.Request{
		Sessions:        rt.sessions,
		ID:              id,
		Message:         msg,
		Handler:         rt.handler,
		PeerRule:        rt.peerRule,
		Now:             now,
		Realm:           rt.realm,
		Software:        rt.software,
		DefaultLifetime: rt.defaultLifetime,
		MaxLifetime:     rt.maxLifetime,
		Log:             rt.log,
	}

	if needsAuth(msg.Type.Method, msg.Type.Class, rt.authForSTUN) {
		if resp, ok := operations.Authenticate(req); !ok {
			return resp, nil
		}
	}

	h, ok := rt.handlers[msg.Type.Method]
	if !ok {
		if ce := rt.log.Check(zapcore.DebugLevel, "unsupported method"); ce != nil {
			ce.Write(zap.Uint16("method", uint16(msg.Type.Method)))
		}
		return rt.errorResponse(msg, stunmsg.CodeBadRequest, "Bad Request"), nil
	}
	return h(req)
}

func (rt *Router) errorResponse(msg *stunmsg.Message, code int, reason string) *operations.Response {
	b := stunmsg.NewBuilder(make([]byte, 0, 128), stunmsg.Type{Method: msg.Type.Method, Class: stunmsg.ClassError}, msg.TransactionID)
	b.Add(stunmsg.AttrErrorCode, stunmsg.EncodeErrorCode(code, reason))
	if rt.realm != "" {
		b.Add(stunmsg.AttrRealm, []byte(rt.realm))
	}
	b.AddFingerprint()
	return &operations.Response{Bytes: b.Finish(), Kind: operations.KindMessage}
}
