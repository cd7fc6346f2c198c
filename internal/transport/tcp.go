package transport

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gorelay/gorelayd/internal/exchanger"
	"github.com/gorelay/gorelayd/internal/filter"
	"github.com/gorelay/gorelayd/internal/router"
	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/statistics"
	"github.com/gorelay/gorelayd/internal/stunmsg"
)

// TCPOptions configures a TCP (optionally TLS) listener. Connection
// framing and the TCP-only ChannelData padding (RFC 8656 Section 12.4)
// are grounded on the Rust original's transport/mod.rs, which frames a
// stream socket explicitly rather than reusing the datagram decoder.
type TCPOptions struct {
	Listener    net.Listener
	TLSConfig   *tls.Config // non-nil enables TLS (TURN-over-TLS)
	Router      *router.Router
	Exchanger   *exchanger.Exchanger
	Sessions    *session.Manager
	Stats       *statistics.Registry
	ClientRule  filter.Rule
	PeerWriter  PeerWriter
	Log         *zap.Logger
	IdleTimeout time.Duration
}

// TCPListener accepts connections and frames each one into STUN
// messages / ChannelData, mirroring the per-connection goroutine model
// used throughout the teacher for connection-oriented transports and
// the explicit framer of the Rust original.
type TCPListener struct {
	ln          net.Listener
	tlsConfig   *tls.Config
	local       netip.AddrPort
	router      *router.Router
	exchanger   *exchanger.Exchanger
	sessions    *session.Manager
	stats       *statistics.Registry
	clientRule  filter.Rule
	peerWriter  PeerWriter
	log         *zap.Logger
	idleTimeout time.Duration

	mu    sync.Mutex
	conns map[netip.AddrPort]net.Conn
}

// NewTCP builds a TCPListener around an already-bound net.Listener. Like
// UDPListener, it registers itself with the Exchanger under its own
// listening interface address (not per-connection), and multiplexes
// delivery to individual clients internally via its conns map; this lets
// the relay side address a TCP client the same way it addresses a UDP
// one, by the session's Identifier.Interface.
func NewTCP(o TCPOptions) *TCPListener {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.ClientRule == nil {
		o.ClientRule = filter.AllowAll
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	ln := o.Listener
	if o.TLSConfig != nil {
		ln = tls.NewListener(ln, o.TLSConfig)
	}
	local, _ := netipAddrPortFromNet(ln.Addr())
	return &TCPListener{
		ln:          ln,
		tlsConfig:   o.TLSConfig,
		local:       local,
		router:      o.Router,
		exchanger:   o.Exchanger,
		sessions:    o.Sessions,
		stats:       o.Stats,
		clientRule:  o.ClientRule,
		peerWriter:  o.PeerWriter,
		log:         o.Log,
		idleTimeout: o.IdleTimeout,
		conns:       make(map[netip.AddrPort]net.Conn),
	}
}

// Serve accepts connections until the listener is closed.
func (l *TCPListener) Serve() error {
	l.exchanger.Register(l.local, l)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if isClosedConnErr(err) {
				return nil
			}
			return err
		}
		go l.serveConn(conn)
	}
}

// Close stops accepting and drops all live connections.
func (l *TCPListener) Close() error {
	l.exchanger.Unregister(l.local)
	err := l.ln.Close()
	l.mu.Lock()
	conns := make([]net.Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return err
}

// Addr returns the address this listener is bound to.
func (l *TCPListener) Addr() netip.AddrPort { return l.local }

// Deliver implements exchanger.Sink for data relayed to a client that
// connected over TCP (peer data forwarded as a Data Indication or
// ChannelData, per RFC 8656 Section 12.4's padding rule).
func (l *TCPListener) Deliver(target netip.AddrPort, payload []byte) error {
	l.mu.Lock()
	conn, ok := l.conns[target]
	l.mu.Unlock()
	if !ok {
		return exchanger.ErrNoRoute
	}
	_, err := conn.Write(payload)
	return err
}

func (l *TCPListener) serveConn(conn net.Conn) {
	source, err := netipAddrPortFromNet(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return
	}
	local, err := netipAddrPortFromNet(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return
	}
	log := l.log.With(zap.Stringer("addr", stringerAddrPort(source)))

	if l.clientRule.Action(source.Addr()) == filter.Deny {
		if ce := log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write()
		}
		conn.Close()
		return
	}

	l.mu.Lock()
	l.conns[source] = conn
	l.mu.Unlock()

	id := session.Identifier{Source: source, Interface: local}
	l.sessions.SetTCPClient(id, true, time.Now())
	defer func() {
		l.mu.Lock()
		delete(l.conns, source)
		l.mu.Unlock()
		l.sessions.Close(id)
		conn.Close()
	}()

	br := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		frame, err := l.readFrame(br)
		if err != nil {
			if err != io.EOF && !isClosedConnErr(err) {
				if ce := log.Check(zapcore.DebugLevel, "frame read failed"); ce != nil {
					ce.Write(zap.Error(err))
				}
			}
			return
		}

		now := time.Now()
		l.stats.RecordReceived(id, len(frame))
		resp, routeErr := l.router.Route(frame, id, now)
		if routeErr != nil {
			if ce := log.Check(zapcore.DebugLevel, "route failed"); ce != nil {
				ce.Write(zap.Error(routeErr))
			}
			continue
		}
		if resp == nil {
			continue
		}
		l.write(id, conn, resp.Bytes, resp.RelayTarget)
	}
}

func (l *TCPListener) write(id session.Identifier, conn net.Conn, data []byte, relay *netip.AddrPort) {
	if relay != nil {
		if err := l.peerWriter.WriteToPeer(id, *relay, data); err != nil {
			l.stats.RecordError(id)
		} else {
			l.stats.RecordSent(id, len(data))
		}
		return
	}
	if _, err := conn.Write(data); err != nil {
		l.stats.RecordError(id)
		return
	}
	l.stats.RecordSent(id, len(data))
}

// readFrame reads exactly one STUN message or one ChannelData frame from
// br, applying TCP-only 4-byte ChannelData padding per RFC 8656 Section
// 12.4. Unlike UDP, a stream transport has no datagram boundaries, so the
// frame length must be derived from the header before the body is read.
func (l *TCPListener) readFrame(br *bufio.Reader) ([]byte, error) {
	header, err := br.Peek(4)
	if err != nil {
		return nil, err
	}

	// The top two bits of the first byte discriminate the two frame
	// types without needing to see the full STUN header up front: STUN
	// message types always pack into 14 bits (top two bits 0b00), while
	// a client-assignable channel number (0x4000-0x7FFF) always carries
	// 0b01 there. Peeking only 4 bytes avoids blocking on a short
	// ChannelData frame shorter than a STUN header.
	switch header[0] >> 6 {
	case 0:
		full, err := br.Peek(stunmsgHeaderSize)
		if err != nil {
			return nil, err
		}
		if !stunmsg.IsMessage(full) {
			br.Discard(1)
			return nil, errUnknownFrame
		}
		size, err := stunmsg.MessageSize(full)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		return buf, nil

	case 1:
		number := binary.BigEndian.Uint16(header[0:2])
		if !stunmsg.IsChannelNumberValid(number) {
			br.Discard(1)
			return nil, errUnknownFrame
		}
		payloadLen := int(binary.BigEndian.Uint16(header[2:4]))
		size := stunmsg.FrameSize(payloadLen, true)
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		// Trim trailing padding so the router sees an exact ChannelData
		// frame, matching IsChannelData's expectations.
		return buf[:4+payloadLen], nil

	default:
		// Unrecognized framing: consume one byte so the loop eventually
		// drains garbage instead of spinning.
		br.Discard(1)
		return nil, errUnknownFrame
	}
}

const stunmsgHeaderSize = 20

var errUnknownFrame = &routeErr{"transport: unrecognized TCP frame"}

type routeErr struct{ s string }

func (e *routeErr) Error() string { return e.s }
