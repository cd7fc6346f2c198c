package transport

import (
	"net"
	"net/netip"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gorelay/gorelayd/internal/exchanger"
	"github.com/gorelay/gorelayd/internal/filter"
	"github.com/gorelay/gorelayd/internal/operations"
	"github.com/gorelay/gorelayd/internal/router"
	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/statistics"
)

// PeerWriter sends client-to-peer data (Send Indication / ChannelData)
// out the allocation's own relayed socket, so the peer sees traffic
// sourced from the relayed transport address rather than from whatever
// socket the client happens to be connected to. Implemented by
// package service, which owns the pre-opened relay.Sockets.
type PeerWriter interface {
	WriteToPeer(id session.Identifier, peer netip.AddrPort, payload []byte) error
}

// UDPOptions configures a UDP listener.
type UDPOptions struct {
	Conn       net.PacketConn
	Router     *router.Router
	Exchanger  *exchanger.Exchanger
	Sessions   *session.Manager
	Stats      *statistics.Registry
	ClientRule filter.Rule
	PeerWriter PeerWriter
	Log        *zap.Logger
	Workers    int  // max concurrent workers; default 100, per the teacher's default
	ReusePort  bool // spawn one additional socket per GOMAXPROCS, matching Server.Serve
}

// UDPListener serves one UDP socket (plus, if ReusePort is available and
// requested, one extra socket per GOMAXPROCS sharing the same address),
// dispatching each datagram through a bounded worker pool, mirroring the
// teacher's Server.worker/Server.Serve loop.
type UDPListener struct {
	local      netip.AddrPort
	conn       net.PacketConn
	extra      []net.PacketConn
	router     *router.Router
	exchanger  *exchanger.Exchanger
	sessions   *session.Manager
	stats      *statistics.Registry
	clientRule filter.Rule
	peerWriter PeerWriter
	log        *zap.Logger
	workers    int
	reusePort  bool

	close chan struct{}
	wg    sync.WaitGroup
}

// NewUDP builds a UDPListener bound to o.Conn's local address.
func NewUDP(o UDPOptions) (*UDPListener, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.ClientRule == nil {
		o.ClientRule = filter.AllowAll
	}
	local, err := netipAddrPortFromNet(o.Conn.LocalAddr())
	if err != nil {
		return nil, err
	}
	l := &UDPListener{
		local:      local,
		conn:       o.Conn,
		router:     o.Router,
		exchanger:  o.Exchanger,
		sessions:   o.Sessions,
		stats:      o.Stats,
		clientRule: o.ClientRule,
		peerWriter: o.PeerWriter,
		log:        o.Log.With(zap.Stringer("addr", stringerAddrPort(local))),
		workers:    o.Workers,
		reusePort:  o.ReusePort && reuseport.Available(),
		close:      make(chan struct{}),
	}
	return l, nil
}

// Addr returns the address this listener is bound to.
func (l *UDPListener) Addr() netip.AddrPort { return l.local }

// Deliver implements exchanger.Sink: write payload to target out the
// primary relayed/listening socket.
func (l *UDPListener) Deliver(target netip.AddrPort, payload []byte) error {
	_, err := l.conn.WriteTo(payload, net.UDPAddrFromAddrPort(target))
	return err
}

// Serve starts GOMAXPROCS read loops (one extra reuseport socket each, when
// enabled) feeding a worker pool of up to the configured worker count, and
// blocks until Close is called.
func (l *UDPListener) Serve() error {
	l.exchanger.Register(l.local, l)
	pool := &workerPool{WorkerFunc: l.handleJob, MaxWorkersCount: l.workers, Logger: l.log}
	pool.Start()
	defer pool.Stop()

	n := runtime.GOMAXPROCS(-1)
	for i := 0; i < n; i++ {
		conn := l.conn
		if l.reusePort {
			laddr := l.conn.LocalAddr()
			if c, err := reuseport.ListenPacket(laddr.Network(), laddr.String()); err == nil {
				conn = c
				l.extra = append(l.extra, c)
			} else {
				l.log.Warn("failed to open additional reuseport socket", zap.Error(err))
			}
		}
		l.wg.Add(1)
		go l.readLoop(conn, pool)
	}
	l.wg.Wait()
	return nil
}

// Close stops the read loops and releases all sockets.
func (l *UDPListener) Close() error {
	l.exchanger.Unregister(l.local)
	close(l.close)
	if err := l.conn.Close(); err != nil {
		l.log.Warn("failed to close primary socket", zap.Error(err))
	}
	for _, c := range l.extra {
		if err := c.Close(); err != nil {
			l.log.Warn("failed to close reuseport socket", zap.Error(err))
		}
	}
	l.wg.Wait()
	return nil
}

func (l *UDPListener) readLoop(conn net.PacketConn, pool *workerPool) {
	defer l.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-l.close:
			return
		default:
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isClosedConnErr(err) {
				l.log.Warn("readFrom failed", zap.Error(err))
			}
			return
		}
		job := &packetJob{buf: append([]byte(nil), buf[:n]...), n: n, addr: addr}
		for i := 0; i < 7; i++ {
			if pool.Serve(job) {
				break
			}
			l.log.Warn("not enough workers, retrying")
			time.Sleep(300 * time.Millisecond)
		}
	}
}

func (l *UDPListener) handleJob(job *packetJob) {
	source, err := netipAddrPortFromNet(job.addr)
	if err != nil {
		l.log.Error("unexpected source address", zap.Error(err))
		return
	}
	if l.clientRule.Action(source.Addr()) == filter.Deny {
		if ce := l.log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write(zap.Stringer("addr", stringerAddrPort(source)))
		}
		return
	}
	id := session.Identifier{Source: source, Interface: l.local}
	now := time.Now()
	l.sessions.SetTCPClient(id, false, now)
	l.stats.RecordReceived(id, job.n)

	resp, routeErr := l.router.Route(job.buf[:job.n], id, now)
	if routeErr != nil {
		if ce := l.log.Check(zapcore.DebugLevel, "route failed"); ce != nil {
			ce.Write(zap.Error(routeErr))
		}
		return
	}
	if resp == nil {
		return
	}
	l.write(id, source, resp)
}

func (l *UDPListener) write(id session.Identifier, source netip.AddrPort, resp *operations.Response) {
	if resp.RelayTarget != nil {
		if err := l.peerWriter.WriteToPeer(id, *resp.RelayTarget, resp.Bytes); err != nil {
			l.log.Warn("relay write failed", zap.Error(err))
			l.stats.RecordError(id)
			return
		}
		l.stats.RecordSent(id, len(resp.Bytes))
		return
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.log.Warn("failed to set write deadline", zap.Error(err))
	}
	if _, err := l.conn.WriteTo(resp.Bytes, net.UDPAddrFromAddrPort(source)); err != nil {
		if !isClosedConnErr(err) {
			l.log.Warn("writeTo failed", zap.Error(err))
		}
		l.stats.RecordError(id)
		return
	}
	l.stats.RecordSent(id, len(resp.Bytes))
}

func isClosedConnErr(err error) bool {
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

func netipAddrPortFromNet(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort(), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		return ap, err
	}
}

type stringerAddrPort netip.AddrPort

func (s stringerAddrPort) String() string { return netip.AddrPort(s).String() }
