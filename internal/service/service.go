// Package service is the composition root: it wires session.Manager,
// router.Router, the UDP/TCP transports, the peer-facing relay sockets
// and the Exchanger into one running TURN/STUN server, the way the
// teacher's internal/cli.rootCmd.Run and internal/server.Server.Serve
// together do, split here into a package that can be driven from tests
// or from internal/cli without going through Cobra/Viper.
package service

import (
	"crypto/rand"
	"crypto/tls"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gorelay/gorelayd/internal/exchanger"
	"github.com/gorelay/gorelayd/internal/filter"
	"github.com/gorelay/gorelayd/internal/manage"
	"github.com/gorelay/gorelayd/internal/operations"
	"github.com/gorelay/gorelayd/internal/portpool"
	"github.com/gorelay/gorelayd/internal/reload"
	"github.com/gorelay/gorelayd/internal/relay"
	"github.com/gorelay/gorelayd/internal/router"
	"github.com/gorelay/gorelayd/internal/session"
	"github.com/gorelay/gorelayd/internal/statistics"
	"github.com/gorelay/gorelayd/internal/transport"
)

// InterfaceOptions configures one listening interface.
type InterfaceOptions struct {
	Transport   string // "udp" or "tcp"
	Listen      string // host:port
	TLSConfig   *tls.Config
	IdleTimeout time.Duration
	ReusePort   bool
}

// Options configures a Service.
type Options struct {
	Log      *zap.Logger
	Realm    string
	Software string

	Interfaces []InterfaceOptions

	// RelayIP is the address the relay sockets bind to; RelayNetwork is
	// typically "udp4" or "udp6".
	RelayIP      net.IP
	RelayNetwork string
	PortMin      uint16
	PortMax      uint16

	Workers int

	Auth        session.Handler
	PeerRule    filter.Rule
	ClientRule  filter.Rule
	AuthForSTUN bool

	DefaultLifetime    time.Duration
	MaxLifetime        time.Duration
	NonceLifetime      time.Duration
	PermissionLifetime time.Duration
	IdleTimeout        time.Duration

	Registerer prometheus.Registerer

	// ManageAddr, if non-empty, serves the /reload and /stats endpoints.
	ManageAddr string
}

type listener interface {
	Serve() error
	Close() error
}

// addrer is implemented by both transport.UDPListener and
// transport.TCPListener; it is split out of the listener interface so
// that listener itself stays minimal for anything driving Serve/Close
// without caring what it's bound to.
type addrer interface {
	Addr() netip.AddrPort
}

// Service owns every long-lived resource of a running server: the
// session table, the listeners, the pre-opened relay sockets and the
// background GC loop.
type Service struct {
	log *zap.Logger

	sessions  *session.Manager
	router    *router.Router
	exchanger *exchanger.Exchanger
	stats     *statistics.Registry
	pool      *portpool.Pool
	sockets   *relay.Sockets
	notifier  reload.Notifier

	portMin, portMax uint16

	listeners []listener
	manageSrv net.Listener

	relayWG   sync.WaitGroup
	closeOnce sync.Once
	stop      chan struct{}
}

// New builds a Service from Options but does not start serving; call
// Serve to begin accepting traffic.
func New(o Options) (*Service, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.PortMin == 0 && o.PortMax == 0 {
		o.PortMin, o.PortMax = 49152, 65535
	}
	if o.RelayNetwork == "" {
		o.RelayNetwork = "udp4"
	}
	if o.RelayIP == nil {
		o.RelayIP = net.IPv4zero
	}

	pool, err := portpool.New(o.PortMin, o.PortMax)
	if err != nil {
		return nil, errors.Wrap(err, "service: failed to build port pool")
	}
	sockets, err := relay.Open(o.RelayNetwork, o.RelayIP, o.PortMin, o.PortMax)
	if err != nil {
		return nil, errors.Wrap(err, "service: failed to pre-allocate relay sockets")
	}

	sessions := session.New(session.Options{
		Log:                o.Log.Named("session"),
		PortPool:           pool,
		Realm:              o.Realm,
		NonceLifetime:      o.NonceLifetime,
		PermissionLifetime: o.PermissionLifetime,
		IdleTimeout:        o.IdleTimeout,
	})

	stats := statistics.NewRegistry(nil)
	if o.Registerer != nil {
		if err := o.Registerer.Register(stats); err != nil {
			return nil, errors.Wrap(err, "service: failed to register statistics collector")
		}
	}

	ex := exchanger.New()

	rt := router.New(router.Options{
		Sessions:        sessions,
		Handler:         o.Auth,
		PeerRule:        o.PeerRule,
		Realm:           o.Realm,
		Software:        o.Software,
		DefaultLifetime: o.DefaultLifetime,
		MaxLifetime:     o.MaxLifetime,
		AuthForSTUN:     o.AuthForSTUN,
		Log:             o.Log.Named("router"),
	})

	s := &Service{
		log:       o.Log,
		sessions:  sessions,
		router:    rt,
		exchanger: ex,
		stats:     stats,
		pool:      pool,
		sockets:   sockets,
		notifier:  reload.NewNotifier(),
		portMin:   o.PortMin,
		portMax:   o.PortMax,
		stop:      make(chan struct{}),
	}

	for _, ifc := range o.Interfaces {
		l, err := s.buildListener(ifc, o)
		if err != nil {
			sockets.Close()
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	if o.ManageAddr != "" {
		ln, err := net.Listen("tcp", o.ManageAddr)
		if err != nil {
			sockets.Close()
			return nil, errors.Wrap(err, "service: failed to bind management listener")
		}
		s.manageSrv = ln
	}

	return s, nil
}

func (s *Service) buildListener(ifc InterfaceOptions, o Options) (listener, error) {
	switch ifc.Transport {
	case "", "udp":
		conn, err := net.ListenPacket("udp", ifc.Listen)
		if err != nil {
			return nil, errors.Wrapf(err, "service: failed to listen on %s", ifc.Listen)
		}
		return transport.NewUDP(transport.UDPOptions{
			Conn:       conn,
			Router:     s.router,
			Exchanger:  s.exchanger,
			Sessions:   s.sessions,
			Stats:      s.stats,
			ClientRule: o.ClientRule,
			PeerWriter: s,
			Log:        o.Log.Named("udp"),
			Workers:    o.Workers,
			ReusePort:  ifc.ReusePort,
		})
	case "tcp":
		ln, err := net.Listen("tcp", ifc.Listen)
		if err != nil {
			return nil, errors.Wrapf(err, "service: failed to listen on %s", ifc.Listen)
		}
		return transport.NewTCP(transport.TCPOptions{
			Listener:    ln,
			TLSConfig:   ifc.TLSConfig,
			Router:      s.router,
			Exchanger:   s.exchanger,
			Sessions:    s.sessions,
			Stats:       s.stats,
			ClientRule:  o.ClientRule,
			PeerWriter:  s,
			Log:         o.Log.Named("tcp"),
			IdleTimeout: ifc.IdleTimeout,
		}), nil
	default:
		return nil, errors.Errorf("service: unknown transport %q", ifc.Transport)
	}
}

// Serve starts every listener, the relay read loops and the GC loop, and
// blocks until Close is called or a listener fails.
func (s *Service) Serve() error {
	errc := make(chan error, len(s.listeners)+1)

	for _, l := range s.listeners {
		l := l
		go func() {
			if err := l.Serve(); err != nil {
				errc <- err
			}
		}()
	}

	s.startRelayLoops()
	go s.pruneLoop()

	if s.manageSrv != nil {
		mgr := manage.NewManager(s.log.Named("manage"), s.notifier, s.stats)
		go func() {
			if err := http.Serve(s.manageSrv, mgr); err != nil && !isClosedListenerErr(err) {
				errc <- err
			}
		}()
	}

	select {
	case err := <-errc:
		return err
	case <-s.stop:
		return nil
	}
}

// Close stops all listeners, relay loops and the GC loop.
func (s *Service) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		for _, l := range s.listeners {
			if err := l.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if s.manageSrv != nil {
			s.manageSrv.Close()
		}
		if err := s.sockets.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	s.relayWG.Wait()
	return firstErr
}

// ListenerAddrs reports the bound address of every configured listener,
// in the order given in Options.Interfaces, for startup logging and tests.
func (s *Service) ListenerAddrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(s.listeners))
	for _, l := range s.listeners {
		if a, ok := l.(addrer); ok {
			addrs = append(addrs, a.Addr())
		}
	}
	return addrs
}

// Sessions exposes the session manager for tests and the management API.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Stats exposes the statistics registry for tests and the management API.
func (s *Service) Stats() *statistics.Registry { return s.stats }

func (s *Service) pruneLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sessions.Prune(time.Now())
		case <-s.stop:
			return
		}
	}
}

func randomTransactionID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}

func (s *Service) startRelayLoops() {
	for port := int(s.portMin); port <= int(s.portMax); port++ {
		conn, ok := s.sockets.Get(uint16(port))
		if !ok {
			continue
		}
		s.relayWG.Add(1)
		go s.relayLoop(uint16(port), conn)
	}
}

func (s *Service) relayLoop(port uint16, conn net.PacketConn) {
	defer s.relayWG.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		s.handlePeerDatagram(port, addr, buf[:n])
	}
}

func (s *Service) handlePeerDatagram(port uint16, peerAddr net.Addr, payload []byte) {
	id, ok := s.sessions.LookupByAllocatedPort(port)
	if !ok {
		return
	}
	peer, err := netipAddrPortFromNet(peerAddr)
	if err != nil {
		return
	}
	now := time.Now()
	peerIP := net.IP(peer.Addr().AsSlice())
	if !s.sessions.HasPermission(id, peerIP, now) {
		if ce := s.log.Check(zapcore.DebugLevel, "dropping peer datagram without permission"); ce != nil {
			ce.Write(zap.Stringer("peer", peer))
		}
		return
	}

	var frame []byte
	if number, bound := s.sessions.LookupChannelByPeer(id, peer, now); bound {
		frame = operations.BuildChannelDataToClient(number, payload, s.sessions.IsTCPClient(id, now))
	} else {
		frame = operations.BuildDataIndication(peer, payload, randomTransactionID())
	}

	s.stats.RecordReceived(id, len(payload))
	if err := s.exchanger.Send(id.Interface, id.Source, frame); err != nil {
		s.stats.RecordError(id)
		return
	}
	s.stats.RecordSent(id, len(frame))
}

// WriteToPeer implements transport.PeerWriter: it sends client-originated
// data (Send Indication / ChannelData) out the relay socket pre-opened
// for id's allocation, so the peer observes traffic sourced from the
// relayed transport address, never from the client-facing listener.
func (s *Service) WriteToPeer(id session.Identifier, peer netip.AddrPort, payload []byte) error {
	port, ok := s.sessions.AllocatedPort(id, time.Now())
	if !ok {
		return errors.New("service: no allocation for session")
	}
	conn, ok := s.sockets.Get(port)
	if !ok {
		return errors.Errorf("service: no relay socket for port %d", port)
	}
	_, err := conn.WriteTo(payload, net.UDPAddrFromAddrPort(peer))
	return err
}

func netipAddrPortFromNet(addr net.Addr) (netip.AddrPort, error) {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.AddrPort(), nil
	}
	return netip.ParseAddrPort(addr.String())
}

func isClosedListenerErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
