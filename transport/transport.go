// Package transport owns the overlay's sockets: a set of UDP sub-pipes and
// a TCP listener with its accepted/dialed connections. It hides the
// difference between the two behind RouteKey and a single inbound channel,
// the way the teacher's app.Server hides HTTP/HTTPS listener setup behind
// server.StartupMessage.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/server"
	"github.com/overlaynet/overlaynode/wirecodec"
)

// Model selects whether UDP sub-pipeline fan-out is available for punch storms.
type Model int

const (
	// Low disables sub-pipeline fan-out; only the main pipes are used.
	Low Model = iota
	// High enables fan-out to SubPipelineNum extra sockets per main pipe.
	High
)

// Config describes the sockets a Set should own.
type Config struct {
	UDPPorts             []int // one main pipe per entry; 0 means ephemeral
	SubPipelineNum       int
	Model                Model
	TCPPort              int // 0 disables the TCP listener
	TCPMultiplexingLimit int
	SendBufferSize       int
	Codec                CodecFactory // nil selects the length-prefixed default
}

// CodecFactory lets callers inject a stream codec per remote address, per
// spec's "codec(remote_addr) -> (Decoder, Encoder)" contract.
type CodecFactory func(remote net.Addr) (wirecodec.Decoder, wirecodec.Encoder)

func defaultCodecFactory(net.Addr) (wirecodec.Decoder, wirecodec.Encoder) {
	return wirecodec.DefaultDecoder, wirecodec.Default
}

// Kind distinguishes a RouteKey's underlying transport.
type Kind int

const (
	KindUDP Kind = iota
	KindTCP
)

func (k Kind) String() string {
	if k == KindTCP {
		return "tcp"
	}
	return "udp"
}

// RouteKey identifies one concrete transport path: which pipe or connection,
// and the remote endpoint reached through it. It is comparable and carries
// everything Send needs to reply on the same path.
type RouteKey struct {
	Kind      Kind
	PipeIndex int    // UDP pipe index: main pipes first, then fan-out pipes; ignored for TCP
	ConnID    uint64 // TCP connection id; 0 for UDP
	Remote    string // canonical "ip:port"
}

func (k RouteKey) String() string {
	if k.Kind == KindUDP {
		return fmt.Sprintf("udp#%d/%s", k.PipeIndex, k.Remote)
	}
	return fmt.Sprintf("tcp#%d/%s", k.ConnID, k.Remote)
}

// Inbound is one received datagram plus the path it arrived on.
type Inbound struct {
	Key     RouteKey
	Payload []byte
}

// Set bundles the UDP sub-pipes and TCP connections of one node.
type Set struct {
	log *zap.SugaredLogger
	cfg Config

	udpMu    sync.RWMutex
	udp      []*udpPipe // main pipes, index stable for RouteKey.PipeIndex
	fanOut   []*udpPipe // lazily created extra sockets for punch fan-out

	tcpListener net.Listener
	tcpMu       sync.RWMutex
	tcpConns    map[uint64]*tcpConn
	nextConnID  atomic.Uint64

	codecFactory CodecFactory

	recvCh chan Inbound
	closed atomic.Bool

	mappedMu sync.RWMutex
	mapped   []addr.NodeAddress
}

// udpPipe wraps the raw socket with the address-family-appropriate
// control-message conn so the read loop can observe which local interface
// each datagram arrived on — useful when a host has several addresses and
// no single one is canonically "the" mapped address until STUN says so.
type udpPipe struct {
	conn *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn
}

func newUDPPipe(conn *net.UDPConn) *udpPipe {
	p := &udpPipe{conn: conn}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok && udpAddr.IP.To4() == nil && udpAddr.IP.To16() != nil {
		p.pc6 = ipv6.NewPacketConn(conn)
		_ = p.pc6.SetControlMessage(ipv6.FlagDst, true)
	} else {
		p.pc4 = ipv4.NewPacketConn(conn)
		_ = p.pc4.SetControlMessage(ipv4.FlagDst, true)
	}
	return p
}

type tcpConn struct {
	id     uint64
	conn   net.Conn
	remote string
	enc    wirecodec.Encoder
	writeMu sync.Mutex
}

// New binds every configured socket synchronously, in the teacher's
// net.Listen-then-goroutine style, and returns the Set along with a
// start-up channel per main pipe / the TCP listener so callers can observe
// async bind problems the same way app.Server.StartHTTP does.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Set, []chan server.StartupMessage, error) {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 2048
	}
	codecFactory := cfg.Codec
	if codecFactory == nil {
		codecFactory = defaultCodecFactory
	}
	s := &Set{
		log:          log,
		cfg:          cfg,
		tcpConns:     make(map[uint64]*tcpConn),
		codecFactory: codecFactory,
		recvCh:       make(chan Inbound, cfg.SendBufferSize),
	}

	var startups []chan server.StartupMessage
	var bound int

	for i, port := range cfg.UDPPorts {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			bindErr := errs.NewTransportError(fmt.Errorf("bind udp pipe %d (port %d): %w", i, port, err))
			log.Warnw("udp pipe failed to bind, continuing without it", "pipe", i, "port", port, "error", bindErr)
			ch := server.NewStartupMessageChannel()
			ch <- server.NewStartupMessage(false, bindErr)
			startups = append(startups, ch)
			continue
		}
		pipe := newUDPPipe(conn)
		s.udp = append(s.udp, pipe)
		pipeIndex := len(s.udp) - 1
		ch := server.NewStartupMessageChannel()
		ch <- server.NewStartupMessage(true, nil)
		startups = append(startups, ch)
		go s.udpReadLoop(ctx, pipeIndex, pipe)
		bound++
	}

	if cfg.TCPPort != 0 {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: cfg.TCPPort})
		if err != nil {
			bindErr := errs.NewTransportError(fmt.Errorf("bind tcp listener (port %d): %w", cfg.TCPPort, err))
			log.Warnw("tcp listener failed to bind, continuing without it", "port", cfg.TCPPort, "error", bindErr)
			ch := server.NewStartupMessageChannel()
			ch <- server.NewStartupMessage(false, bindErr)
			startups = append(startups, ch)
		} else {
			s.tcpListener = ln
			ch := server.NewStartupMessageChannel()
			ch <- server.NewStartupMessage(true, nil)
			startups = append(startups, ch)
			go s.tcpAcceptLoop(ctx, ln)
			bound++
		}
	}

	if bound == 0 {
		return nil, nil, errs.NewTransportError(fmt.Errorf("no transport could be bound (%d udp ports, tcp port %d)", len(cfg.UDPPorts), cfg.TCPPort))
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, startups, nil
}

func (s *Set) udpReadLoop(ctx context.Context, pipeIndex int, pipe *udpPipe) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("udp read loop panicked", "pipe", pipeIndex, "panic", r)
		}
	}()
	buf := make([]byte, 65535)
	loggedLocal := false
	for {
		n, remoteAddr, localDst, err := readFromPipe(pipe, buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.closed.Load() {
				return
			}
			s.log.Debugw("udp read error", "pipe", pipeIndex, "error", err)
			continue
		}
		if !loggedLocal && localDst != nil {
			s.log.Debugw("udp pipe observed local interface", "pipe", pipeIndex, "local", localDst.String())
			loggedLocal = true
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		key := RouteKey{Kind: KindUDP, PipeIndex: pipeIndex, Remote: remoteAddr.String()}
		select {
		case s.recvCh <- Inbound{Key: key, Payload: payload}:
		default:
			s.log.Debugw("dropping inbound udp datagram, recv queue full", "pipe", pipeIndex)
		}
	}
}

// readFromPipe reads one datagram, preferring the address-family control
// message path so the local interface address (ipv4/ipv6 FlagDst) is
// available for diagnostics; it falls back to a plain ReadFromUDP if
// control messages are unsupported on this platform.
func readFromPipe(pipe *udpPipe, buf []byte) (int, *net.UDPAddr, net.IP, error) {
	switch {
	case pipe.pc4 != nil:
		n, cm, src, err := pipe.pc4.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, err
		}
		udpSrc, _ := src.(*net.UDPAddr)
		if cm != nil {
			return n, udpSrc, cm.Dst, nil
		}
		return n, udpSrc, nil, nil
	case pipe.pc6 != nil:
		n, cm, src, err := pipe.pc6.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, err
		}
		udpSrc, _ := src.(*net.UDPAddr)
		if cm != nil {
			return n, udpSrc, cm.Dst, nil
		}
		return n, udpSrc, nil, nil
	default:
		n, remote, err := pipe.conn.ReadFromUDP(buf)
		return n, remote, nil, err
	}
}

func (s *Set) tcpAcceptLoop(ctx context.Context, ln net.Listener) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("tcp accept loop panicked", "panic", r)
		}
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.closed.Load() {
				return
			}
			s.log.Debugw("tcp accept error", "error", err)
			continue
		}
		s.adoptTCPConn(ctx, conn)
	}
}

// OpenTCP dials a new TCP connection for the engine to use as a route, e.g.
// after a direct path is learned via STUN/punch.
func (s *Set) OpenTCP(ctx context.Context, remote *net.TCPAddr) (RouteKey, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return RouteKey{}, errs.Wrap(fmt.Errorf("dial tcp %s: %w", remote, err))
	}
	return s.adoptTCPConn(ctx, conn), nil
}

func (s *Set) adoptTCPConn(ctx context.Context, conn net.Conn) RouteKey {
	id := s.nextConnID.Add(1)
	dec, enc := s.codecFactory(conn.RemoteAddr())
	tc := &tcpConn{id: id, conn: conn, remote: conn.RemoteAddr().String(), enc: enc}
	s.tcpMu.Lock()
	s.tcpConns[id] = tc
	s.tcpMu.Unlock()
	go s.tcpReadLoop(ctx, tc, dec)
	return RouteKey{Kind: KindTCP, ConnID: id, Remote: tc.remote}
}

func (s *Set) tcpReadLoop(ctx context.Context, tc *tcpConn, dec wirecodec.Decoder) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("tcp read loop panicked", "conn", tc.id, "panic", r)
		}
		s.dropTCPConn(tc.id)
	}()
	r := bufio.NewReader(tc.conn)
	key := RouteKey{Kind: KindTCP, ConnID: tc.id, Remote: tc.remote}
	for {
		payload, err := dec.Decode(r)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !s.closed.Load() {
				s.log.Debugw("tcp decode error, closing connection", "conn", tc.id, "error", err)
			}
			return
		}
		select {
		case s.recvCh <- Inbound{Key: key, Payload: payload}:
		default:
			s.log.Debugw("dropping inbound tcp frame, recv queue full", "conn", tc.id)
		}
	}
}

func (s *Set) dropTCPConn(id uint64) {
	s.tcpMu.Lock()
	tc, ok := s.tcpConns[id]
	delete(s.tcpConns, id)
	s.tcpMu.Unlock()
	if ok {
		_ = tc.conn.Close()
	}
}

// Send writes payload on the transport path named by key.
func (s *Set) Send(key RouteKey, payload []byte) error {
	if s.closed.Load() {
		return errs.Wrap(errs.ErrTransportClosed)
	}
	switch key.Kind {
	case KindUDP:
		return s.sendUDP(key, payload)
	default:
		return s.sendTCP(key, payload)
	}
}

func (s *Set) sendUDP(key RouteKey, payload []byte) error {
	if len(payload) > 65507 {
		return errs.Wrap(errs.ErrPayloadTooLarge)
	}
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	pipe, ok := s.pipeAtLocked(key.PipeIndex)
	if !ok {
		return errs.Wrap(errs.ErrRouteKeyUnknown)
	}
	remote, err := net.ResolveUDPAddr("udp", key.Remote)
	if err != nil {
		return errs.Wrap(fmt.Errorf("resolve %s: %w", key.Remote, err))
	}
	_, err = pipe.conn.WriteToUDP(payload, remote)
	if err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// pipeAtLocked resolves a pipe index across both the main pipes and the
// fan-out pipes opened by EnsureUDPProbe, matching the index space
// udpReadLoop assigns when it starts a fan-out pipe's read loop. Callers
// must hold udpMu.
func (s *Set) pipeAtLocked(idx int) (*udpPipe, bool) {
	if idx < 0 {
		return nil, false
	}
	if idx < len(s.udp) {
		return s.udp[idx], true
	}
	fi := idx - len(s.udp)
	if fi < len(s.fanOut) {
		return s.fanOut[fi], true
	}
	return nil, false
}

func (s *Set) sendTCP(key RouteKey, payload []byte) error {
	if len(payload) > wirecodec.MaxFrameSize {
		return errs.Wrap(errs.ErrPayloadTooLarge)
	}
	s.tcpMu.RLock()
	tc, ok := s.tcpConns[key.ConnID]
	s.tcpMu.RUnlock()
	if !ok {
		return errs.Wrap(errs.ErrRouteKeyUnknown)
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if err := tc.enc.Encode(tc.conn, payload); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// Recv returns the channel inbound datagrams arrive on, across every pipe
// and connection. Ordering across RouteKeys is unspecified, matching the
// per-key-ordered, cross-key-unordered contract.
func (s *Set) Recv() <-chan Inbound { return s.recvCh }

// EnsureUDPProbe opens fan-out sockets for wide punch coverage when the
// configured Model is High, until SubPipelineNum per main pipe are open,
// and returns the fan-out count; a no-op returning 0 under Low.
func (s *Set) EnsureUDPProbe() (int, error) {
	if s.cfg.Model != High {
		return 0, nil
	}
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	for len(s.fanOut) < s.cfg.SubPipelineNum*len(s.udp) {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return len(s.fanOut), errs.Wrap(fmt.Errorf("open fan-out socket: %w", err))
		}
		pipe := newUDPPipe(conn)
		s.fanOut = append(s.fanOut, pipe)
		idx := len(s.udp) + len(s.fanOut) - 1
		go s.udpReadLoop(context.Background(), idx, pipe)
	}
	return len(s.fanOut), nil
}

// LocalMappedAddrs returns the set of self-observed public endpoints
// learned from STUN, refreshed by PublishMappedAddr.
func (s *Set) LocalMappedAddrs() []addr.NodeAddress {
	s.mappedMu.RLock()
	defer s.mappedMu.RUnlock()
	out := make([]addr.NodeAddress, len(s.mapped))
	copy(out, s.mapped)
	return out
}

// PublishMappedAddr records a newly learned reflexive address.
func (s *Set) PublishMappedAddr(a addr.NodeAddress) {
	s.mappedMu.Lock()
	defer s.mappedMu.Unlock()
	for _, existing := range s.mapped {
		if existing.Proto == a.Proto && existing.Addr.String() == a.Addr.String() {
			return
		}
	}
	s.mapped = append(s.mapped, a)
}

// UDPPipeCount reports how many main pipes are bound; fan-out pipes are
// not counted (see UDPProbePipeCount).
func (s *Set) UDPPipeCount() int {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return len(s.udp)
}

// UDPProbePipeCount reports how many UDP pipes are usable for punch
// probing: the main pipes plus whatever fan-out pipes EnsureUDPProbe has
// opened so far. Under Model Low this equals UDPPipeCount.
func (s *Set) UDPProbePipeCount() int {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return len(s.udp) + len(s.fanOut)
}

// LocalUDPAddr returns the bound local address of main pipe idx, e.g. so a
// bootstrap peer can be told which ephemeral port was actually chosen.
func (s *Set) LocalUDPAddr(idx int) (*net.UDPAddr, error) {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	if idx < 0 || idx >= len(s.udp) {
		return nil, errs.Wrap(errs.ErrRouteKeyUnknown)
	}
	return s.udp[idx].conn.LocalAddr().(*net.UDPAddr), nil
}

// Close shuts down every socket and connection; in-flight sends afterward
// fail with TransportClosed.
func (s *Set) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.udpMu.Lock()
	for _, p := range s.udp {
		_ = p.conn.Close()
	}
	for _, p := range s.fanOut {
		_ = p.conn.Close()
	}
	s.udpMu.Unlock()
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
	}
	s.tcpMu.Lock()
	for _, tc := range s.tcpConns {
		_ = tc.conn.Close()
	}
	s.tcpConns = make(map[uint64]*tcpConn)
	s.tcpMu.Unlock()
	return nil
}
