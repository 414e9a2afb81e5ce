// Package engine implements the overlay's Protocol Engine: the state
// machines that keep the route table populated and alive without any
// application data flowing — heartbeat liveness, NodeID discovery, NAT
// punch coordination, RTT measurement, STUN refresh and optional TXT-based
// peer discovery.
package engine

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/id"
	"github.com/overlaynet/overlaynode/packet"
	"github.com/overlaynet/overlaynode/random"
	"github.com/overlaynet/overlaynode/resolve"
	"github.com/overlaynet/overlaynode/route"
	"github.com/overlaynet/overlaynode/stun"
	"github.com/overlaynet/overlaynode/transport"
)

// missedHeartbeatsToDrop is how many consecutive unanswered heartbeats on a
// route retire it.
const missedHeartbeatsToDrop = 3

// maxPunchAttempts bounds punch retries before falling back to permanent relay.
const maxPunchAttempts = 5

// defaultControlPacketsPerSecond caps the outbound control-packet rate so a
// large destination set never bursts heartbeats/queries across every
// route in a single tick.
const defaultControlPacketsPerSecond = 200
const defaultControlBurst = 50

// Config carries every engine-tunable value surfaced in the node's configuration.
type Config struct {
	HeartbeatInterval time.Duration
	QueryIDInterval   time.Duration
	QueryIDMaxNum     int
	EnableExtend      bool
	UDPSTUNServers    []string
	TCPSTUNServers    []string
	ExtendedDomains   []string
	Resolver          resolve.Resolver

	// ControlPacketsPerSecond caps outbound heartbeat/id-query/punch/STUN
	// traffic; 0 selects defaultControlPacketsPerSecond.
	ControlPacketsPerSecond float64

	// PeerStore persists freshly observed direct bindings so they survive a
	// restart; nil disables learned-peer persistence.
	PeerStore PeerLearner
}

// PeerLearner is the write side of the peer store: persist a direct
// NodeID-to-address binding observed on the wire. Satisfied by
// *store.Store.
type PeerLearner interface {
	Upsert(ctx context.Context, nid id.NodeID, proto addr.Proto, remote string) error
}

// peerState is the per-peer bookkeeping named in the data model: known
// addresses, heartbeat timestamps, pending punch nonces and id-query backoff.
type peerState struct {
	knownAddresses     []addr.NodeAddress
	lastHeartbeatSent  map[transport.RouteKey]time.Time
	lastHeartbeatAcked map[transport.RouteKey]time.Time
	missedHeartbeats   map[transport.RouteKey]int
	pendingPunches     map[uuid.UUID]*punchAttempt
	idQueryBackoff     time.Duration
	idKnown            bool
}

type punchAttempt struct {
	targetID  id.NodeID
	relayDst  id.NodeID
	attempt   int
	nextRetry time.Time
	endpoints []string
}

func newPeerState() *peerState {
	return &peerState{
		lastHeartbeatSent:  make(map[transport.RouteKey]time.Time),
		lastHeartbeatAcked: make(map[transport.RouteKey]time.Time),
		missedHeartbeats:   make(map[transport.RouteKey]int),
		pendingPunches:     make(map[uuid.UUID]*punchAttempt),
	}
}

// Engine is the node's Protocol Engine. It reads and writes the shared
// RouteTable and sends/receives through the shared Transport Set; it holds
// no reference back to the Forwarding Plane.
type Engine struct {
	selfID    id.NodeID
	cfg       Config
	routes    *route.Table
	transport *transport.Set
	log       *zap.SugaredLogger

	mu    sync.Mutex
	peers map[id.NodeID]*peerState

	udpStunCursor int
	tcpStunCursor int

	dedupe *dedupeCache
	pacer  *rate.Limiter
}

// New builds a Protocol Engine bound to the given RouteTable and Transport Set.
func New(selfID id.NodeID, cfg Config, routes *route.Table, t *transport.Set, log *zap.SugaredLogger) *Engine {
	perSecond := cfg.ControlPacketsPerSecond
	if perSecond <= 0 {
		perSecond = defaultControlPacketsPerSecond
	}
	return &Engine{
		selfID:    selfID,
		cfg:       cfg,
		routes:    routes,
		transport: t,
		log:       log,
		peers:     make(map[id.NodeID]*peerState),
		dedupe:    newDedupeCache(1024),
		pacer:     rate.NewLimiter(rate.Limit(perSecond), defaultControlBurst),
	}
}

// learnPeer persists a freshly observed direct binding off the
// control-packet path, so a slow or failing write never delays dispatch.
func (e *Engine) learnPeer(nid id.NodeID, proto addr.Proto, remote string) {
	if e.cfg.PeerStore == nil {
		return
	}
	go func() {
		if err := e.cfg.PeerStore.Upsert(context.Background(), nid, proto, remote); err != nil {
			e.log.Debugw("failed to persist learned peer binding", "peer", nid, "error", err)
		}
	}()
}

func (e *Engine) peer(nid id.NodeID) *peerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[nid]
	if !ok {
		p = newPeerState()
		e.peers[nid] = p
	}
	return p
}

// Dispatch handles one inbound control packet addressed to this node. The
// Forwarding Plane calls this for every ProtocolType other than UserData.
func (e *Engine) Dispatch(ctx context.Context, v packet.View, from transport.RouteKey, remote addr.NodeAddress) {
	src := v.SrcID()
	switch v.Type() {
	case packet.Heartbeat:
		e.handleHeartbeat(v, from, remote, src)
	case packet.HeartbeatReply:
		e.handleHeartbeatReply(v, from, src)
	case packet.IDQuery:
		e.handleIDQuery(v, from, remote, src)
	case packet.IDQueryReply:
		e.handleIDQueryReply(v, from, remote, src)
	case packet.PunchRequest:
		e.handlePunchRequest(v, from, remote, src)
	case packet.PunchReply:
		e.handlePunchReply(v, from, remote, src)
	case packet.TimestampRequest:
		e.handleTimestampRequest(v, from, remote, src)
	case packet.TimestampReply:
		e.handleTimestampReply(v, from, src)
	case packet.ExtendedTxt:
		e.handleExtendedTxt(v, src)
	default:
		e.log.Debugw("dropping unknown control packet", "type", v.Type(), "src", src)
	}
}

func (e *Engine) sendControl(dst id.NodeID, key transport.RouteKey, ptype packet.ProtocolType, body []byte) error {
	if !e.pacer.Allow() {
		return errs.Wrap(errs.ErrControlRateLimited)
	}
	buf := make([]byte, packet.HeaderSize(e.selfID.Width())+len(body))
	off, err := packet.EncodeHeader(buf, ptype, 64, 0, e.selfID, dst)
	if err != nil {
		return err
	}
	copy(buf[off:], body)
	return e.transport.Send(key, buf)
}

// --- Heartbeat ---

func (e *Engine) handleHeartbeat(v packet.View, from transport.RouteKey, remote addr.NodeAddress, src id.NodeID) {
	var body heartbeatBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		e.log.Debugw("malformed heartbeat", "src", src, "error", err)
		return
	}
	reply := heartbeatReplyBody{Nonce: body.Nonce, SendTS: body.SendTS, ReplyTS: nowNanos()}
	buf, err := encodeBody(reply)
	if err != nil {
		return
	}
	if err := e.sendControl(src, from, packet.HeartbeatReply, buf); err != nil {
		e.log.Debugw("failed to send heartbeat reply", "src", src, "error", err)
	}
	_ = e.routes.InsertOrRefresh(route.Key{Dst: src, Proto: addr.UDP, IsDirect: true}, from, remote, time.Now(), -1)
	e.learnPeer(src, remote.Proto, remote.Addr.String())
}

func (e *Engine) handleHeartbeatReply(v packet.View, from transport.RouteKey, src id.NodeID) {
	var body heartbeatReplyBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		e.log.Debugw("malformed heartbeat reply", "src", src, "error", err)
		return
	}
	rtt := time.Duration(nowNanos()-body.SendTS) * time.Nanosecond
	p := e.peer(src)
	e.mu.Lock()
	p.lastHeartbeatAcked[from] = time.Now()
	p.missedHeartbeats[from] = 0
	e.mu.Unlock()
	r, ok := e.routes.Select(src)
	if ok {
		_ = e.routes.InsertOrRefresh(r.Key, from, r.RemoteAddr, time.Now(), rtt)
	}
}

// TickHeartbeat sends a Heartbeat to every known destination on the route
// Select currently returns for it; other candidate routes to the same
// destination are not probed.
func (e *Engine) TickHeartbeat(now time.Time) {
	for _, dst := range e.routes.KnownDestinations() {
		r, ok := e.routes.Select(dst)
		if !ok {
			continue
		}
		p := e.peer(dst)
		nonce := uuid.New()
		body, err := encodeBody(heartbeatBody{Nonce: nonce, SendTS: nowNanos()})
		if err != nil {
			continue
		}
		if err := e.sendControl(dst, r.TransportKey, packet.Heartbeat, body); err != nil {
			e.log.Debugw("heartbeat send failed", "dst", dst, "error", err)
			continue
		}
		e.mu.Lock()
		p.lastHeartbeatSent[r.TransportKey] = now
		p.missedHeartbeats[r.TransportKey]++
		missed := p.missedHeartbeats[r.TransportKey]
		e.mu.Unlock()
		if missed > missedHeartbeatsToDrop {
			e.routes.DropKey(r.Key)
			e.log.Debugw("dropping route after missed heartbeats", "dst", dst, "route", r.Key)
		}
	}
}

// --- ID Query ---

func (e *Engine) handleIDQuery(v packet.View, from transport.RouteKey, remote addr.NodeAddress, src id.NodeID) {
	body, err := encodeBody(idQueryReplyBody{
		NodeID:      e.selfID,
		MappedAddrs: endpointsToStrings(e.transport.LocalMappedAddrs()),
	})
	if err != nil {
		return
	}
	if err := e.sendControl(src, from, packet.IDQueryReply, body); err != nil {
		e.log.Debugw("failed to send id query reply", "src", src, "error", err)
	}
	_ = e.routes.InsertOrRefresh(route.Key{Dst: src, Proto: addr.UDP, IsDirect: true}, from, remote, time.Now(), -1)
	e.learnPeer(src, remote.Proto, remote.Addr.String())
}

func (e *Engine) handleIDQueryReply(v packet.View, from transport.RouteKey, remote addr.NodeAddress, src id.NodeID) {
	var body idQueryReplyBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		e.log.Debugw("malformed id query reply", "src", src, "error", err)
		return
	}
	p := e.peer(body.NodeID)
	e.mu.Lock()
	p.idKnown = true
	p.idQueryBackoff = 0
	e.mu.Unlock()
	_ = e.routes.InsertOrRefresh(route.Key{Dst: body.NodeID, Proto: addr.UDP, IsDirect: true}, from, remote, time.Now(), -1)
	e.learnPeer(body.NodeID, remote.Proto, remote.Addr.String())
}

// TickIDQuery picks up to QueryIDMaxNum destinations whose NodeID binding is
// still unresolved and re-queries them.
func (e *Engine) TickIDQuery(now time.Time) {
	queried := 0
	for _, dst := range e.routes.KnownDestinations() {
		if queried >= e.cfg.QueryIDMaxNum {
			return
		}
		p := e.peer(dst)
		e.mu.Lock()
		known := p.idKnown
		e.mu.Unlock()
		if known {
			continue
		}
		r, ok := e.routes.Select(dst)
		if !ok {
			continue
		}
		body, err := encodeBody(idQueryBody{})
		if err != nil {
			continue
		}
		if err := e.sendControl(dst, r.TransportKey, packet.IDQuery, body); err != nil {
			e.log.Debugw("id query send failed", "dst", dst, "error", err)
			continue
		}
		queried++
	}
}

// --- Punch ---

func (e *Engine) handlePunchRequest(v packet.View, from transport.RouteKey, remote addr.NodeAddress, src id.NodeID) {
	var body punchRequestBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		e.log.Debugw("malformed punch request", "src", src, "error", err)
		return
	}
	if e.dedupe.SeenBefore(body.Nonce[:]) {
		return
	}
	if _, err := e.transport.EnsureUDPProbe(); err != nil {
		e.log.Debugw("punch fan-out probe setup failed", "error", err)
	}
	for i := 0; i < e.transport.UDPProbePipeCount(); i++ {
		for _, ep := range body.CandidateEndpoints {
			udpAddr, err := net.ResolveUDPAddr("udp", ep)
			if err != nil {
				continue
			}
			key := transport.RouteKey{Kind: transport.KindUDP, PipeIndex: i, Remote: udpAddr.String()}
			_ = e.transport.Send(key, probePayload(e.selfID, body.TargetID))
		}
	}
	replyBody, err := encodeBody(punchReplyBody{Nonce: body.Nonce})
	if err == nil {
		_ = e.sendControl(src, from, packet.PunchReply, replyBody)
	}
}

func (e *Engine) handlePunchReply(v packet.View, from transport.RouteKey, remote addr.NodeAddress, src id.NodeID) {
	var body punchReplyBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		return
	}
	p := e.peer(src)
	e.mu.Lock()
	attempt, ok := p.pendingPunches[body.Nonce]
	if ok {
		delete(p.pendingPunches, body.Nonce)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	_ = e.routes.InsertOrRefresh(route.Key{Dst: attempt.targetID, Proto: addr.UDP, IsDirect: true}, from, remote, time.Now(), -1)
	e.learnPeer(attempt.targetID, remote.Proto, remote.Addr.String())
	e.log.Debugw("punch succeeded, direct route established", "dst", attempt.targetID)
}

// RequestPunch asks relayDst to coordinate a punch toward targetID, offering
// our own locally observed mapped addresses as candidates.
func (e *Engine) RequestPunch(targetID, relayDst id.NodeID) error {
	r, ok := e.routes.Select(relayDst)
	if !ok {
		return errs.Wrap(errs.ErrRouteUnavailable)
	}
	if _, err := e.transport.EnsureUDPProbe(); err != nil {
		e.log.Debugw("punch fan-out probe setup failed", "error", err)
	}
	p := e.peer(targetID)
	nonce := uuid.New()
	e.mu.Lock()
	p.pendingPunches[nonce] = &punchAttempt{
		targetID:  targetID,
		relayDst:  relayDst,
		attempt:   1,
		nextRetry: time.Now().Add(backoffFor(1)),
		endpoints: endpointsToStrings(e.transport.LocalMappedAddrs()),
	}
	endpoints := p.pendingPunches[nonce].endpoints
	e.mu.Unlock()
	body, err := encodeBody(punchRequestBody{TargetID: targetID, Nonce: nonce, CandidateEndpoints: endpoints})
	if err != nil {
		return err
	}
	return e.sendControl(relayDst, r.TransportKey, packet.PunchRequest, body)
}

// TickPunchRetry resends any pending punch whose backoff has elapsed, and
// abandons attempts past maxPunchAttempts (falling back to permanent relay,
// i.e. simply no longer retrying — the relayed route stays in the table).
func (e *Engine) TickPunchRetry(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for dst, p := range e.peers {
		for nonce, attempt := range p.pendingPunches {
			if now.Before(attempt.nextRetry) {
				continue
			}
			if attempt.attempt >= maxPunchAttempts {
				delete(p.pendingPunches, nonce)
				e.log.Debugw("punch attempts exhausted, falling back to relay", "dst", dst)
				continue
			}
			attempt.attempt++
			attempt.nextRetry = now.Add(backoffFor(attempt.attempt))
			r, ok := e.routes.Select(attempt.relayDst)
			if !ok {
				continue
			}
			body, err := encodeBody(punchRequestBody{TargetID: attempt.targetID, Nonce: nonce, CandidateEndpoints: attempt.endpoints})
			if err != nil {
				continue
			}
			_ = e.sendControl(attempt.relayDst, r.TransportKey, packet.PunchRequest, body)
		}
	}
}

func backoffFor(attempt int) time.Duration {
	base := 500 * time.Millisecond
	mult := math.Pow(2, float64(attempt-1))
	return time.Duration(float64(base) * mult)
}

func probePayload(self, target id.NodeID) []byte {
	buf := make([]byte, packet.HeaderSize(self.Width()))
	_, _ = packet.EncodeHeader(buf, packet.PunchReply, 64, 0, self, target)
	return buf
}

// --- Timestamp / RTT ---

func (e *Engine) handleTimestampRequest(v packet.View, from transport.RouteKey, remote addr.NodeAddress, src id.NodeID) {
	var body timestampRequestBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		return
	}
	reply, err := encodeBody(timestampReplyBody{Nonce: body.Nonce, SendTS: body.SendTS, ReplyTS: nowNanos()})
	if err != nil {
		return
	}
	_ = e.sendControl(src, from, packet.TimestampReply, reply)
}

func (e *Engine) handleTimestampReply(v packet.View, from transport.RouteKey, src id.NodeID) {
	var body timestampReplyBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		return
	}
	rtt := time.Duration(nowNanos()-body.SendTS) * time.Nanosecond
	r, ok := e.routes.Select(src)
	if ok {
		_ = e.routes.InsertOrRefresh(r.Key, from, r.RemoteAddr, time.Now(), rtt)
	}
}

// MeasureNow sends an explicit Timestamp ping on a freshly added route,
// ahead of the first heartbeat round.
func (e *Engine) MeasureNow(dst id.NodeID, key transport.RouteKey) error {
	body, err := encodeBody(timestampRequestBody{Nonce: uuid.New(), SendTS: nowNanos()})
	if err != nil {
		return err
	}
	return e.sendControl(dst, key, packet.TimestampRequest, body)
}

// --- Extended (TXT) discovery ---

func (e *Engine) handleExtendedTxt(v packet.View, src id.NodeID) {
	var body extendedTxtBody
	if err := decodeBody(v.Payload(), &body); err != nil {
		return
	}
	e.log.Debugw("received extended txt hints", "src", src, "names", body.Names)
}

// TickExtendedDiscovery queries TXT records at every configured domain and
// logs the peer hints found; wiring discovered addresses into bootstrap
// config is left to the embedding (spec treats resolve as an external
// collaborator).
func (e *Engine) TickExtendedDiscovery(ctx context.Context) {
	if !e.cfg.EnableExtend || e.cfg.Resolver == nil {
		return
	}
	for _, domain := range e.cfg.ExtendedDomains {
		txt, err := e.cfg.Resolver.LookupTXT(ctx, domain)
		if err != nil {
			e.log.Debugw("extended txt lookup failed", "domain", domain, "error", err)
			continue
		}
		e.log.Debugw("extended txt discovery", "domain", domain, "records", txt)
	}
}

// --- STUN refresh ---

// TickSTUNRefresh asks the next UDP and TCP STUN server (round-robin) for
// this node's reflexive address and publishes the result.
func (e *Engine) TickSTUNRefresh(ctx context.Context) {
	if len(e.cfg.UDPSTUNServers) > 0 {
		server := e.cfg.UDPSTUNServers[e.udpStunCursor%len(e.cfg.UDPSTUNServers)]
		e.udpStunCursor++
		if a, err := e.queryUDPSTUN(ctx, server); err == nil {
			e.transport.PublishMappedAddr(addr.NodeAddress{Proto: addr.UDP, Addr: a})
		} else {
			e.log.Debugw("udp stun refresh failed", "server", server, "error", err)
		}
	}
	if len(e.cfg.TCPSTUNServers) > 0 {
		server := e.cfg.TCPSTUNServers[e.tcpStunCursor%len(e.cfg.TCPSTUNServers)]
		e.tcpStunCursor++
		if a, err := e.queryTCPSTUN(ctx, server); err == nil {
			e.transport.PublishMappedAddr(addr.NodeAddress{Proto: addr.TCP, Addr: a})
		} else {
			e.log.Debugw("tcp stun refresh failed", "server", server, "error", err)
		}
	}
}

func (e *Engine) queryUDPSTUN(ctx context.Context, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer conn.Close()
	qCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var tx stun.TransactionID
	if b, randErr := random.GenerateRandomBytes(len(tx)); randErr == nil {
		copy(tx[:], b)
	} else {
		u := uuid.New()
		copy(tx[:], u[:12])
	}
	return stun.QueryUDP(qCtx, conn, serverAddr, tx)
}

func (e *Engine) queryTCPSTUN(ctx context.Context, server string) (*net.UDPAddr, error) {
	var d net.Dialer
	qCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := d.DialContext(qCtx, "tcp", server)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer conn.Close()
	var tx stun.TransactionID
	if b, randErr := random.GenerateRandomBytes(len(tx)); randErr == nil {
		copy(tx[:], b)
	} else {
		u := uuid.New()
		copy(tx[:], u[:12])
	}
	return stun.QueryTCP(qCtx, conn, tx)
}

func nowNanos() int64 { return time.Now().UnixNano() }
