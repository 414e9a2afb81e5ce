// Package node provides the central owning handle that resolves the
// otherwise-cyclic references between the RouteTable, Transport Set and
// Protocol Engine: Node owns all three as fields and hands out non-owning
// references to each, exactly the shape design note §9 calls for.
package node

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/config"
	"github.com/overlaynet/overlaynode/engine"
	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/forward"
	"github.com/overlaynet/overlaynode/id"
	"github.com/overlaynet/overlaynode/resolve"
	"github.com/overlaynet/overlaynode/route"
	"github.com/overlaynet/overlaynode/scheduler"
	"github.com/overlaynet/overlaynode/server"
	"github.com/overlaynet/overlaynode/store"
	"github.com/overlaynet/overlaynode/transport"
)

// Node is the embedding's handle onto the running overlay: construct it
// from a Config, then Accept()/RecvFrom() delivered payloads and Send()
// outbound ones, mirroring the Pipe/PipeLine/PipeWriter shape of the
// reference embedding example.
type Node struct {
	selfID    id.NodeID
	conf      *config.Config
	routes    *route.Table
	transport *transport.Set
	engine    *engine.Engine
	forward   *forward.Plane
	scheduler *scheduler.Scheduler
	peerStore *store.Store
	log       *zap.SugaredLogger

	cancel context.CancelFunc
}

// New constructs every component wired to a central Node handle and binds
// the configured transports. It does not start background processing;
// call Start for that.
func New(conf *config.Config, log *zap.SugaredLogger) (*Node, []chan server.StartupMessage, error) {
	selfID := conf.SelfID()
	if selfID.IsZero() {
		return nil, nil, errs.NewConfigError(errs.ErrMissingSelfID)
	}

	routes := route.New(conf.RouteIdleTime(), conf.FirstLatency())

	ctx, cancel := context.WithCancel(context.Background())

	tcfg := transport.Config{
		UDPPorts:             conf.UDPPorts(),
		SubPipelineNum:       conf.SubPipelineNum(),
		Model:                udpModel(conf.UDPPipeModelHigh()),
		TCPPort:              conf.TCPPort(),
		TCPMultiplexingLimit: conf.TCPMultiplexingLimit(),
		SendBufferSize:       conf.SendBufferSize(),
	}
	ts, startups, err := transport.New(ctx, tcfg, log)
	if err != nil {
		cancel()
		return nil, nil, errs.NewTransportError(err)
	}

	for _, m := range conf.MappingAddrs() {
		ts.PublishMappedAddr(m)
	}

	var resolver resolve.Resolver
	if conf.EnableExtend() || len(conf.DNS()) > 0 {
		rcfg := resolve.DefaultConfig()
		rcfg.Servers = conf.DNS()
		resolver = resolve.New(rcfg)
	}

	var peerStore *store.Store
	if p := conf.PeerStorePath(); p != "" {
		peerStore, err = store.Open(p)
		if err != nil {
			log.Warnw("failed to open peer store, continuing without persistence", "path", p, "error", err)
			peerStore = nil
		}
	}
	var peerLearner engine.PeerLearner
	if peerStore != nil {
		peerLearner = peerStore
	}

	eng := engine.New(selfID, engine.Config{
		HeartbeatInterval: conf.HeartbeatInterval(),
		QueryIDInterval:   conf.QueryIDInterval(),
		QueryIDMaxNum:     conf.QueryIDMaxNum(),
		EnableExtend:      conf.EnableExtend(),
		UDPSTUNServers:    conf.UDPStunServers(),
		TCPSTUNServers:    conf.TCPStunServers(),
		Resolver:          resolver,
		PeerStore:         peerLearner,
	}, routes, ts, log)

	fw := forward.New(selfID, routes, ts, eng, conf.SendBufferSize(), log)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.HeartbeatInterval = conf.HeartbeatInterval()
	schedCfg.QueryIDInterval = conf.QueryIDInterval()
	sched := scheduler.New(schedCfg, routes, eng, log)

	n := &Node{
		selfID:    selfID,
		conf:      conf,
		routes:    routes,
		transport: ts,
		engine:    eng,
		forward:   fw,
		scheduler: sched,
		peerStore: peerStore,
		log:       log,
		cancel:    cancel,
	}
	return n, startups, nil
}

func udpModel(high bool) transport.Model {
	if high {
		return transport.High
	}
	return transport.Low
}

// Start dials configured bootstrap peers, begins the forwarding loop and
// the maintenance scheduler, and loads any persisted peer bindings.
func (n *Node) Start(ctx context.Context) {
	if n.peerStore != nil {
		if known, err := n.peerStore.LoadAll(ctx); err == nil {
			n.log.Debugw("loaded persisted peer bindings", "count", len(known))
			for _, k := range known {
				n.seedPersistedPeer(ctx, k)
			}
		} else {
			n.log.Warnw("failed to load persisted peer bindings", "error", err)
		}
	}
	for _, peerAddr := range n.conf.DirectAddrs() {
		n.dialBootstrap(ctx, peerAddr)
	}
	go n.forward.Run(ctx)
	go n.scheduler.Run(ctx)
}

func (n *Node) dialBootstrap(ctx context.Context, p addr.PeerNodeAddress) {
	if !p.IsDirect() {
		n.log.Debugw("skipping non-direct bootstrap address at startup, resolved lazily", "addr", p)
		return
	}
	switch p.Proto() {
	case addr.UDP:
		n.log.Debugw("bootstrap udp peer configured, awaiting first inbound or heartbeat probe", "addr", p)
	case addr.TCP:
		tcpAddr := &net.TCPAddr{IP: p.DirectAddr().IP, Port: p.DirectAddr().Port}
		if _, err := n.transport.OpenTCP(ctx, tcpAddr); err != nil {
			n.log.Warnw("failed to dial bootstrap tcp peer", "addr", p, "error", err)
		}
	}
}

// seedPersistedPeer turns one persisted binding into a candidate route, so
// the route table has somewhere to send the first heartbeat/id-query
// before any traffic is observed on this run. A UDP binding is seeded
// straight into the table against main pipe 0, reusable once deeper
// reachability is unknown; a TCP binding requires an actual dial, since a
// route's TransportKey must carry an established connection id.
func (n *Node) seedPersistedPeer(ctx context.Context, k store.KnownPeer) {
	switch k.Proto {
	case addr.UDP:
		udpAddr, err := net.ResolveUDPAddr("udp", k.Addr)
		if err != nil {
			n.log.Debugw("dropping persisted peer with unparseable udp address", "peer", k.NodeID, "addr", k.Addr, "error", err)
			return
		}
		rk := transport.RouteKey{Kind: transport.KindUDP, PipeIndex: 0, Remote: udpAddr.String()}
		na := addr.NodeAddress{Proto: addr.UDP, Addr: udpAddr}
		if err := n.routes.InsertOrRefresh(route.Key{Dst: k.NodeID, Proto: addr.UDP, IsDirect: true}, rk, na, time.Now(), -1); err != nil {
			n.log.Debugw("failed to seed persisted udp peer", "peer", k.NodeID, "error", err)
		}
	case addr.TCP:
		tcpAddr, err := net.ResolveTCPAddr("tcp", k.Addr)
		if err != nil {
			n.log.Debugw("dropping persisted peer with unparseable tcp address", "peer", k.NodeID, "addr", k.Addr, "error", err)
			return
		}
		rk, err := n.transport.OpenTCP(ctx, tcpAddr)
		if err != nil {
			n.log.Debugw("failed to redial persisted tcp peer", "peer", k.NodeID, "addr", k.Addr, "error", err)
			return
		}
		na := addr.NodeAddress{Proto: addr.TCP, Addr: tcpAddr}
		if err := n.routes.InsertOrRefresh(route.Key{Dst: k.NodeID, Proto: addr.TCP, IsDirect: true}, rk, na, time.Now(), -1); err != nil {
			n.log.Debugw("failed to seed persisted tcp peer", "peer", k.NodeID, "error", err)
		}
	}
}

// Accept returns the node's single inbound UserData stream.
func (n *Node) Accept() *forward.Stream {
	return n.forward.Accept()
}

// Send transmits a UserData payload to dst over the best known route.
func (n *Node) Send(dst id.NodeID, payload []byte) error {
	return n.forward.SendUserData(dst, payload)
}

// SelfID returns this node's identifier.
func (n *Node) SelfID() id.NodeID { return n.selfID }

// LocalMappedAddrs returns this node's currently known reflexive endpoints.
func (n *Node) LocalMappedAddrs() []addr.NodeAddress { return n.transport.LocalMappedAddrs() }

// RouteTable exposes the shared route table for read-only diagnostics.
func (n *Node) RouteTable() *route.Table { return n.routes }

// Close cancels every background task and releases owned resources.
func (n *Node) Close() error {
	n.cancel()
	if n.peerStore != nil {
		if err := n.peerStore.Close(); err != nil {
			n.log.Warnw("failed to close peer store", "error", err)
		}
	}
	return n.transport.Close()
}
