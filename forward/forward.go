// Package forward implements the Forwarding Plane: the top-level receive
// loop that decodes every inbound datagram, decides whether it is destined
// for this node, another node (relay), or the Protocol Engine, and acts.
package forward

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/engine"
	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/id"
	"github.com/overlaynet/overlaynode/packet"
	"github.com/overlaynet/overlaynode/route"
	"github.com/overlaynet/overlaynode/transport"
)

// initialTTL is used when a UserData packet is originated locally by
// SendUserData; relayed
// packets carry whatever TTL the original sender chose.
const initialTTL = 64

// Delivery is one UserData payload handed up to the embedding application.
type Delivery struct {
	Payload  []byte
	SrcID    id.NodeID
	RouteKey transport.RouteKey
}

// Stream is the pull-based handle the application reads delivered payloads
// from; unread deliveries are dropped once the channel is full, which is
// the overlay's only backpressure mechanism.
type Stream struct {
	ch <-chan Delivery
}

// RecvFrom blocks until a payload is delivered or ctx is done.
func (s *Stream) RecvFrom(ctx context.Context) (Delivery, error) {
	select {
	case d, ok := <-s.ch:
		if !ok {
			return Delivery{}, context.Canceled
		}
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Plane is the Forwarding Plane: decode, classify, act.
type Plane struct {
	selfID    id.NodeID
	routes    *route.Table
	transport *transport.Set
	engine    *engine.Engine
	log       *zap.SugaredLogger

	deliveries chan Delivery
}

// New builds a Forwarding Plane. bufferSize should match the node's
// configured send_buffer_size.
func New(selfID id.NodeID, routes *route.Table, t *transport.Set, eng *engine.Engine, bufferSize int, log *zap.SugaredLogger) *Plane {
	return &Plane{
		selfID:     selfID,
		routes:     routes,
		transport:  t,
		engine:     eng,
		log:        log,
		deliveries: make(chan Delivery, bufferSize),
	}
}

// Accept returns the single inbound application-data stream for this node.
func (p *Plane) Accept() *Stream {
	return &Stream{ch: p.deliveries}
}

// Run drains the Transport Set's inbound channel until ctx is cancelled.
func (p *Plane) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-p.transport.Recv():
			if !ok {
				return
			}
			p.handle(ctx, in)
		}
	}
}

func (p *Plane) handle(ctx context.Context, in transport.Inbound) {
	v, err := packet.Decode(in.Payload)
	if err != nil {
		p.log.Debugw("dropping malformed packet", "from", in.Key, "error", err)
		return
	}

	remote := remoteFromRouteKey(in.Key)
	src := v.SrcID()
	if src.Equal(p.selfID) {
		// our own packet looped back through a relay; never forward it again.
		return
	}

	dst := v.DstID()
	if !dst.IsZero() && !dst.Equal(p.selfID) {
		p.relay(v, dst)
		return
	}

	switch v.Type() {
	case packet.UserData:
		payload := make([]byte, len(v.Payload()))
		copy(payload, v.Payload())
		select {
		case p.deliveries <- Delivery{Payload: payload, SrcID: src, RouteKey: in.Key}:
		default:
			p.log.Debugw("dropping user data, delivery queue full", "src", src)
		}
		p.learnDirect(src, in.Key, remote)
	default:
		p.engine.Dispatch(ctx, v, in.Key, remote)
	}
}

func (p *Plane) relay(v packet.View, dst id.NodeID) {
	ttl := v.DecrementTTL()
	if ttl == 0 {
		p.log.Debugw("dropping packet, ttl exhausted", "dst", dst, "src", v.SrcID())
		return
	}
	r, ok := p.routes.Select(dst)
	if !ok {
		p.log.Debugw("dropping packet, unreachable destination", "dst", dst)
		return
	}
	if err := p.transport.Send(r.TransportKey, v.Raw()); err != nil {
		p.log.Debugw("relay send failed", "dst", dst, "error", err)
	}
}

func (p *Plane) learnDirect(src id.NodeID, key transport.RouteKey, remote addr.NodeAddress) {
	proto := addr.UDP
	if key.Kind == transport.KindTCP {
		proto = addr.TCP
	}
	_ = p.routes.InsertOrRefresh(route.Key{Dst: src, Proto: proto, IsDirect: true}, key, remote, time.Now(), -1)
}

func remoteFromRouteKey(key transport.RouteKey) addr.NodeAddress {
	proto := addr.UDP
	if key.Kind == transport.KindTCP {
		proto = addr.TCP
	}
	udpAddr, err := net.ResolveUDPAddr("udp", key.Remote)
	if err != nil {
		udpAddr = &net.UDPAddr{}
	}
	return addr.NodeAddress{Proto: proto, Addr: udpAddr}
}

// SendUserData encodes and sends a UserData payload to dst, looking up the
// best current route. Returns RouteUnavailable if none exists.
func (p *Plane) SendUserData(dst id.NodeID, payload []byte) error {
	r, ok := p.routes.Select(dst)
	if !ok {
		return errs.Wrap(errs.ErrRouteUnavailable)
	}
	buf := make([]byte, packet.HeaderSize(p.selfID.Width())+len(payload))
	off, err := packet.EncodeHeader(buf, packet.UserData, initialTTL, 0, p.selfID, dst)
	if err != nil {
		return err
	}
	copy(buf[off:], payload)
	return p.transport.Send(r.TransportKey, buf)
}
