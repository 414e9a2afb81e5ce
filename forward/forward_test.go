package forward

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/engine"
	"github.com/overlaynet/overlaynode/id"
	"github.com/overlaynet/overlaynode/packet"
	"github.com/overlaynet/overlaynode/route"
	"github.com/overlaynet/overlaynode/transport"
)

type harness struct {
	id    id.NodeID
	set   *transport.Set
	table *route.Table
	plane *Plane
}

func newHarness(t *testing.T, b byte) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	set, startups, err := transport.New(ctx, transport.Config{UDPPorts: []int{0}, SendBufferSize: 16}, zap.NewNop().Sugar())
	if err != nil {
		cancel()
		t.Fatalf("new transport: %v", err)
	}
	for _, ch := range startups {
		<-ch
	}
	t.Cleanup(func() {
		_ = set.Close()
		cancel()
	})
	nid := id.NewShort([4]byte{10, 2, 0, b})
	tbl := route.New(10*time.Second, false)
	eng := engine.New(nid, engine.Config{QueryIDMaxNum: 5}, tbl, set, zap.NewNop().Sugar())
	plane := New(nid, tbl, set, eng, 16, zap.NewNop().Sugar())
	return &harness{id: nid, set: set, table: tbl, plane: plane}
}

func (h *harness) localAddr(t *testing.T) string {
	t.Helper()
	a, err := h.set.LocalUDPAddr(0)
	if err != nil {
		t.Fatalf("local addr: %v", err)
	}
	return a.String()
}

func (h *harness) routeKey(t *testing.T) transport.RouteKey {
	return transport.RouteKey{Kind: transport.KindUDP, PipeIndex: 0, Remote: h.localAddr(t)}
}

// TestForwardingPlaneDeliversUserDataAddressedHere checks that a UserData
// packet with dst == this node's id (or dst unset) is delivered upward
// rather than relayed, and that the sender's route is learned from it.
func TestForwardingPlaneDeliversUserDataAddressedHere(t *testing.T) {
	a := newHarness(t, 1)
	b := newHarness(t, 2)

	if err := a.plane.SendUserData(b.id, []byte("hello")); err == nil {
		t.Fatal("expected RouteUnavailable before any route to b is known")
	}
	if err := a.table.InsertOrRefresh(route.Key{Dst: b.id, Proto: addr.UDP, IsDirect: true}, b.routeKey(t), addr.NodeAddress{}, time.Now(), 0); err != nil {
		t.Fatalf("seed route: %v", err)
	}
	if err := a.plane.SendUserData(b.id, []byte("hello")); err != nil {
		t.Fatalf("send user data: %v", err)
	}

	go b.plane.Run(context.Background())
	delivery, err := b.plane.Accept().RecvFrom(withTimeout(t))
	if err != nil {
		t.Fatalf("recv from: %v", err)
	}
	if string(delivery.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", delivery.Payload, "hello")
	}
	if !delivery.SrcID.Equal(a.id) {
		t.Errorf("src = %v, want %v", delivery.SrcID, a.id)
	}
	if _, ok := b.table.Select(a.id); !ok {
		t.Error("expected b to have learned a direct route back to a")
	}
}

// TestForwardingPlaneRelaysAndDecrementsTTL exercises the relay classify
// path: a packet addressed to a third node is turned onward with its TTL
// strictly decreased (spec §8 TTL monotonicity).
func TestForwardingPlaneRelaysAndDecrementsTTL(t *testing.T) {
	a := newHarness(t, 3) // sender
	relay := newHarness(t, 4)
	c := newHarness(t, 5) // final destination

	if err := relay.table.InsertOrRefresh(route.Key{Dst: c.id, Proto: addr.UDP, IsDirect: true}, c.routeKey(t), addr.NodeAddress{}, time.Now(), 0); err != nil {
		t.Fatalf("seed relay->c route: %v", err)
	}

	buf := make([]byte, packet.HeaderSize(a.id.Width())+5)
	off, err := packet.EncodeHeader(buf, packet.UserData, 10, 0, a.id, c.id)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	copy(buf[off:], []byte("xyzzy"))

	if err := a.set.Send(relay.routeKey(t), buf); err != nil {
		t.Fatalf("send to relay: %v", err)
	}

	select {
	case in := <-relay.set.Recv():
		v, err := packet.Decode(in.Payload)
		if err != nil {
			t.Fatalf("decode at relay: %v", err)
		}
		dst := v.DstID()
		if dst.Equal(relay.id) || dst.IsZero() {
			t.Fatal("packet addressed to relay, expected c")
		}
		relay.plane.relay(v, dst)
	case <-withTimeoutCh(t):
		t.Fatal("relay never received packet")
	}

	select {
	case in := <-c.set.Recv():
		v, err := packet.Decode(in.Payload)
		if err != nil {
			t.Fatalf("decode at c: %v", err)
		}
		if got := v.TTL(); got != 9 {
			t.Errorf("ttl at c = %d, want 9 (strictly decreased from 10)", got)
		}
		if string(v.Payload()) != "xyzzy" {
			t.Errorf("payload at c = %q", v.Payload())
		}
	case <-withTimeoutCh(t):
		t.Fatal("c never received relayed packet")
	}
}

// TestForwardingPlaneDropsOwnLoopedBackPacket checks the cycle guard: a
// packet whose src_id equals this node's own id is dropped, so no route
// to its destination is learned from it.
func TestForwardingPlaneDropsOwnLoopedBackPacket(t *testing.T) {
	a := newHarness(t, 6)
	other := newHarness(t, 7)

	buf := make([]byte, packet.HeaderSize(a.id.Width())+1)
	off, err := packet.EncodeHeader(buf, packet.UserData, 10, 0, a.id, other.id)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf[off] = 'x'

	in := transport.Inbound{Key: a.routeKey(t), Payload: buf}
	a.plane.handle(context.Background(), in)

	if _, ok := a.table.Select(other.id); ok {
		t.Error("a must not learn a route from a packet carrying its own src id")
	}
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func withTimeoutCh(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(2 * time.Second)
}
