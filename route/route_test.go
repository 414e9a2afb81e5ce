package route

import (
	"net"
	"testing"
	"time"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/id"
	"github.com/overlaynet/overlaynode/transport"
)

func mustShort(t *testing.T, b byte) id.NodeID {
	t.Helper()
	return id.NewShort([4]byte{10, 0, 0, b})
}

func TestSelectPrefersDirectOverRelayed(t *testing.T) {
	tbl := New(10*time.Second, false)
	dst := mustShort(t, 2)
	relay := mustShort(t, 3)
	now := time.Unix(1000, 0)

	relayedKey := Key{Dst: dst, Proto: addr.UDP, IsDirect: false, NextHop: relay}
	if err := tbl.InsertOrRefresh(relayedKey, transport.RouteKey{Kind: transport.KindUDP, Remote: "127.0.0.1:1"}, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{Port: 1}}, now, 20*time.Millisecond); err != nil {
		t.Fatalf("insert relayed: %v", err)
	}
	directKey := Key{Dst: dst, Proto: addr.UDP, IsDirect: true}
	if err := tbl.InsertOrRefresh(directKey, transport.RouteKey{Kind: transport.KindUDP, Remote: "127.0.0.1:2"}, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{Port: 2}}, now, 5*time.Millisecond); err != nil {
		t.Fatalf("insert direct: %v", err)
	}

	got, ok := tbl.Select(dst)
	if !ok {
		t.Fatal("expected a route")
	}
	if !got.Key.IsDirect {
		t.Fatalf("expected direct route selected, got %+v", got.Key)
	}
}

func TestInsertOrRefreshRejectsCycle(t *testing.T) {
	tbl := New(10*time.Second, false)
	dst := mustShort(t, 2)
	key := Key{Dst: dst, Proto: addr.UDP, IsDirect: false, NextHop: dst}
	err := tbl.InsertOrRefresh(key, transport.RouteKey{}, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{}}, time.Now(), 0)
	if err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestSweepDropsIdleRoutes(t *testing.T) {
	tbl := New(time.Second, false)
	dst := mustShort(t, 5)
	key := Key{Dst: dst, Proto: addr.UDP, IsDirect: true}
	base := time.Unix(1000, 0)
	if err := tbl.InsertOrRefresh(key, transport.RouteKey{Kind: transport.KindUDP, Remote: "127.0.0.1:3"}, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{Port: 3}}, base, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	lost := tbl.Sweep(base.Add(2 * time.Second))
	if len(lost) != 1 || !lost[0].Equal(dst) {
		t.Fatalf("expected dst to be lost, got %v", lost)
	}
	if _, ok := tbl.Select(dst); ok {
		t.Fatal("expected no route after sweep")
	}
}

func TestFirstLatencyPrefersLowestRTTOverCost(t *testing.T) {
	tbl := New(10*time.Second, true)
	dst := mustShort(t, 9)
	now := time.Unix(2000, 0)
	fastTK := transport.RouteKey{Kind: transport.KindUDP, Remote: "127.0.0.1:10"}
	slowTK := transport.RouteKey{Kind: transport.KindUDP, Remote: "127.0.0.1:11"}

	// Direct UDP is cheapest by cost(), but has the worse RTT; a relayed UDP
	// candidate is more expensive by cost() but has the better RTT. With
	// first_latency=true the relayed (lower-RTT) route must win.
	if err := tbl.InsertOrRefresh(Key{Dst: dst, Proto: addr.UDP, IsDirect: true}, slowTK, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{Port: 11}}, now, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	relay := mustShort(t, 20)
	if err := tbl.InsertOrRefresh(Key{Dst: dst, Proto: addr.UDP, IsDirect: false, NextHop: relay}, fastTK, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{Port: 10}}, now, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	got, ok := tbl.Select(dst)
	if !ok {
		t.Fatal("expected route")
	}
	if got.Key.IsDirect {
		t.Fatalf("expected lowest-rtt (relayed) route to win under first_latency, got %+v", got.Key)
	}
	if got.RTTEstimate != 5*time.Millisecond {
		t.Fatalf("expected 5ms rtt route selected, got %v", got.RTTEstimate)
	}
}

func TestFirstLatencyTieBreaksOnCost(t *testing.T) {
	tbl := New(10*time.Second, true)
	dst := mustShort(t, 9)
	now := time.Unix(2000, 0)
	directTK := transport.RouteKey{Kind: transport.KindUDP, Remote: "127.0.0.1:10"}
	relayTK := transport.RouteKey{Kind: transport.KindUDP, Remote: "127.0.0.1:11"}

	// Equal RTT: cost() should decide, preferring direct UDP.
	if err := tbl.InsertOrRefresh(Key{Dst: dst, Proto: addr.UDP, IsDirect: true}, directTK, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{Port: 10}}, now, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	relay := mustShort(t, 21)
	if err := tbl.InsertOrRefresh(Key{Dst: dst, Proto: addr.UDP, IsDirect: false, NextHop: relay}, relayTK, addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{Port: 11}}, now, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	got, ok := tbl.Select(dst)
	if !ok {
		t.Fatal("expected route")
	}
	if !got.Key.IsDirect {
		t.Fatalf("expected direct route to win cost tie-break, got %+v", got.Key)
	}
}
