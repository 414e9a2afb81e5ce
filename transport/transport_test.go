package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/overlaynet/overlaynode/addr"
)

func newTestSet(t *testing.T, cfg Config) (*Set, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	set, startups, err := New(ctx, cfg, zap.NewNop().Sugar())
	if err != nil {
		cancel()
		t.Fatalf("new transport set: %v", err)
	}
	for _, ch := range startups {
		result := <-ch
		if !result.Success {
			cancel()
			t.Fatalf("startup failed: %v", result.Error)
		}
	}
	t.Cleanup(func() {
		_ = set.Close()
		cancel()
	})
	return set, cancel
}

func TestUDPSendRecvRoundTrip(t *testing.T) {
	a, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 16})
	b, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 16})

	bAddr := b.udp[0].conn.LocalAddr()
	key := RouteKey{Kind: KindUDP, PipeIndex: 0, Remote: bAddr.String()}
	if err := a.Send(key, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case in := <-b.Recv():
		if string(in.Payload) != "ping" {
			t.Errorf("expected ping, got %q", in.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound datagram")
	}
}

func TestTCPSendRecvRoundTrip(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free tcp port: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	_ = probe.Close()
	a, _ := newTestSet(t, Config{TCPPort: port, SendBufferSize: 16})
	b, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 16})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tcpAddr := a.tcpListener.Addr().(*net.TCPAddr)
	key, err := b.OpenTCP(ctx, tcpAddr)
	if err != nil {
		t.Fatalf("open tcp: %v", err)
	}
	if err := b.Send(key, []byte("hello over tcp")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case in := <-a.Recv():
		if string(in.Payload) != "hello over tcp" {
			t.Errorf("expected payload, got %q", in.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound tcp frame")
	}
}

func TestUDPPipeCount(t *testing.T) {
	set, _ := newTestSet(t, Config{UDPPorts: []int{0, 0}, SendBufferSize: 4})
	if got := set.UDPPipeCount(); got != 2 {
		t.Errorf("expected 2 pipes, got %d", got)
	}
}

func TestSendRejectsUnknownUDPPipe(t *testing.T) {
	set, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 4})
	err := set.Send(RouteKey{Kind: KindUDP, PipeIndex: 5, Remote: "127.0.0.1:1"}, []byte("x"))
	if err == nil {
		t.Fatal("expected error for unknown pipe index")
	}
}

func TestPublishMappedAddrDeduplicates(t *testing.T) {
	set, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 4})
	a := addr.NodeAddress{Proto: addr.UDP, Addr: &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 5000}}
	set.PublishMappedAddr(a)
	set.PublishMappedAddr(a)
	if got := len(set.LocalMappedAddrs()); got != 1 {
		t.Errorf("expected 1 mapped addr after dedup, got %d", got)
	}
}

func TestNewToleratesOneBadUDPPortAndBindsTheRest(t *testing.T) {
	// Reserve a UDP port so the second bind attempt at the same port fails,
	// while an independent ephemeral port still binds fine.
	held, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer held.Close()
	busyPort := held.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	set, startups, err := New(ctx, Config{UDPPorts: []int{0, busyPort}, SendBufferSize: 4}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("expected New to tolerate one failed bind, got error: %v", err)
	}
	defer set.Close()

	if len(startups) != 2 {
		t.Fatalf("expected 2 startup messages, got %d", len(startups))
	}
	results := make([]bool, 0, 2)
	for _, ch := range startups {
		results = append(results, (<-ch).Success)
	}
	okCount := 0
	for _, ok := range results {
		if ok {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("expected exactly 1 successful bind and 1 failed, got results %v", results)
	}
	if got := set.UDPPipeCount(); got != 1 {
		t.Errorf("expected 1 bound pipe surviving the partial failure, got %d", got)
	}
}

func TestNewFailsOnlyWhenNoTransportBinds(t *testing.T) {
	held, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer held.Close()
	busyPort := held.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _, err = New(ctx, Config{UDPPorts: []int{busyPort}, SendBufferSize: 4}, zap.NewNop().Sugar())
	if err == nil {
		t.Fatal("expected error when every configured transport fails to bind")
	}
}

func TestEnsureUDPProbeIsNoOpUnderLowModel(t *testing.T) {
	set, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 4, Model: Low, SubPipelineNum: 4})
	n, err := set.EnsureUDPProbe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no fan-out pipes under Low model, got %d", n)
	}
	if got := set.UDPProbePipeCount(); got != 1 {
		t.Errorf("expected probe pipe count to equal main pipe count under Low, got %d", got)
	}
}

func TestEnsureUDPProbeOpensFanOutUnderHighModel(t *testing.T) {
	set, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 4, Model: High, SubPipelineNum: 2})
	n, err := set.EnsureUDPProbe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 fan-out pipes opened, got %d", n)
	}
	if got := set.UDPProbePipeCount(); got != 3 {
		t.Errorf("expected 1 main + 2 fan-out pipes, got %d", got)
	}

	// A fan-out pipe index must be usable by Send, not just by the read loop.
	other, _ := newTestSet(t, Config{UDPPorts: []int{0}, SendBufferSize: 4})
	otherAddr := other.udp[0].conn.LocalAddr().(*net.UDPAddr)
	fanOutKey := RouteKey{Kind: KindUDP, PipeIndex: 1, Remote: otherAddr.String()}
	if err := set.Send(fanOutKey, []byte("probe")); err != nil {
		t.Fatalf("send from fan-out pipe: %v", err)
	}
	select {
	case in := <-other.Recv():
		if string(in.Payload) != "probe" {
			t.Errorf("expected probe payload, got %q", in.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out probe")
	}

	// Calling EnsureUDPProbe again once the quota is met is a no-op.
	n2, err := set.EnsureUDPProbe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n2 != 2 {
		t.Errorf("expected EnsureUDPProbe to report the existing fan-out count, got %d", n2)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	set, startups, err := New(ctx, Config{UDPPorts: []int{0}, SendBufferSize: 4}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, ch := range startups {
		<-ch
	}
	_ = set.Close()
	err = set.Send(RouteKey{Kind: KindUDP, PipeIndex: 0, Remote: "127.0.0.1:1"}, []byte("x"))
	if err == nil {
		t.Fatal("expected error sending after close")
	}
}
