package stun

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/overlaynet/overlaynode/errs"
)

func buildXorMappedResponse(txID TransactionID, ip net.IP, port int) []byte {
	v4 := ip.To4()
	val := make([]byte, 8)
	val[1] = familyIPv4
	xport := uint16(port) ^ uint16(magicCookie>>16)
	binary.BigEndian.PutUint16(val[2:4], xport)
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], magicCookie)
	for i := 0; i < 4; i++ {
		val[4+i] = v4[i] ^ cookie[i]
	}

	attr := make([]byte, 4+len(val))
	binary.BigEndian.PutUint16(attr[0:2], attrXorMappedAddr)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(val)))
	copy(attr[4:], val)

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], bindingSuccess)
	binary.BigEndian.PutUint16(header[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(header[4:8], magicCookie)
	copy(header[8:20], txID[:])

	return append(header, attr...)
}

func TestBuildParseBindingRoundTrip(t *testing.T) {
	var tx TransactionID
	copy(tx[:], []byte("abcdefghijkl"))

	resp := buildXorMappedResponse(tx, net.ParseIP("203.0.113.4"), 5000)
	addr, err := ParseBindingResponse(resp, tx)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.IP.String() != "203.0.113.4" || addr.Port != 5000 {
		t.Fatalf("expected 203.0.113.4:5000, got %s", addr)
	}
}

func TestParseBindingResponseRejectsTransactionMismatch(t *testing.T) {
	var tx, other TransactionID
	copy(tx[:], []byte("abcdefghijkl"))
	copy(other[:], []byte("zzzzzzzzzzzz"))
	resp := buildXorMappedResponse(tx, net.ParseIP("203.0.113.4"), 5000)
	_, err := ParseBindingResponse(resp, other)
	if !errors.Is(err, errs.ErrSTUNMalformed) {
		t.Fatalf("expected ErrSTUNMalformed, got %v", err)
	}
}

func TestParseBindingResponseRejectsBadMagicCookie(t *testing.T) {
	var tx TransactionID
	resp := buildXorMappedResponse(tx, net.ParseIP("203.0.113.4"), 5000)
	binary.BigEndian.PutUint32(resp[4:8], 0)
	_, err := ParseBindingResponse(resp, tx)
	if !errors.Is(err, errs.ErrSTUNMalformed) {
		t.Fatalf("expected ErrSTUNMalformed, got %v", err)
	}
}

func TestParseBindingResponseRejectsTruncated(t *testing.T) {
	_, err := ParseBindingResponse([]byte{0, 1, 2}, TransactionID{})
	if !errors.Is(err, errs.ErrSTUNMalformed) {
		t.Fatalf("expected ErrSTUNMalformed, got %v", err)
	}
}

func TestQueryUDPAgainstLoopbackServer(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverConn.Close()

	var tx TransactionID
	copy(tx[:], []byte("abcdefghijkl"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		n, from, err := serverConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var gotTx TransactionID
		copy(gotTx[:], buf[8:20])
		resp := buildXorMappedResponse(gotTx, net.ParseIP("198.51.100.7"), 6000)
		_, _ = serverConn.WriteToUDP(resp, from)
		_ = n
	}()

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := QueryUDP(ctx, clientConn, serverConn.LocalAddr().(*net.UDPAddr), tx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if addr.IP.String() != "198.51.100.7" || addr.Port != 6000 {
		t.Fatalf("expected 198.51.100.7:6000, got %s", addr)
	}
	<-done
}
