// Package stun implements just enough of classic STUN and RFC 5389 binding
// requests to learn a reflexive (public) address: build a binding request,
// send it over UDP or TCP, and parse MAPPED-ADDRESS / XOR-MAPPED-ADDRESS out
// of the response.
package stun

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/overlaynet/overlaynode/errs"
)

const (
	magicCookie      uint32 = 0x2112A442
	headerSize              = 20
	bindingRequest   uint16 = 0x0001
	bindingSuccess   uint16 = 0x0101
	attrMappedAddr   uint16 = 0x0001
	attrXorMappedAddr uint16 = 0x0020
	familyIPv4       byte   = 0x01
	familyIPv6       byte   = 0x02
)

// TransactionID is the 12-byte identifier correlating request and response.
type TransactionID [12]byte

// BuildBindingRequest encodes a binding request with the given transaction ID.
func BuildBindingRequest(txID TransactionID) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], bindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0) // no attributes
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])
	return buf
}

// ParseBindingResponse validates the header and transaction id, then
// extracts the reflexive address from MAPPED-ADDRESS or, preferentially,
// XOR-MAPPED-ADDRESS.
func ParseBindingResponse(buf []byte, want TransactionID) (*net.UDPAddr, error) {
	if len(buf) < headerSize {
		return nil, errs.Wrap(errs.ErrSTUNMalformed)
	}
	msgType := binary.BigEndian.Uint16(buf[0:2])
	if msgType != bindingSuccess {
		return nil, errs.Wrap(fmt.Errorf("%w: unexpected message type 0x%04x", errs.ErrSTUNMalformed, msgType))
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	if binary.BigEndian.Uint32(buf[4:8]) != magicCookie {
		return nil, errs.Wrap(fmt.Errorf("%w: bad magic cookie", errs.ErrSTUNMalformed))
	}
	var gotTx TransactionID
	copy(gotTx[:], buf[8:20])
	if gotTx != want {
		return nil, errs.Wrap(fmt.Errorf("%w: transaction id mismatch", errs.ErrSTUNMalformed))
	}
	if len(buf) < headerSize+int(length) {
		return nil, errs.Wrap(fmt.Errorf("%w: truncated attributes", errs.ErrSTUNMalformed))
	}

	var mapped, xorMapped *net.UDPAddr
	attrs := buf[headerSize : headerSize+int(length)]
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		attrLen := int(binary.BigEndian.Uint16(attrs[2:4]))
		if 4+attrLen > len(attrs) {
			return nil, errs.Wrap(fmt.Errorf("%w: truncated attribute", errs.ErrSTUNMalformed))
		}
		val := attrs[4 : 4+attrLen]
		switch attrType {
		case attrMappedAddr:
			if a, err := parseAddrAttr(val, false, TransactionID{}); err == nil {
				mapped = a
			}
		case attrXorMappedAddr:
			if a, err := parseAddrAttr(val, true, want); err == nil {
				xorMapped = a
			}
		}
		// attributes are padded to a 4-byte boundary
		padded := (attrLen + 3) &^ 3
		attrs = attrs[4+padded:]
	}
	if xorMapped != nil {
		return xorMapped, nil
	}
	if mapped != nil {
		return mapped, nil
	}
	return nil, errs.Wrap(fmt.Errorf("%w: no address attribute present", errs.ErrSTUNMalformed))
}

func parseAddrAttr(val []byte, xor bool, txID TransactionID) (*net.UDPAddr, error) {
	if len(val) < 4 {
		return nil, errs.Wrap(errs.ErrSTUNMalformed)
	}
	family := val[1]
	port := binary.BigEndian.Uint16(val[2:4])
	if xor {
		port ^= uint16(magicCookie >> 16)
	}
	switch family {
	case familyIPv4:
		if len(val) < 8 {
			return nil, errs.Wrap(errs.ErrSTUNMalformed)
		}
		ipBytes := make([]byte, 4)
		copy(ipBytes, val[4:8])
		if xor {
			var cookie [4]byte
			binary.BigEndian.PutUint32(cookie[:], magicCookie)
			for i := range ipBytes {
				ipBytes[i] ^= cookie[i]
			}
		}
		return &net.UDPAddr{IP: net.IP(ipBytes), Port: int(port)}, nil
	case familyIPv6:
		if len(val) < 20 {
			return nil, errs.Wrap(errs.ErrSTUNMalformed)
		}
		ipBytes := make([]byte, 16)
		copy(ipBytes, val[4:20])
		if xor {
			var xorKey [16]byte
			binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
			copy(xorKey[4:16], txID[:])
			for i := range ipBytes {
				ipBytes[i] ^= xorKey[i]
			}
		}
		return &net.UDPAddr{IP: net.IP(ipBytes), Port: int(port)}, nil
	default:
		return nil, errs.Wrap(fmt.Errorf("%w: unknown address family %d", errs.ErrSTUNMalformed, family))
	}
}

// QueryUDP sends a classic STUN binding request over UDP to server and
// returns the reflexive address observed by it.
func QueryUDP(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr, txID TransactionID) (*net.UDPAddr, error) {
	req := BuildBindingRequest(txID)
	if _, err := conn.WriteToUDP(req, server); err != nil {
		return nil, errs.Wrap(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, 512)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrSTUNNoResponse, err))
	}
	if from.String() != server.String() {
		return nil, errs.Wrap(fmt.Errorf("%w: reply from unexpected address %s", errs.ErrSTUNMalformed, from))
	}
	return ParseBindingResponse(buf[:n], txID)
}

// QueryTCP sends an RFC 5389 binding request over an already-connected TCP
// socket (length-prefix framing is not used for STUN itself; the message
// carries its own length field).
func QueryTCP(ctx context.Context, conn net.Conn, txID TransactionID) (*net.UDPAddr, error) {
	req := BuildBindingRequest(txID)
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, errs.Wrap(err)
	}
	header := make([]byte, headerSize)
	if _, err := readFull(conn, header); err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrSTUNNoResponse, err))
	}
	length := binary.BigEndian.Uint16(header[2:4])
	body := make([]byte, length)
	if length > 0 {
		if _, err := readFull(conn, body); err != nil {
			return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrSTUNNoResponse, err))
		}
	}
	return ParseBindingResponse(append(header, body...), txID)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
