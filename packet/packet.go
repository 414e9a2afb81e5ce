// Package packet implements the overlay wire header: a fixed-size prefix
// followed by a type-dependent body, decoded and encoded in place over a
// caller-supplied buffer with no allocation on the hot path.
package packet

import (
	"fmt"

	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/id"
)

// ProtocolType tags the body that follows the header.
type ProtocolType byte

// Stable wire values for ProtocolType. Values >= 128 are reserved for
// future extensions and are never produced by this implementation.
const (
	UserData ProtocolType = iota
	Heartbeat
	HeartbeatReply
	IDQuery
	IDQueryReply
	PunchRequest
	PunchReply
	TimestampRequest
	TimestampReply
	ExtendedTxt
)

const reservedTypeFloor = 128

// Version is the only protocol version this implementation speaks.
const Version = 1

const (
	flagExtendedHeader byte = 1 << 0
	flagBroadcastScope byte = 1 << 1
	flagReservedMask   byte = 0b11111100
)

// fixedPrefixSize is the size of the offsets-0..3 prefix, before the two
// id-width-sized address fields.
const fixedPrefixSize = 4

// HeaderSize returns the total header size (prefix + 2 ids) for a given id width.
func HeaderSize(w id.Width) int {
	return fixedPrefixSize + 2*int(w)
}

// View is a non-owning, in-place accessor over a decoded packet's bytes.
// It never copies; Payload() aliases the caller's buffer.
type View struct {
	buf   []byte
	width id.Width
}

// Decode validates and wraps buf as a View. buf must be at least
// HeaderSize(width) bytes, where width is inferred from the header itself.
func Decode(buf []byte) (View, error) {
	if len(buf) < fixedPrefixSize {
		return View{}, errs.Wrap(fmt.Errorf("%w: truncated header", errs.ErrMalformedPacket))
	}
	versionNibble := buf[0] >> 4
	if versionNibble != Version {
		return View{}, errs.Wrap(fmt.Errorf("%w: version %d", errs.ErrMalformedPacket, versionNibble))
	}
	width, err := id.WidthFromCode(buf[0])
	if err != nil {
		return View{}, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrMalformedPacket, err))
	}
	if buf[3]&flagReservedMask != 0 {
		return View{}, errs.Wrap(fmt.Errorf("%w: reserved flag bits set", errs.ErrMalformedPacket))
	}
	if len(buf) < HeaderSize(width) {
		return View{}, errs.Wrap(fmt.Errorf("%w: truncated body", errs.ErrMalformedPacket))
	}
	ptype := ProtocolType(buf[1])
	if int(ptype) >= reservedTypeFloor {
		return View{}, errs.Wrap(fmt.Errorf("%w: reserved type %d", errs.ErrMalformedPacket, ptype))
	}
	return View{buf: buf, width: width}, nil
}

// Width is the id width this view was decoded with.
func (v View) Width() id.Width { return v.width }

// Type returns the packet's ProtocolType.
func (v View) Type() ProtocolType { return ProtocolType(v.buf[1]) }

// TTL returns the current hop count.
func (v View) TTL() byte { return v.buf[2] }

// SetTTL overwrites the hop count in place, e.g. when relaying.
func (v View) SetTTL(ttl byte) { v.buf[2] = ttl }

// DecrementTTL decrements and returns the new TTL; it does not clamp below zero.
func (v View) DecrementTTL() byte {
	v.buf[2]--
	return v.buf[2]
}

// ExtendedHeader reports whether the extended-header flag is set.
func (v View) ExtendedHeader() bool { return v.buf[3]&flagExtendedHeader != 0 }

// BroadcastScope reports whether the broadcast-scope flag is set.
func (v View) BroadcastScope() bool { return v.buf[3]&flagBroadcastScope != 0 }

// SrcID returns the sender's NodeID.
func (v View) SrcID() id.NodeID {
	w := int(v.width)
	nid, _ := id.FromBytes(v.buf[fixedPrefixSize : fixedPrefixSize+w])
	return nid
}

// DstID returns the destination NodeID; the zero value means "this node".
func (v View) DstID() id.NodeID {
	w := int(v.width)
	nid, _ := id.FromBytes(v.buf[fixedPrefixSize+w : fixedPrefixSize+2*w])
	return nid
}

// Payload returns the mutable body slice following the header.
func (v View) Payload() []byte {
	return v.buf[HeaderSize(v.width):]
}

// Raw returns the full backing buffer, header included.
func (v View) Raw() []byte { return v.buf }

// EncodeHeader writes a header into buf (which must be at least
// HeaderSize(src.Width()) bytes) and returns the offset where the payload
// begins. src and dst must share a width; callers violating this are
// mixing id widths within one overlay, which is rejected.
func EncodeHeader(buf []byte, ptype ProtocolType, ttl byte, flags byte, src, dst id.NodeID) (int, error) {
	if src.Width() != dst.Width() {
		return 0, errs.Wrap(errs.ErrMixedIDWidth)
	}
	if flags&flagReservedMask != 0 {
		return 0, errs.Wrap(fmt.Errorf("packet: reserved flag bits must be zero"))
	}
	w := src.Width()
	need := HeaderSize(w)
	if len(buf) < need {
		return 0, errs.Wrap(fmt.Errorf("packet: buffer too small for header (%d < %d)", len(buf), need))
	}
	buf[0] = (Version << 4) | w.WidthCode()
	buf[1] = byte(ptype)
	buf[2] = ttl
	buf[3] = flags
	copy(buf[fixedPrefixSize:fixedPrefixSize+int(w)], src.Bytes())
	copy(buf[fixedPrefixSize+int(w):fixedPrefixSize+2*int(w)], dst.Bytes())
	return need, nil
}

// ExtendedHeaderFlag is exported so callers building a header for the
// ExtendedTxt type (or any packet carrying the extended header) can set it.
func ExtendedHeaderFlag() byte { return flagExtendedHeader }

// BroadcastScopeFlag is exported for callers addressing id.Zero.
func BroadcastScopeFlag() byte { return flagBroadcastScope }
