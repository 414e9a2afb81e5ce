// Package id implements the overlay's NodeID: a compact, tagged-width
// address for a node that participates in the mesh.
package id

import (
	"encoding/hex"
	"fmt"
	"net"
)

// Width is the byte length of a NodeID. The overlay supports exactly two
// widths and rejects mixing them within one session.
type Width int

const (
	// Short is the 4-byte, IPv4-like id width.
	Short Width = 4
	// Extended is the 16-byte id width.
	Extended Width = 16
)

// WidthCode is the low-nibble wire encoding for a Width.
func (w Width) WidthCode() byte {
	if w == Extended {
		return 1
	}
	return 0
}

// WidthFromCode decodes the low-nibble wire value back into a Width.
func WidthFromCode(code byte) (Width, error) {
	switch code & 0x0f {
	case 0:
		return Short, nil
	case 1:
		return Extended, nil
	default:
		return 0, fmt.Errorf("id: unknown width code %d", code)
	}
}

// NodeID is a tagged-width overlay node identifier. The zero value is the
// reserved "unset/broadcast-within-overlay" id at Short width.
type NodeID struct {
	bytes [Extended]byte
	width Width
}

// Zero is the reserved "unset/broadcast-within-overlay" Short id.
var Zero = NodeID{width: Short}

// NewShort builds a 4-byte NodeID.
func NewShort(b [4]byte) NodeID {
	var n NodeID
	n.width = Short
	copy(n.bytes[:4], b[:])
	return n
}

// NewExtended builds a 16-byte NodeID.
func NewExtended(b [16]byte) NodeID {
	var n NodeID
	n.width = Extended
	copy(n.bytes[:16], b[:])
	return n
}

// FromBytes infers the width from the slice length (4 or 16) and copies it.
func FromBytes(b []byte) (NodeID, error) {
	switch len(b) {
	case 4:
		var a [4]byte
		copy(a[:], b)
		return NewShort(a), nil
	case 16:
		var a [16]byte
		copy(a[:], b)
		return NewExtended(a), nil
	default:
		return NodeID{}, fmt.Errorf("id: invalid byte length %d", len(b))
	}
}

// FromIP maps an IPv4 address onto a Short NodeID, the common case when the
// overlay carries a TUN device addressed by its tunnel IP.
func FromIP(ip net.IP) (NodeID, error) {
	v4 := ip.To4()
	if v4 == nil {
		return NodeID{}, fmt.Errorf("id: %s is not an IPv4 address", ip)
	}
	var a [4]byte
	copy(a[:], v4)
	return NewShort(a), nil
}

// Width reports whether this id is Short or Extended.
func (n NodeID) Width() Width {
	if n.width == 0 {
		return Short
	}
	return n.width
}

// Bytes returns the id's canonical byte representation.
func (n NodeID) Bytes() []byte {
	w := n.Width()
	out := make([]byte, w)
	copy(out, n.bytes[:w])
	return out
}

// IsZero reports whether this is the reserved all-zeros value.
func (n NodeID) IsZero() bool {
	w := n.Width()
	for i := 0; i < int(w); i++ {
		if n.bytes[i] != 0 {
			return false
		}
	}
	return true
}

// Equal compares two NodeIDs byte-wise. IDs of differing width are never equal.
func (n NodeID) Equal(other NodeID) bool {
	if n.Width() != other.Width() {
		return false
	}
	w := n.Width()
	for i := 0; i < int(w); i++ {
		if n.bytes[i] != other.bytes[i] {
			return false
		}
	}
	return true
}

// String renders a Short id as dotted-quad and an Extended id as hex.
func (n NodeID) String() string {
	if n.Width() == Short {
		return net.IPv4(n.bytes[0], n.bytes[1], n.bytes[2], n.bytes[3]).String()
	}
	return hex.EncodeToString(n.bytes[:Extended])
}

// MarshalText supports use as a map key / config value in YAML and JSON.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses what MarshalText writes: dotted-quad (Short) or hex (Extended).
func (n *NodeID) UnmarshalText(text []byte) error {
	var nid NodeID
	var err error
	if ip := net.ParseIP(string(text)); ip != nil {
		nid, err = FromIP(ip)
	} else if b, hexErr := hex.DecodeString(string(text)); hexErr == nil {
		nid, err = FromBytes(b)
	} else {
		err = fmt.Errorf("id: %q is neither dotted-quad nor hex", text)
	}
	if err == nil {
		*n = nid
	}
	return err
}
