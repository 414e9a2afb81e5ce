// Package addr implements the overlay's two address families: the
// configuration-time PeerNodeAddress (how to reach a bootstrap peer, which
// may still need DNS/TXT resolution) and the resolved NodeAddress used once
// a transport path is concrete.
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Proto distinguishes the two transports the overlay speaks.
type Proto int

const (
	// UDP addresses a datagram socket.
	UDP Proto = iota
	// TCP addresses a stream connection.
	TCP
)

func (p Proto) String() string {
	if p == TCP {
		return "tcp"
	}
	return "udp"
}

// NodeAddress is a resolved peer endpoint: a concrete transport and socket
// address, ready to dial or to identify an inbound route.
type NodeAddress struct {
	Proto Proto
	Addr  *net.UDPAddr // reused for both kinds; Port/IP/Zone are transport-agnostic
}

// String renders "proto://host:port".
func (n NodeAddress) String() string {
	return fmt.Sprintf("%s://%s", n.Proto, n.Addr.String())
}

// kind tags which variant of PeerNodeAddress is held.
type kind int

const (
	kindDirect kind = iota
	kindDomain
	kindTXT
)

// PeerNodeAddress is how a bootstrap peer is named in configuration: a
// concrete socket address, an unresolved (host, port) pair needing DNS, or a
// TXT record name that expands into further addresses. It is a closed
// variant; construct it with Direct, Domain or TXTLookup.
type PeerNodeAddress struct {
	kind   kind
	proto  Proto
	direct *net.UDPAddr
	host   string
	port   uint16
	name   string
}

// Direct builds a PeerNodeAddress pointing at an already-resolved socket address.
func Direct(proto Proto, ipPort string) (PeerNodeAddress, error) {
	host, portStr, err := net.SplitHostPort(ipPort)
	if err != nil {
		return PeerNodeAddress{}, fmt.Errorf("addr: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return PeerNodeAddress{}, fmt.Errorf("addr: %q is not a literal IP", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return PeerNodeAddress{}, fmt.Errorf("addr: invalid port %q", portStr)
	}
	return PeerNodeAddress{
		kind:   kindDirect,
		proto:  proto,
		direct: &net.UDPAddr{IP: ip, Port: port},
	}, nil
}

// Domain builds a PeerNodeAddress that needs an A/AAAA lookup before use.
func Domain(proto Proto, host string, port uint16) PeerNodeAddress {
	return PeerNodeAddress{kind: kindDomain, proto: proto, host: host, port: port}
}

// TXTLookup builds a PeerNodeAddress whose TXT record yields further addresses.
func TXTLookup(name string) PeerNodeAddress {
	return PeerNodeAddress{kind: kindTXT, name: name}
}

// IsDirect reports whether the address is already a concrete socket address.
func (p PeerNodeAddress) IsDirect() bool { return p.kind == kindDirect }

// IsDomain reports whether the address needs A/AAAA resolution.
func (p PeerNodeAddress) IsDomain() bool { return p.kind == kindDomain }

// IsTXT reports whether the address needs a TXT lookup.
func (p PeerNodeAddress) IsTXT() bool { return p.kind == kindTXT }

// Proto returns the transport this address names (meaningless for TXT).
func (p PeerNodeAddress) Proto() Proto { return p.proto }

// DirectAddr returns the resolved socket address; only valid when IsDirect.
func (p PeerNodeAddress) DirectAddr() *net.UDPAddr { return p.direct }

// DomainHostPort returns the unresolved host and port; only valid when IsDomain.
func (p PeerNodeAddress) DomainHostPort() (string, uint16) { return p.host, p.port }

// TXTName returns the TXT record name; only valid when IsTXT.
func (p PeerNodeAddress) TXTName() string { return p.name }

// ParsePeerNodeAddress parses strings of the form "udp://host:port",
// "tcp://host:port" or "txt://name" as used in bootstrap configuration.
func ParsePeerNodeAddress(s string) (PeerNodeAddress, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return PeerNodeAddress{}, fmt.Errorf("addr: %q missing scheme", s)
	}
	switch scheme {
	case "txt":
		return TXTLookup(rest), nil
	case "udp", "tcp":
		proto := UDP
		if scheme == "tcp" {
			proto = TCP
		}
		if direct, err := Direct(proto, rest); err == nil {
			return direct, nil
		}
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			return PeerNodeAddress{}, fmt.Errorf("addr: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return PeerNodeAddress{}, fmt.Errorf("addr: invalid port %q", portStr)
		}
		return Domain(proto, host, uint16(port)), nil
	default:
		return PeerNodeAddress{}, fmt.Errorf("addr: unknown scheme %q", scheme)
	}
}

// String renders the address back to its configuration form.
func (p PeerNodeAddress) String() string {
	switch p.kind {
	case kindDirect:
		return fmt.Sprintf("%s://%s", p.proto, p.direct.String())
	case kindDomain:
		return fmt.Sprintf("%s://%s:%d", p.proto, p.host, p.port)
	default:
		return fmt.Sprintf("txt://%s", p.name)
	}
}
