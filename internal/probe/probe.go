// Package probe builds probe packets and parses the replies they provoke.
//
// A probe carries a 16-bit match key chosen by the caller. The key travels
// in a protocol specific field (ICMP echo sequence, UDP or TCP source port)
// so a reply, or the quoted header inside an ICMP error, can be mapped back
// to the probe that caused it.
package probe

import (
	"net/netip"
	"strings"
)

// Protocol represents the transport used for a probe.
type Protocol int

const (
	// ProtocolICMP uses ICMP Echo Request packets
	ProtocolICMP Protocol = iota
	// ProtocolUDP uses UDP datagrams to a destination port
	ProtocolUDP
	// ProtocolTCP uses TCP SYN segments to a destination port
	ProtocolTCP
)

// String returns the string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// DefaultPort returns the destination port used when none is given.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolUDP:
		return 33434
	case ProtocolTCP:
		return 80
	default:
		return 0
	}
}

// ParseProtocol converts a protocol name to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "icmp":
		return ProtocolICMP, nil
	case "udp":
		return ProtocolUDP, nil
	case "tcp":
		return ProtocolTCP, nil
	default:
		return 0, ErrUnsupportedProtocol
	}
}

// ReplyKind classifies a reply to a probe.
type ReplyKind int

const (
	// ReplyEcho means the destination itself answered: ICMP Echo Reply,
	// ICMP Port Unreachable for UDP, or SYN-ACK/RST for TCP.
	ReplyEcho ReplyKind = iota
	// ReplyTimeExceeded means an intermediate hop dropped the probe
	ReplyTimeExceeded
	// ReplyUnreachable means a router reported the destination unreachable
	ReplyUnreachable
)

// String returns the wire name of the reply kind.
func (k ReplyKind) String() string {
	switch k {
	case ReplyEcho:
		return "reply"
	case ReplyTimeExceeded:
		return "ttl-expired"
	case ReplyUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Request describes one probe packet to build.
type Request struct {
	Protocol Protocol

	// Source is the local address the kernel will use. UDP and TCP need it
	// for the pseudo-header checksum; ICMP ignores it.
	Source netip.Addr
	Target netip.Addr

	// Port is the destination port for UDP and TCP
	Port int

	// Size is the number of payload bytes (ICMP and UDP)
	Size int

	// Key is the match key carried by the packet
	Key uint16

	// Ident is the ICMP echo identifier shared by all probes of a process
	Ident uint16
}

// Packet is a raw datagram read from one of the receive sockets.
type Packet struct {
	// Carrier is the protocol of the socket the packet was read from.
	// Replies arrive on ICMP sockets, and on TCP sockets for SYN-ACK/RST.
	Carrier Protocol

	// IPv6 is true when the packet came from an IPv6 socket. IPv4 raw
	// sockets deliver the IP header in front of the payload, IPv6 ones don't.
	IPv6 bool

	Data []byte
	From netip.Addr
}

// Reply is the parsed, protocol independent view of a reply packet.
type Reply struct {
	Key      uint16
	Protocol Protocol
	Kind     ReplyKind

	// Code is the ICMP code for ReplyUnreachable
	Code int

	// From is the address that sent the reply
	From netip.Addr

	// Target is the destination of the original probe, taken from the quoted
	// header for ICMP errors and from the sender otherwise.
	Target netip.Addr

	// Port is the destination port of the original probe (UDP/TCP only)
	Port int
}
