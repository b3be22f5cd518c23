package probe

import (
	"encoding/binary"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// See golang.org/x/net/internal/iana.
	ianaProtocolICMP     = 1
	ianaProtocolTCP      = 6
	ianaProtocolUDP      = 17
	ianaProtocolIPv6ICMP = 58
)

// ICMP message types for IPv4
const (
	ICMPv4EchoReply    = 0
	ICMPv4Unreachable  = 3
	ICMPv4EchoRequest  = 8
	ICMPv4TimeExceeded = 11
)

// ICMP unreachable codes
const (
	ICMPv4NetUnreachable  = 0
	ICMPv4HostUnreachable = 1
	ICMPv4PortUnreachable = 3
	ICMPv6PortUnreachable = 4
)

// ICMP message types for IPv6
const (
	ICMPv6Unreachable  = 1
	ICMPv6TimeExceeded = 3
	ICMPv6EchoRequest  = 128
	ICMPv6EchoReply    = 129
)

// stripIPv4Header returns the payload following the IPv4 header.
func stripIPv4Header(data []byte) ([]byte, bool) {
	if len(data) < ipv4.HeaderLen {
		return nil, false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < ipv4.HeaderLen || len(data) < ihl {
		return nil, false
	}
	return data[ihl:], true
}

// parseQuoted extracts the match key from the original datagram quoted in
// an ICMP Time Exceeded or Destination Unreachable message. The quote holds
// the original IP header followed by at least 8 bytes of the transport
// header, enough for ports and the echo identifier/sequence.
func parseQuoted(data []byte, v6 bool, ident uint16) (Reply, bool) {
	var (
		proto     int
		transport []byte
		reply     Reply
	)

	if v6 {
		if len(data) < ipv6.HeaderLen+8 {
			return Reply{}, false
		}
		proto = int(data[6])
		reply.Target = addrFromSlice(data[24:40])
		transport = data[ipv6.HeaderLen:]
	} else {
		if len(data) < ipv4.HeaderLen+8 {
			return Reply{}, false
		}
		ihl := int(data[0]&0x0f) * 4
		if ihl < ipv4.HeaderLen || len(data) < ihl+8 {
			return Reply{}, false
		}
		proto = int(data[9])
		reply.Target = addrFromSlice(data[16:20])
		transport = data[ihl:]
	}

	switch proto {
	case ianaProtocolICMP, ianaProtocolIPv6ICMP:
		if transport[0] != ICMPv4EchoRequest && transport[0] != ICMPv6EchoRequest {
			return Reply{}, false
		}
		if binary.BigEndian.Uint16(transport[4:6]) != ident {
			return Reply{}, false
		}
		reply.Protocol = ProtocolICMP
		reply.Key = binary.BigEndian.Uint16(transport[6:8])

	case ianaProtocolUDP:
		reply.Protocol = ProtocolUDP
		reply.Key = binary.BigEndian.Uint16(transport[0:2])
		reply.Port = int(binary.BigEndian.Uint16(transport[2:4]))

	case ianaProtocolTCP:
		reply.Protocol = ProtocolTCP
		reply.Key = binary.BigEndian.Uint16(transport[0:2])
		reply.Port = int(binary.BigEndian.Uint16(transport[2:4]))

	default:
		return Reply{}, false
	}

	return reply, true
}
