package probe

// Build creates the packet for a probe request. The returned bytes are the
// transport payload handed to a raw socket; the kernel adds the IP header.
func Build(req Request) ([]byte, error) {
	if req.Size < 0 {
		return nil, ErrPayloadTooLarge
	}

	switch req.Protocol {
	case ProtocolICMP:
		return buildICMP(req)
	case ProtocolUDP:
		return buildUDP(req)
	case ProtocolTCP:
		return buildTCP(req)
	default:
		return nil, ErrUnsupportedProtocol
	}
}

// ParseReply decodes a packet read from a receive socket. It returns false
// for anything that is not a reply to one of our probes.
func ParseReply(pkt Packet, ident uint16) (Reply, bool) {
	switch pkt.Carrier {
	case ProtocolICMP:
		return parseICMP(pkt, ident)
	case ProtocolTCP:
		return parseTCP(pkt)
	default:
		return Reply{}, false
	}
}

// ValidTTL reports whether ttl can be set on an outgoing packet.
func ValidTTL(ttl int) bool {
	return ttl >= 1 && ttl <= 255
}
