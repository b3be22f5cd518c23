package probe

import (
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// buildICMP creates an ICMP Echo Request carrying the match key as its
// sequence number. ICMPv6 checksums are filled in by the kernel.
func buildICMP(req Request) ([]byte, error) {
	var typ icmp.Type = ipv4.ICMPTypeEcho
	if !req.Target.Is4() {
		typ = ipv6.ICMPTypeEchoRequest
	}

	msg := &icmp.Message{
		Type: typ,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(req.Ident),
			Seq:  int(req.Key),
			Data: make([]byte, req.Size),
		},
	}

	return msg.Marshal(nil)
}

// parseICMP parses a message read from an ICMP socket. Echo replies are
// matched on the identifier; errors are matched through the quoted header.
func parseICMP(pkt Packet, ident uint16) (Reply, bool) {
	data := pkt.Data
	proto := ianaProtocolICMP
	if pkt.IPv6 {
		proto = ianaProtocolIPv6ICMP
	} else {
		body, ok := stripIPv4Header(data)
		if !ok {
			return Reply{}, false
		}
		// Raw ICMPv4 sockets deliver corrupted messages as they are
		if !ValidateChecksum(body) {
			return Reply{}, false
		}
		data = body
	}

	msg, err := icmp.ParseMessage(proto, data)
	if err != nil {
		return Reply{}, false
	}

	switch msg.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok || uint16(echo.ID) != ident {
			return Reply{}, false
		}
		return Reply{
			Key:      uint16(echo.Seq),
			Protocol: ProtocolICMP,
			Kind:     ReplyEcho,
			From:     pkt.From,
			Target:   pkt.From,
		}, true

	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		body, ok := msg.Body.(*icmp.TimeExceeded)
		if !ok {
			return Reply{}, false
		}
		reply, ok := parseQuoted(body.Data, pkt.IPv6, ident)
		if !ok {
			return Reply{}, false
		}
		reply.Kind = ReplyTimeExceeded
		reply.From = pkt.From
		return reply, true

	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		body, ok := msg.Body.(*icmp.DstUnreach)
		if !ok {
			return Reply{}, false
		}
		reply, ok := parseQuoted(body.Data, pkt.IPv6, ident)
		if !ok {
			return Reply{}, false
		}
		reply.From = pkt.From
		reply.Kind = ReplyUnreachable
		reply.Code = msg.Code
		if isPortUnreachable(pkt.IPv6, msg.Code) {
			// Only the destination host sends port unreachable
			reply.Kind = ReplyEcho
			reply.Code = 0
		}
		return reply, true
	}

	return Reply{}, false
}

func isPortUnreachable(v6 bool, code int) bool {
	if v6 {
		return code == ICMPv6PortUnreachable
	}
	return code == ICMPv4PortUnreachable
}

// addrFromSlice converts a 4 or 16 byte slice to an address.
func addrFromSlice(b []byte) netip.Addr {
	addr, _ := netip.AddrFromSlice(b)
	return addr.Unmap()
}
