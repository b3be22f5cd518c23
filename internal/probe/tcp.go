package probe

import (
	"encoding/binary"
)

const (
	tcpHeaderLen = 20

	tcpFlagRST = 0x04
	tcpFlagSYN = 0x02
	tcpFlagACK = 0x10
)

// buildTCP creates a TCP SYN segment. The match key is used as the source
// port and as the initial sequence number.
func buildTCP(req Request) ([]byte, error) {
	if req.Port < 1 || req.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if !req.Source.IsValid() {
		return nil, ErrInvalidPacket
	}

	tcp := make([]byte, tcpHeaderLen)

	binary.BigEndian.PutUint16(tcp[0:2], req.Key)
	binary.BigEndian.PutUint16(tcp[2:4], uint16(req.Port))
	binary.BigEndian.PutUint32(tcp[4:8], uint32(req.Key))
	// Acknowledgment number stays 0 for SYN
	tcp[12] = 0x50 // Data offset = 5
	tcp[13] = tcpFlagSYN
	binary.BigEndian.PutUint16(tcp[14:16], 65535)

	checksum := transportChecksum(req.Source, req.Target, ianaProtocolTCP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], checksum)

	return tcp, nil
}

// parseTCP parses a segment read from a raw TCP socket. Only SYN-ACK and RST
// segments addressed to a probe source port are replies.
func parseTCP(pkt Packet) (Reply, bool) {
	data := pkt.Data
	if !pkt.IPv6 {
		body, ok := stripIPv4Header(data)
		if !ok {
			return Reply{}, false
		}
		data = body
	}

	if len(data) < tcpHeaderLen {
		return Reply{}, false
	}

	flags := data[13]
	synAck := flags&(tcpFlagSYN|tcpFlagACK) == tcpFlagSYN|tcpFlagACK
	rst := flags&tcpFlagRST == tcpFlagRST
	if !synAck && !rst {
		return Reply{}, false
	}

	return Reply{
		Key:      binary.BigEndian.Uint16(data[2:4]),
		Protocol: ProtocolTCP,
		Kind:     ReplyEcho,
		From:     pkt.From,
		Target:   pkt.From,
		Port:     int(binary.BigEndian.Uint16(data[0:2])),
	}, true
}
