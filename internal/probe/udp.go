package probe

import (
	"encoding/binary"
)

const udpHeaderLen = 8

// buildUDP creates a UDP datagram for a raw UDP socket. The match key is the
// source port so that ICMP errors quoting the header identify the probe.
func buildUDP(req Request) ([]byte, error) {
	if req.Port < 1 || req.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if !req.Source.IsValid() {
		return nil, ErrInvalidPacket
	}

	length := udpHeaderLen + req.Size
	if length > 0xffff {
		return nil, ErrPayloadTooLarge
	}

	udp := make([]byte, length)
	binary.BigEndian.PutUint16(udp[0:2], req.Key)
	binary.BigEndian.PutUint16(udp[2:4], uint16(req.Port))
	binary.BigEndian.PutUint16(udp[4:6], uint16(length))

	sum := transportChecksum(req.Source, req.Target, ianaProtocolUDP, udp)
	if sum == 0 {
		// Zero means "no checksum" for IPv4 and is invalid for IPv6
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(udp[6:8], sum)

	return udp, nil
}
