package probe

import (
	"encoding/binary"
	"net/netip"
)

// Checksum calculates the Internet Checksum (RFC 1071).
// It is used for the ICMPv4, UDP and TCP checksums of probe packets.
func Checksum(data []byte) uint16 {
	var sum uint32

	// Sum all 16-bit words
	for i := 0; i < len(data)-1; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}

	// Add left-over byte, if any (pad with zero)
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	// Return one's complement
	return ^uint16(sum)
}

// ValidateChecksum reports whether data, checksum field included, sums to
// all ones. It checks ICMPv4 messages read from the raw socket.
func ValidateChecksum(data []byte) bool {
	var sum uint32

	for i := 0; i < len(data)-1; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}

	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	// Valid if result is 0xFFFF (all ones)
	return uint16(sum) == 0xffff
}

// pseudoHeader returns the IPv4 or IPv6 pseudo-header used by the UDP and
// TCP checksums.
func pseudoHeader(src, dst netip.Addr, proto uint8, length int) []byte {
	if dst.Is4() {
		ph := make([]byte, 12)
		s, d := src.As4(), dst.As4()
		copy(ph[0:4], s[:])
		copy(ph[4:8], d[:])
		ph[9] = proto
		binary.BigEndian.PutUint16(ph[10:12], uint16(length))
		return ph
	}

	ph := make([]byte, 40)
	s, d := src.As16(), dst.As16()
	copy(ph[0:16], s[:])
	copy(ph[16:32], d[:])
	binary.BigEndian.PutUint32(ph[32:36], uint32(length))
	ph[39] = proto
	return ph
}

// transportChecksum computes a UDP or TCP checksum over the pseudo-header
// and the segment.
func transportChecksum(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	data := append(pseudoHeader(src, dst, proto, len(segment)), segment...)
	return Checksum(data)
}
