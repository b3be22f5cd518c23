package probe

import (
	"encoding/binary"
	"testing"
)

func TestBuildTCP(t *testing.T) {
	req := Request{
		Protocol: ProtocolTCP,
		Source:   local4,
		Target:   target4,
		Port:     443,
		Size:     100, // ignored for SYN probes
		Key:      33500,
	}

	data, err := Build(req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(data) != tcpHeaderLen {
		t.Fatalf("len(data) = %d, want %d", len(data), tcpHeaderLen)
	}
	if src := binary.BigEndian.Uint16(data[0:2]); src != 33500 {
		t.Errorf("source port = %d, want 33500", src)
	}
	if dst := binary.BigEndian.Uint16(data[2:4]); dst != 443 {
		t.Errorf("destination port = %d, want 443", dst)
	}
	if seq := binary.BigEndian.Uint32(data[4:8]); seq != 33500 {
		t.Errorf("sequence = %d, want 33500", seq)
	}
	if data[12] != 0x50 {
		t.Errorf("data offset = %#x, want 0x50", data[12])
	}
	if data[13] != tcpFlagSYN {
		t.Errorf("flags = %#x, want SYN", data[13])
	}

	ph := pseudoHeader(local4, target4, ianaProtocolTCP, len(data))
	if !ValidateChecksum(append(ph, data...)) {
		t.Error("Checksum validation failed")
	}
}

func tcpSegment(srcPort, dstPort uint16, flags byte) []byte {
	seg := make([]byte, tcpHeaderLen)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	seg[12] = 0x50
	seg[13] = flags
	return seg
}

func TestParseTCP(t *testing.T) {
	tests := []struct {
		name  string
		flags byte
		want  bool
	}{
		{"SYN-ACK", tcpFlagSYN | tcpFlagACK, true},
		{"RST", tcpFlagRST, true},
		{"RST-ACK", tcpFlagRST | tcpFlagACK, true},
		{"plain ACK", tcpFlagACK, false},
		{"SYN only", tcpFlagSYN, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := tcpSegment(443, 33500, tt.flags)
			pkt := Packet{
				Carrier: ProtocolTCP,
				Data:    append(ipv4Header(ianaProtocolTCP, target4, local4), seg...),
				From:    target4,
			}

			got, ok := ParseReply(pkt, testIdent)
			if ok != tt.want {
				t.Fatalf("ParseReply() ok = %v, want %v", ok, tt.want)
			}
			if !ok {
				return
			}
			if got.Key != 33500 {
				t.Errorf("Key = %d, want 33500", got.Key)
			}
			if got.Port != 443 {
				t.Errorf("Port = %d, want 443", got.Port)
			}
			if got.Kind != ReplyEcho || got.Protocol != ProtocolTCP {
				t.Errorf("Kind/Protocol = %v/%v, want reply/tcp", got.Kind, got.Protocol)
			}
			if got.Target != target4 {
				t.Errorf("Target = %v, want %v", got.Target, target4)
			}
		})
	}
}

func TestParseTCP_IPv6(t *testing.T) {
	pkt := Packet{
		Carrier: ProtocolTCP,
		IPv6:    true,
		Data:    tcpSegment(80, 40000, tcpFlagSYN|tcpFlagACK),
		From:    target6,
	}

	got, ok := ParseReply(pkt, testIdent)
	if !ok {
		t.Fatal("ParseReply() ok = false, want true")
	}
	if got.Key != 40000 {
		t.Errorf("Key = %d, want 40000", got.Key)
	}
}

func TestParseTCP_Short(t *testing.T) {
	pkt := Packet{
		Carrier: ProtocolTCP,
		Data:    append(ipv4Header(ianaProtocolTCP, target4, local4), 0, 80),
		From:    target4,
	}
	if _, ok := ParseReply(pkt, testIdent); ok {
		t.Error("truncated segment should be ignored")
	}
}
