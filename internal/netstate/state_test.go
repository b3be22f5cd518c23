package netstate

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/logger"
	"github.com/KilimcininKorOglu/poros-packet/internal/metrics"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const testIdent = 0x4242

var (
	local  = netip.MustParseAddr("192.0.2.10")
	hop1   = netip.MustParseAddr("10.0.0.1")
	target = netip.MustParseAddr("203.0.113.5")
)

type sent struct {
	protocol probe.Protocol
	target   netip.Addr
	ttl, tos int
	packet   []byte
}

// fakeTransport records sent packets and delivers queued replies.
type fakeTransport struct {
	sent    []sent
	inbox   []probe.Packet
	sendErr error
	noIPv6  bool
	closed  bool
}

func (f *fakeTransport) Send(p probe.Protocol, target netip.Addr, ttl, tos int, packet []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sent{p, target, ttl, tos, append([]byte(nil), packet...)})
	return nil
}

func (f *fakeTransport) Drain(fn func(probe.Packet)) error {
	inbox := f.inbox
	f.inbox = nil
	for _, pkt := range inbox {
		fn(pkt)
	}
	return nil
}

func (f *fakeTransport) Source(netip.Addr) (netip.Addr, error) { return local, nil }

func (f *fakeTransport) Supports(_ probe.Protocol, v6 bool) bool { return !v6 || !f.noIPv6 }

func (f *fakeTransport) Fds() []int { return []int{7, 8} }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) last() sent {
	return f.sent[len(f.sent)-1]
}

// deliver queues a reply packet for the next Drain.
func (f *fakeTransport) deliver(pkt probe.Packet) {
	f.inbox = append(f.inbox, pkt)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestState(t *testing.T) (*State, *fakeTransport, *fakeClock, *metrics.Metrics) {
	t.Helper()
	tr := &fakeTransport{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := metrics.New()
	s := New(tr,
		WithClock(clock.now),
		WithIdent(testIdent),
		WithMetrics(m),
		WithLogger(logger.NewLogger(slog.NewTextHandler(io.Discard, nil))),
	)
	return s, tr, clock, m
}

// checkInvariants validates the outstanding count against the tables.
func checkInvariants(t *testing.T, s *State) {
	t.Helper()
	require.Equal(t, len(s.probes), s.outstanding, "outstanding count diverged from probe table")
	require.Equal(t, len(s.tokens), s.outstanding, "outstanding count diverged from token index")
	for token, key := range s.tokens {
		p, ok := s.probes[key]
		require.True(t, ok, "token %q points at missing key %d", token, key)
		require.Equal(t, token, p.Token)
	}
}

func ipv4Header(proto byte, src, dst netip.Addr) []byte {
	h := make([]byte, ipv4.HeaderLen)
	h[0] = 0x45
	h[9] = proto
	s, d := src.As4(), dst.As4()
	copy(h[12:16], s[:])
	copy(h[16:20], d[:])
	return h
}

func echoReply(t *testing.T, from netip.Addr, seq uint16) probe.Packet {
	t.Helper()
	b, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: testIdent, Seq: int(seq)},
	}).Marshal(nil)
	require.NoError(t, err)
	return probe.Packet{
		Carrier: probe.ProtocolICMP,
		Data:    append(ipv4Header(1, from, local), b...),
		From:    from,
	}
}

// icmpError wraps the first bytes of a sent packet in an ICMP error from
// router, the way a router quotes the datagram it dropped.
func icmpError(t *testing.T, router netip.Addr, typ icmp.Type, code int, s sent) probe.Packet {
	t.Helper()
	proto := map[probe.Protocol]byte{probe.ProtocolICMP: 1, probe.ProtocolTCP: 6, probe.ProtocolUDP: 17}[s.protocol]
	quoted := append(ipv4Header(proto, local, s.target), s.packet[:8]...)

	var body icmp.MessageBody = &icmp.TimeExceeded{Data: quoted}
	if typ == ipv4.ICMPTypeDestinationUnreachable {
		body = &icmp.DstUnreach{Data: quoted}
	}
	b, err := (&icmp.Message{Type: typ, Code: code, Body: body}).Marshal(nil)
	require.NoError(t, err)
	return probe.Packet{
		Carrier: probe.ProtocolICMP,
		Data:    append(ipv4Header(1, router, local), b...),
		From:    router,
	}
}

func sentKey(s sent) uint16 {
	if s.protocol == probe.ProtocolICMP {
		return binary.BigEndian.Uint16(s.packet[6:8])
	}
	return binary.BigEndian.Uint16(s.packet[0:2])
}

func icmpRequest(token string, ttl int) Request {
	return Request{
		Token:    token,
		Target:   target,
		Protocol: probe.ProtocolICMP,
		TTL:      ttl,
		Size:     8,
		Timeout:  time.Second,
	}
}

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestState_SendRecordsProbe(t *testing.T) {
	s, tr, clock, _ := newTestState(t)

	require.NoError(t, s.Send(icmpRequest("1", 3)))

	assert.Equal(t, 1, s.Outstanding())
	checkInvariants(t, s)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, 3, tr.last().ttl)
	assert.Equal(t, target, tr.last().target)

	p := s.probes[s.tokens["1"]]
	assert.Equal(t, clock.t, p.SentAt)
	assert.Equal(t, clock.t.Add(time.Second), p.Deadline)
	assert.Equal(t, uint16(MinKey), p.Key)

	deadline, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clock.t.Add(time.Second), deadline)
}

func TestState_DuplicateToken(t *testing.T) {
	s, tr, _, m := newTestState(t)

	require.NoError(t, s.Send(icmpRequest("dup", 1)))
	err := s.Send(icmpRequest("dup", 2))

	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonDuplicateToken, serr.Reason)
	assert.Equal(t, 1, s.Outstanding())
	assert.Len(t, tr.sent, 1)
	assert.NoError(t, testutil.GatherAndCompare(m.GetRegistry(), strings.NewReader(`
# HELP poros_packet_send_errors_total Number of probes that could not be sent, by reason.
# TYPE poros_packet_send_errors_total counter
poros_packet_send_errors_total{reason="duplicate-token"} 1
`), "poros_packet_send_errors_total"))
	checkInvariants(t, s)
}

func TestState_SendErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"network unreachable", &net.OpError{Op: "write", Err: os.NewSyscallError("sendto", unix.ENETUNREACH)}, ReasonNetworkUnreachable},
		{"host unreachable", os.NewSyscallError("sendto", unix.EHOSTUNREACH), ReasonHostUnreachable},
		{"permission denied", unix.EACCES, ReasonPermissionDenied},
		{"no buffer space", unix.ENOBUFS, ReasonNoBufferSpace},
		{"address not available", unix.EADDRNOTAVAIL, ReasonAddressNotAvailable},
		{"invalid ttl", probe.ErrInvalidTTL, ReasonInvalidArgument},
		{"socket closed", probe.ErrSocketClosed, ReasonUnsupportedProtocol},
		{"other", unix.EIO, ReasonSendFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, tr, _, _ := newTestState(t)
			tr.sendErr = tt.err

			err := s.Send(icmpRequest("1", 1))

			var serr *SendError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.reason, serr.Reason)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 0, s.Outstanding())
			checkInvariants(t, s)

			_, ok := s.NextDeadline()
			assert.False(t, ok)
		})
	}
}

func TestState_UnsupportedFamily(t *testing.T) {
	s, tr, _, _ := newTestState(t)
	tr.noIPv6 = true

	req := icmpRequest("6", 1)
	req.Target = netip.MustParseAddr("2001:db8::1")
	err := s.Send(req)

	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonUnsupportedProtocol, serr.Reason)
	assert.Empty(t, tr.sent)
}

func TestState_InvalidPort(t *testing.T) {
	s, _, _, _ := newTestState(t)

	err := s.Send(Request{Token: "u", Target: target, Protocol: probe.ProtocolUDP, TTL: 1, Port: 0, Timeout: time.Second})

	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonInvalidArgument, serr.Reason)
	assert.Equal(t, 0, s.Outstanding())
}

func TestState_EchoReply(t *testing.T) {
	s, tr, clock, _ := newTestState(t)

	require.NoError(t, s.Send(icmpRequest("1", 64)))
	clock.advance(1500 * time.Microsecond)
	tr.deliver(echoReply(t, target, sentKey(tr.last())))

	events := s.ReceiveReplies()

	want := []Event{{
		Kind: EventReply,
		Probe: Probe{
			Token:    "1",
			Target:   target,
			Protocol: probe.ProtocolICMP,
			TTL:      64,
			Size:     8,
			SentAt:   time.Unix(1700000000, 0),
			Deadline: time.Unix(1700000001, 0),
			Key:      MinKey,
		},
		RTT:   1500 * time.Microsecond,
		From:  target,
		Reply: probe.ReplyEcho,
	}}
	if diff := cmp.Diff(want, events, addrComparer); diff != "" {
		t.Errorf("ReceiveReplies() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, s.Outstanding())
	checkInvariants(t, s)
}

func TestState_TimeExceeded(t *testing.T) {
	s, tr, _, _ := newTestState(t)

	require.NoError(t, s.Send(Request{
		Token: "udp", Target: target, Protocol: probe.ProtocolUDP,
		TTL: 1, Port: 33434, Timeout: time.Second,
	}))
	tr.deliver(icmpError(t, hop1, ipv4.ICMPTypeTimeExceeded, 0, tr.last()))

	events := s.ReceiveReplies()

	require.Len(t, events, 1)
	assert.Equal(t, "udp", events[0].Probe.Token)
	assert.Equal(t, hop1, events[0].From)
	assert.Equal(t, probe.ReplyTimeExceeded, events[0].Reply)
	assert.Equal(t, 0, s.Outstanding())
}

func TestState_UnreachableCode(t *testing.T) {
	s, tr, _, _ := newTestState(t)

	require.NoError(t, s.Send(icmpRequest("u", 5)))
	tr.deliver(icmpError(t, hop1, ipv4.ICMPTypeDestinationUnreachable, 13, tr.last()))

	events := s.ReceiveReplies()

	require.Len(t, events, 1)
	assert.Equal(t, probe.ReplyUnreachable, events[0].Reply)
	assert.Equal(t, 13, events[0].Code)
}

func TestState_UnmatchedReplyDiscarded(t *testing.T) {
	s, tr, _, m := newTestState(t)

	require.NoError(t, s.Send(icmpRequest("1", 1)))
	key := sentKey(tr.last())

	tr.deliver(echoReply(t, target, key+1))
	tr.deliver(echoReply(t, netip.MustParseAddr("198.51.100.1"), key))

	events := s.ReceiveReplies()

	assert.Empty(t, events)
	assert.Equal(t, 1, s.Outstanding())
	assert.NoError(t, testutil.GatherAndCompare(m.GetRegistry(), strings.NewReader(`
# HELP poros_packet_unmatched_replies_total Number of reply packets that matched no outstanding probe.
# TYPE poros_packet_unmatched_replies_total counter
poros_packet_unmatched_replies_total 2
`), "poros_packet_unmatched_replies_total"))
	checkInvariants(t, s)
}

func TestState_PortMismatchDiscarded(t *testing.T) {
	s, tr, _, _ := newTestState(t)

	require.NoError(t, s.Send(Request{
		Token: "u", Target: target, Protocol: probe.ProtocolUDP,
		TTL: 1, Port: 33434, Timeout: time.Second,
	}))
	quoted := tr.last()
	quoted.packet = append([]byte(nil), quoted.packet...)
	binary.BigEndian.PutUint16(quoted.packet[2:4], 33435)
	tr.deliver(icmpError(t, hop1, ipv4.ICMPTypeTimeExceeded, 0, quoted))

	assert.Empty(t, s.ReceiveReplies())
	assert.Equal(t, 1, s.Outstanding())
}

func TestState_TimeoutReportedOnce(t *testing.T) {
	s, tr, clock, _ := newTestState(t)

	require.NoError(t, s.Send(icmpRequest("2", 64)))
	key := sentKey(tr.last())

	clock.advance(999 * time.Millisecond)
	assert.Empty(t, s.CheckTimeouts())

	clock.advance(time.Millisecond)
	events := s.CheckTimeouts()
	require.Len(t, events, 1)
	assert.Equal(t, EventTimeout, events[0].Kind)
	assert.Equal(t, "2", events[0].Probe.Token)
	assert.Equal(t, 0, s.Outstanding())

	// A late reply for the expired probe is stale
	tr.deliver(echoReply(t, target, key))
	assert.Empty(t, s.ReceiveReplies())
	assert.Empty(t, s.CheckTimeouts())
	checkInvariants(t, s)
}

func TestState_ReplyBeforeTimeoutSameTick(t *testing.T) {
	s, tr, clock, _ := newTestState(t)

	require.NoError(t, s.Send(icmpRequest("r", 64)))
	tr.deliver(echoReply(t, target, sentKey(tr.last())))
	clock.advance(2 * time.Second)

	replies := s.ReceiveReplies()
	timeouts := s.CheckTimeouts()

	require.Len(t, replies, 1)
	assert.Empty(t, timeouts)
}

func TestState_TimeoutsOrderedByDeadline(t *testing.T) {
	s, _, clock, _ := newTestState(t)

	for _, tc := range []struct {
		token   string
		timeout time.Duration
	}{{"slow", 3 * time.Second}, {"fast", time.Second}, {"mid", 2 * time.Second}} {
		req := icmpRequest(tc.token, 1)
		req.Timeout = tc.timeout
		require.NoError(t, s.Send(req))
	}

	next, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clock.t.Add(time.Second), next)

	clock.advance(5 * time.Second)
	events := s.CheckTimeouts()

	var tokens []string
	for _, ev := range events {
		tokens = append(tokens, ev.Probe.Token)
	}
	assert.Equal(t, []string{"fast", "mid", "slow"}, tokens)
}

func TestState_KeyWrapsAndSkipsUsed(t *testing.T) {
	s, tr, _, _ := newTestState(t)

	s.nextKey = MaxKey
	require.NoError(t, s.Send(icmpRequest("a", 1)))
	assert.Equal(t, uint16(MaxKey), sentKey(tr.last()))

	require.NoError(t, s.Send(icmpRequest("b", 1)))
	assert.Equal(t, uint16(MinKey), sentKey(tr.last()))

	// Restart at MaxKey: it and MinKey are both taken
	s.nextKey = MaxKey
	require.NoError(t, s.Send(icmpRequest("c", 1)))
	assert.Equal(t, uint16(MinKey+1), sentKey(tr.last()))
	checkInvariants(t, s)
}

func TestState_ProbesExhausted(t *testing.T) {
	s, _, _, _ := newTestState(t)

	for k := MinKey; k <= MaxKey; k++ {
		token := strconv.Itoa(k)
		s.probes[uint16(k)] = &Probe{Token: token, Key: uint16(k)}
		s.tokens[token] = uint16(k)
		s.outstanding++
	}

	err := s.Send(icmpRequest("one-more", 1))

	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonProbesExhausted, serr.Reason)
	assert.Equal(t, MaxOutstanding, s.Outstanding())
}

func TestState_OutstandingInvariantRandomized(t *testing.T) {
	s, tr, clock, _ := newTestState(t)
	rng := rand.New(rand.NewSource(1))

	var (
		sentCount, resolved int
		keys                []uint16
	)
	for i := 0; i < 2000; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			req := icmpRequest(strconv.Itoa(i), 1+rng.Intn(30))
			req.Timeout = time.Duration(1+rng.Intn(500)) * time.Millisecond
			if s.Send(req) == nil {
				sentCount++
				keys = append(keys, sentKey(tr.last()))
			}
		case 2:
			if len(keys) > 0 {
				// Duplicate and stale replies are fine
				tr.deliver(echoReply(t, target, keys[rng.Intn(len(keys))]))
			}
			resolved += len(s.ReceiveReplies())
		case 3:
			clock.advance(time.Duration(rng.Intn(100)) * time.Millisecond)
			resolved += len(s.CheckTimeouts())
		}

		require.Equal(t, sentCount-resolved, s.Outstanding())
		checkInvariants(t, s)
	}
}

func TestState_Passthrough(t *testing.T) {
	s, tr, _, _ := newTestState(t)

	assert.Equal(t, []int{7, 8}, s.Fds())
	assert.True(t, s.SupportsProtocol(probe.ProtocolTCP, false))
	require.NoError(t, s.Close())
	assert.True(t, tr.closed)
}
