package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/command"
	"github.com/KilimcininKorOglu/poros-packet/internal/logger"
	"github.com/KilimcininKorOglu/poros-packet/internal/metrics"
	"github.com/KilimcininKorOglu/poros-packet/internal/netstate"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	testIdent = 0x4242
	testInput = 3
)

var (
	local      = netip.MustParseAddr("192.0.2.10")
	errBlocked = errors.New("loop would block forever")
)

type sentPacket struct {
	protocol probe.Protocol
	target   netip.Addr
	ttl, tos int
	packet   []byte
}

// fakeTransport records sent packets and delivers queued replies.
type fakeTransport struct {
	sent   []sentPacket
	inbox  []probe.Packet
	noIPv6 bool
	noTCP  bool
}

func (f *fakeTransport) Send(p probe.Protocol, target netip.Addr, ttl, tos int, packet []byte) error {
	f.sent = append(f.sent, sentPacket{p, target, ttl, tos, append([]byte(nil), packet...)})
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

func (f *fakeTransport) Supports(p probe.Protocol, v6 bool) bool {
	if v6 && f.noIPv6 {
		return false
	}
	return p != probe.ProtocolTCP || !f.noTCP
}

func (f *fakeTransport) Fds() []int { return []int{7, 8} }

func (f *fakeTransport) Close() error { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// scriptInput hands out queued chunks one per read, then EOF once closed.
type scriptInput struct {
	chunks []string
	closed bool
}

func (r *scriptInput) Read(p []byte) (int, error) {
	if len(r.chunks) > 0 {
		n := copy(p, r.chunks[0])
		r.chunks[0] = r.chunks[0][n:]
		if r.chunks[0] == "" {
			r.chunks = r.chunks[1:]
		}
		return n, nil
	}
	if r.closed {
		return 0, io.EOF
	}
	return 0, nil
}

func (r *scriptInput) ready() bool {
	return len(r.chunks) > 0 || r.closed
}

type waitCall struct {
	inputFd int
	timeout time.Duration
}

// action is what happens in the world while the loop waits.
type action func(h *harness, timeout time.Duration)

// scriptWaiter reports the input ready whenever it has data. Otherwise it
// runs the next scripted action, and fails once the script is exhausted.
type scriptWaiter struct {
	h       *harness
	actions []action
	calls   []waitCall
	err     error
}

func (w *scriptWaiter) Wait(inputFd int, _ []int, timeout time.Duration) (bool, error) {
	w.calls = append(w.calls, waitCall{inputFd, timeout})
	if w.err != nil {
		return false, w.err
	}
	if inputFd >= 0 && w.h.input.ready() {
		return true, nil
	}
	if len(w.actions) == 0 {
		return false, errBlocked
	}
	next := w.actions[0]
	w.actions = w.actions[1:]
	next(w.h, timeout)
	return inputFd >= 0 && w.h.input.ready(), nil
}

type harness struct {
	t          *testing.T
	clock      *fakeClock
	transport  *fakeTransport
	input      *scriptInput
	out        bytes.Buffer
	metrics    *metrics.Metrics
	state      *netstate.State
	dispatcher *Dispatcher
	waiter     *scriptWaiter
	loop       *Loop
}

func newHarness(t *testing.T, lines ...string) *harness {
	t.Helper()
	return newHarnessWithOutput(t, nil, lines...)
}

// newHarnessWithOutput writes responses to out instead of the harness
// buffer.
func newHarnessWithOutput(t *testing.T, out io.Writer, lines ...string) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		clock:     &fakeClock{t: time.Unix(1700000000, 0)},
		transport: &fakeTransport{},
		input:     &scriptInput{},
		metrics:   metrics.New(),
	}
	for _, l := range lines {
		h.input.chunks = append(h.input.chunks, l+"\n")
	}

	log := logger.NewLogger(slog.NewTextHandler(io.Discard, nil))
	h.state = netstate.New(h.transport,
		netstate.WithClock(h.clock.now),
		netstate.WithIdent(testIdent),
		netstate.WithMetrics(h.metrics),
		netstate.WithLogger(log),
	)
	if out == nil {
		out = &h.out
	}
	channel := command.NewChannel(h.input, out, 0)
	h.dispatcher = NewDispatcher(h.state, channel,
		WithVersion("1.2.3"),
		WithMetrics(h.metrics),
		WithRecorder(trace.NewRecorder(h.clock.now())),
		WithLogger(log),
	)
	h.waiter = &scriptWaiter{h: h}
	h.loop = NewLoop(h.state, channel, h.dispatcher, h.waiter, testInput, log)
	return h
}

// script sets what happens while the loop waits with nothing to read.
func (h *harness) script(actions ...action) {
	h.waiter.actions = actions
}

func (h *harness) lines() []string {
	s := strings.TrimSpace(h.out.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// lastKey returns the match key of the last ICMP probe sent.
func (h *harness) lastKey() uint16 {
	h.t.Helper()
	require.NotEmpty(h.t, h.transport.sent)
	pkt := h.transport.sent[len(h.transport.sent)-1].packet
	return binary.BigEndian.Uint16(pkt[6:8])
}

func ipv4Header(proto byte, src, dst netip.Addr) []byte {
	b := make([]byte, ipv4.HeaderLen)
	b[0] = 0x45
	b[9] = proto
	s, d := src.As4(), dst.As4()
	copy(b[12:16], s[:])
	copy(b[16:20], d[:])
	return b
}

// echoReply builds the echo reply answering the probe with key.
func (h *harness) echoReply(from netip.Addr, key uint16) probe.Packet {
	h.t.Helper()
	b, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: testIdent, Seq: int(key)},
	}).Marshal(nil)
	require.NoError(h.t, err)
	return probe.Packet{
		Carrier: probe.ProtocolICMP,
		Data:    append(ipv4Header(1, from, local), b...),
		From:    from,
	}
}

func elapse(h *harness, timeout time.Duration) {
	h.clock.advance(timeout)
}

func closeInput(h *harness, _ time.Duration) {
	h.input.closed = true
}

func send(line string) action {
	return func(h *harness, _ time.Duration) {
		h.input.chunks = append(h.input.chunks, line+"\n")
	}
}

// replyAfter delivers an echo reply from the probe's target after d.
func replyAfter(d time.Duration, from netip.Addr) action {
	return func(h *harness, _ time.Duration) {
		h.clock.advance(d)
		h.transport.inbox = append(h.transport.inbox, h.echoReply(from, h.lastKey()))
	}
}
