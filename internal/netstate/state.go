// Package netstate owns the probe sockets and the table of outstanding
// probes. It sends probes, matches replies to them and expires the ones
// whose deadline passed.
//
// State is not safe for concurrent use; it is driven by a single event loop.
package netstate

import (
	"log/slog"
	"net/netip"
	"os"
	"sort"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/logger"
	"github.com/KilimcininKorOglu/poros-packet/internal/metrics"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
)

// Match keys are allocated from this range. Keys double as UDP and TCP
// source ports and overlap the Linux ephemeral range (32768-60999). Probes
// leave through raw sockets that bind no port, and replies are matched on
// the raw socket copy, so a local socket holding the same port does not
// steal them.
const (
	MinKey = 33000
	MaxKey = 65535

	// MaxOutstanding is the number of probes that can be in flight at once.
	MaxOutstanding = MaxKey - MinKey + 1
)

// Transport sends packets and reads replies. probe.Sockets implements it.
type Transport interface {
	Send(p probe.Protocol, target netip.Addr, ttl, tos int, packet []byte) error
	Drain(fn func(probe.Packet)) error
	Source(target netip.Addr) (netip.Addr, error)
	Supports(p probe.Protocol, v6 bool) bool
	Fds() []int
	Close() error
}

// Request describes a probe to send.
type Request struct {
	Token    string
	Target   netip.Addr
	Protocol probe.Protocol
	TTL      int
	Port     int
	Size     int
	TOS      int
	Timeout  time.Duration
}

// Probe is one outstanding probe.
type Probe struct {
	Token    string
	Target   netip.Addr
	Protocol probe.Protocol
	TTL      int
	Port     int
	Size     int
	SentAt   time.Time
	Deadline time.Time
	Key      uint16
}

// EventKind tells how a probe was resolved.
type EventKind int

const (
	// EventReply means a reply matched the probe
	EventReply EventKind = iota
	// EventTimeout means the deadline passed without a reply
	EventTimeout
)

// Event is the terminal notification of a probe. Every probe produces
// exactly one.
type Event struct {
	Kind  EventKind
	Probe Probe

	// Set for EventReply
	RTT   time.Duration
	From  netip.Addr
	Reply probe.ReplyKind
	Code  int
}

// State is the aggregate of sockets and outstanding probes.
type State struct {
	transport Transport
	now       func() time.Time
	ident     uint16
	metrics   *metrics.Metrics
	log       *slog.Logger

	probes      map[uint16]*Probe
	tokens      map[string]uint16
	outstanding int
	nextKey     uint16
}

// Option configures a State.
type Option func(*State)

// WithClock replaces time.Now. The clock must be monotonic.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithIdent sets the ICMP echo identifier. It defaults to the process ID.
func WithIdent(ident uint16) Option {
	return func(s *State) { s.ident = ident }
}

// WithMetrics records send, reply and timeout counts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *State) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *State) { s.log = log }
}

// New creates the network state over an already opened transport.
func New(t Transport, opts ...Option) *State {
	s := &State{
		transport: t,
		now:       time.Now,
		ident:     uint16(os.Getpid() & 0xffff),
		probes:    make(map[uint16]*Probe),
		tokens:    make(map[string]uint16),
		nextKey:   MinKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.log == nil {
		s.log = logger.NewLogger()
	}
	return s
}

// Send transmits a probe and records it as outstanding. On failure it
// returns a *SendError and records nothing.
func (s *State) Send(req Request) error {
	err := s.send(req)
	if err != nil {
		serr := newSendError(err)
		s.metrics.SendError(serr.Reason)
		s.log.Debug("Probe send failed", "token", req.Token, "target", req.Target, "reason", serr.Reason, "error", err)
		return serr
	}
	return nil
}

func (s *State) send(req Request) error {
	if _, ok := s.tokens[req.Token]; ok {
		return ErrDuplicateToken
	}
	if !s.transport.Supports(req.Protocol, !req.Target.Is4()) {
		return probe.ErrUnsupportedProtocol
	}

	key, ok := s.allocateKey()
	if !ok {
		return ErrProbesExhausted
	}

	build := probe.Request{
		Protocol: req.Protocol,
		Target:   req.Target,
		Port:     req.Port,
		Size:     req.Size,
		Key:      key,
		Ident:    s.ident,
	}
	if req.Protocol != probe.ProtocolICMP {
		src, err := s.transport.Source(req.Target)
		if err != nil {
			return err
		}
		build.Source = src
	}

	packet, err := probe.Build(build)
	if err != nil {
		return err
	}

	sentAt := s.now()
	if err := s.transport.Send(req.Protocol, req.Target, req.TTL, req.TOS, packet); err != nil {
		return err
	}

	p := &Probe{
		Token:    req.Token,
		Target:   req.Target,
		Protocol: req.Protocol,
		TTL:      req.TTL,
		Port:     req.Port,
		Size:     req.Size,
		SentAt:   sentAt,
		Deadline: sentAt.Add(req.Timeout),
		Key:      key,
	}
	s.probes[key] = p
	s.tokens[req.Token] = key
	s.outstanding++

	s.metrics.ProbeSent(req.Protocol.String())
	s.metrics.SetOutstanding(s.outstanding)
	return nil
}

// allocateKey returns the next free match key, wrapping at MaxKey.
func (s *State) allocateKey() (uint16, bool) {
	if s.outstanding >= MaxOutstanding {
		return 0, false
	}
	for i := 0; i < MaxOutstanding; i++ {
		key := s.nextKey
		if s.nextKey == MaxKey {
			s.nextKey = MinKey
		} else {
			s.nextKey++
		}
		if _, used := s.probes[key]; !used {
			return key, true
		}
	}
	return 0, false
}

// ReceiveReplies reads every reply available without blocking and returns
// an event for each one that resolves an outstanding probe. Replies that
// match nothing are dropped.
func (s *State) ReceiveReplies() []Event {
	var events []Event

	err := s.transport.Drain(func(pkt probe.Packet) {
		reply, ok := probe.ParseReply(pkt, s.ident)
		if !ok {
			return
		}

		p, ok := s.match(reply)
		if !ok {
			s.metrics.Unmatched()
			s.log.Debug("Dropping unmatched reply", "key", reply.Key, "from", reply.From, "kind", reply.Kind.String())
			return
		}

		rtt := s.now().Sub(p.SentAt)
		s.remove(p)

		code := 0
		if reply.Kind == probe.ReplyUnreachable {
			code = reply.Code
		}
		s.metrics.Reply(reply.Kind.String(), rtt)
		events = append(events, Event{
			Kind:  EventReply,
			Probe: *p,
			RTT:   rtt,
			From:  reply.From,
			Reply: reply.Kind,
			Code:  code,
		})
	})
	if err != nil {
		s.log.Warn("Failed to receive replies", "error", err)
	}

	return events
}

// match finds the outstanding probe a reply belongs to. The key alone is not
// enough: the protocol, the original destination and, where known, the
// destination port must agree too.
func (s *State) match(reply probe.Reply) (*Probe, bool) {
	p, ok := s.probes[reply.Key]
	if !ok {
		return nil, false
	}
	if p.Protocol != reply.Protocol {
		return nil, false
	}
	if reply.Target.IsValid() && reply.Target != p.Target {
		return nil, false
	}
	if reply.Port != 0 && reply.Port != p.Port {
		return nil, false
	}
	return p, true
}

func (s *State) remove(p *Probe) {
	delete(s.probes, p.Key)
	delete(s.tokens, p.Token)
	s.outstanding--
	s.metrics.SetOutstanding(s.outstanding)
}

// CheckTimeouts removes every probe whose deadline is at or before now and
// returns a timeout event for each, earliest deadline first.
func (s *State) CheckTimeouts() []Event {
	now := s.now()

	var expired []*Probe
	for _, p := range s.probes {
		if !p.Deadline.After(now) {
			expired = append(expired, p)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Deadline.Equal(expired[j].Deadline) {
			return expired[i].SentAt.Before(expired[j].SentAt)
		}
		return expired[i].Deadline.Before(expired[j].Deadline)
	})

	events := make([]Event, 0, len(expired))
	for _, p := range expired {
		s.remove(p)
		s.metrics.Timeout()
		events = append(events, Event{Kind: EventTimeout, Probe: *p})
	}
	return events
}

// NextDeadline returns the earliest deadline of the outstanding probes. The
// second result is false when nothing is outstanding.
func (s *State) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, p := range s.probes {
		if !found || p.Deadline.Before(next) {
			next = p.Deadline
			found = true
		}
	}
	return next, found
}

// Outstanding returns the number of probes awaiting a reply or timeout.
func (s *State) Outstanding() int {
	return s.outstanding
}

// Now returns the current time of the state's clock.
func (s *State) Now() time.Time {
	return s.now()
}

// Fds returns the socket descriptors to wait on.
func (s *State) Fds() []int {
	return s.transport.Fds()
}

// SupportsProtocol reports whether probes of protocol p can be sent to the
// address family.
func (s *State) SupportsProtocol(p probe.Protocol, v6 bool) bool {
	return s.transport.Supports(p, v6)
}

// Close closes the sockets.
func (s *State) Close() error {
	return s.transport.Close()
}
