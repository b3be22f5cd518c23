package trace

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/netstate"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
)

type pathKey struct {
	target   netip.Addr
	protocol probe.Protocol
}

type pathStats struct {
	hops    map[int]*Hop
	reached bool
}

// Recorder collects the terminal events of a session. It is not safe for
// concurrent use.
type Recorder struct {
	started time.Time
	paths   map[pathKey]*pathStats

	probes   int
	replies  int
	timeouts int
	errors   int
}

// NewRecorder creates a recorder for a session that started at start.
func NewRecorder(start time.Time) *Recorder {
	return &Recorder{
		started: start,
		paths:   make(map[pathKey]*pathStats),
	}
}

// Record adds the outcome of one probe.
func (r *Recorder) Record(ev netstate.Event) error {
	hop, err := r.hop(ev.Probe.Target, ev.Probe.Protocol, ev.Probe.TTL)
	if err != nil {
		return err
	}
	r.probes++

	switch ev.Kind {
	case netstate.EventReply:
		r.replies++
		rtt := float64(ev.RTT.Microseconds()) / 1000.0 // Convert to ms
		hop.RTTs = append(hop.RTTs, rtt)
		if !hop.IP.IsValid() {
			hop.IP = ev.From
		}
		hop.Kind = ev.Reply.String()
		hop.Responded = true

		if ev.Reply == probe.ReplyEcho || ev.From == ev.Probe.Target {
			r.paths[pathKey{ev.Probe.Target, ev.Probe.Protocol}].reached = true
		}
	case netstate.EventTimeout:
		r.timeouts++
		hop.RTTs = append(hop.RTTs, -1)
	}
	return nil
}

// RecordError counts a probe that could not be sent.
func (r *Recorder) RecordError() {
	r.errors++
}

func (r *Recorder) hop(target netip.Addr, p probe.Protocol, ttl int) (*Hop, error) {
	if !probe.ValidTTL(ttl) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTTL, ttl)
	}

	key := pathKey{target, p}
	ps, ok := r.paths[key]
	if !ok {
		ps = &pathStats{hops: make(map[int]*Hop)}
		r.paths[key] = ps
	}
	h, ok := ps.hops[ttl]
	if !ok {
		h = &Hop{Number: ttl}
		ps.hops[ttl] = h
	}
	return h, nil
}

// Build computes the statistics of everything recorded so far.
func (r *Recorder) Build(end time.Time) (*Session, error) {
	if r.probes == 0 && r.errors == 0 {
		return nil, ErrNoProbes
	}

	s := &Session{
		Started:  r.started,
		Ended:    end,
		Paths:    make([]Path, 0, len(r.paths)),
		Probes:   r.probes,
		Replies:  r.replies,
		Timeouts: r.timeouts,
		Errors:   r.errors,
	}

	for key, ps := range r.paths {
		path := Path{
			Target:   key.target,
			Protocol: key.protocol.String(),
			Hops:     make([]Hop, 0, len(ps.hops)),
			Reached:  ps.reached,
		}
		for _, h := range ps.hops {
			hop := *h
			hop.RTTs = append([]float64(nil), h.RTTs...)
			hop.AvgRTT, hop.MinRTT, hop.MaxRTT, hop.Jitter = calculateRTTStats(hop.RTTs)
			hop.LossPercent = calculateLossPercent(hop.RTTs)
			path.Hops = append(path.Hops, hop)
		}
		sort.Slice(path.Hops, func(i, j int) bool {
			return path.Hops[i].Number < path.Hops[j].Number
		})
		path.Summary = calculateSummary(path.Hops)
		s.Paths = append(s.Paths, path)
	}

	sort.Slice(s.Paths, func(i, j int) bool {
		if s.Paths[i].Target == s.Paths[j].Target {
			return s.Paths[i].Protocol < s.Paths[j].Protocol
		}
		return s.Paths[i].Target.Less(s.Paths[j].Target)
	})

	return s, nil
}

// calculateSummary calculates aggregate statistics for a path.
func calculateSummary(hops []Hop) Summary {
	summary := Summary{
		TotalHops: len(hops),
	}

	var totalLoss float64
	for _, hop := range hops {
		totalLoss += hop.LossPercent
	}

	if len(hops) > 0 {
		summary.PacketLossPercent = totalLoss / float64(len(hops))
	}

	// Total time is the RTT to the last responding hop
	for i := len(hops) - 1; i >= 0; i-- {
		if hops[i].AvgRTT > 0 {
			summary.TotalTimeMs = hops[i].AvgRTT
			break
		}
	}

	return summary
}

// calculateRTTStats calculates RTT statistics from a slice of RTT values.
// Negative values are treated as timeouts and excluded from calculations.
func calculateRTTStats(rtts []float64) (avg, lo, hi, jitter float64) {
	var valid []float64
	for _, rtt := range rtts {
		if rtt >= 0 {
			valid = append(valid, rtt)
		}
	}

	if len(valid) == 0 {
		return 0, 0, 0, 0
	}

	lo = valid[0]
	hi = valid[0]
	sum := 0.0

	for _, rtt := range valid {
		sum += rtt
		if rtt < lo {
			lo = rtt
		}
		if rtt > hi {
			hi = rtt
		}
	}

	avg = sum / float64(len(valid))
	jitter = hi - lo

	return
}

// calculateLossPercent calculates packet loss percentage.
// Negative RTT values indicate timeouts.
func calculateLossPercent(rtts []float64) float64 {
	if len(rtts) == 0 {
		return 0
	}

	timeouts := 0
	for _, rtt := range rtts {
		if rtt < 0 {
			timeouts++
		}
	}

	return float64(timeouts) / float64(len(rtts)) * 100
}
