// Package trace aggregates the probes answered during a session into
// per-path hop statistics.
//
// The helper itself never decides what a path looks like; it only sees the
// (target, ttl) pairs its caller asked for. A Session is what those answers
// look like when grouped the way a traceroute would print them.
package trace

import (
	"net/netip"
	"time"
)

// Hop represents one TTL on the path to a target.
type Hop struct {
	// Number is the TTL the probes were sent with
	Number int `json:"hop"`

	// IP is the first address that answered at this TTL
	IP netip.Addr `json:"ip,omitempty"`

	// Hostname is filled in by reverse lookup, if enabled
	Hostname string `json:"hostname,omitempty"`

	// Kind is the kind of the last reply, "reply", "ttl-expired" or
	// "unreachable"
	Kind string `json:"kind,omitempty"`

	// RTTs contains individual round-trip times in milliseconds
	// A value of -1 indicates a timeout
	RTTs []float64 `json:"rtts"`

	// AvgRTT is the average RTT in milliseconds
	AvgRTT float64 `json:"avg_rtt"`

	// MinRTT is the minimum RTT in milliseconds
	MinRTT float64 `json:"min_rtt"`

	// MaxRTT is the maximum RTT in milliseconds
	MaxRTT float64 `json:"max_rtt"`

	// Jitter is the difference between max and min RTT
	Jitter float64 `json:"jitter"`

	// LossPercent is the packet loss percentage (0-100)
	LossPercent float64 `json:"loss_percent"`

	// Responded indicates if at least one probe got a response
	Responded bool `json:"responded"`
}

// Path groups the hops probed towards one target with one protocol.
type Path struct {
	Target   netip.Addr `json:"target"`
	Protocol string     `json:"protocol"`

	// Hops are sorted by TTL
	Hops []Hop `json:"hops"`

	// Reached is set once the target itself answered
	Reached bool `json:"reached"`

	Summary Summary `json:"summary"`
}

// Summary contains aggregate statistics for a path.
type Summary struct {
	// TotalHops is the number of distinct TTLs probed
	TotalHops int `json:"total_hops"`

	// TotalTimeMs is the average RTT of the last responding hop
	TotalTimeMs float64 `json:"total_time_ms"`

	// PacketLossPercent is the average packet loss across all hops
	PacketLossPercent float64 `json:"packet_loss_percent"`
}

// Session is the outcome of every probe of one helper run.
type Session struct {
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`

	// Paths are sorted by target, then protocol
	Paths []Path `json:"paths"`

	// Counters over the whole session
	Probes   int `json:"probes"`
	Replies  int `json:"replies"`
	Timeouts int `json:"timeouts"`
	Errors   int `json:"errors"`
}

// IsDestination reports whether this hop was answered by the target.
func (h *Hop) IsDestination(dest netip.Addr) bool {
	if !h.IP.IsValid() {
		return false
	}
	return h.IP == dest
}

// Addrs returns every distinct responder address in the session.
func (s *Session) Addrs() []netip.Addr {
	seen := make(map[netip.Addr]bool)
	var addrs []netip.Addr
	for _, p := range s.Paths {
		for _, h := range p.Hops {
			if h.IP.IsValid() && !seen[h.IP] {
				seen[h.IP] = true
				addrs = append(addrs, h.IP)
			}
		}
	}
	return addrs
}

// Duration returns how long the session ran.
func (s *Session) Duration() time.Duration {
	return s.Ended.Sub(s.Started)
}
