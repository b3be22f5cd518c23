package command

import (
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
)

// Result reports a probe answered by a reply.
type Result struct {
	Token string
	RTT   time.Duration
	From  netip.Addr
	Kind  probe.ReplyKind

	// Code is reported for unreachable replies only
	Code int
}

func (r Result) String() string {
	var b strings.Builder
	b.WriteString("RESULT token=")
	b.WriteString(r.Token)
	b.WriteString(" rtt=")
	b.WriteString(strconv.FormatInt(r.RTT.Microseconds(), 10))
	b.WriteString(" from=")
	b.WriteString(r.From.String())
	b.WriteString(" kind=")
	b.WriteString(r.Kind.String())
	if r.Kind == probe.ReplyUnreachable {
		b.WriteString(" code=")
		b.WriteString(strconv.Itoa(r.Code))
	}
	return b.String()
}

// Timeout reports a probe that expired without a reply.
type Timeout struct {
	Token string
}

func (t Timeout) String() string {
	return "TIMEOUT token=" + t.Token
}

// Error reports a failed command or probe. Without a token the line carries
// only the reason.
type Error struct {
	Token  string
	Reason string
	Arg    string
}

func (e Error) String() string {
	var b strings.Builder
	b.WriteString("ERROR")
	if e.Token != "" {
		b.WriteString(" token=")
		b.WriteString(e.Token)
	}
	b.WriteString(" reason=")
	b.WriteString(e.Reason)
	if e.Arg != "" {
		b.WriteString(" arg=")
		b.WriteString(e.Arg)
	}
	return b.String()
}

// OK acknowledges a SET.
type OK struct {
	Token string
}

func (o OK) String() string {
	return "OK token=" + o.Token
}

// Feature answers a CHECK.
type Feature struct {
	Token   string
	Feature string
	Support string
}

func (f Feature) String() string {
	return "FEATURE token=" + f.Token + " feature=" + f.Feature + " support=" + f.Support
}
