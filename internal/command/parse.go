// Package command implements the line protocol spoken on stdin and stdout:
// framing of the input, parsing of commands and formatting of responses.
//
// A command is a verb followed by key=value arguments:
//
//	PROBE token=1 target=10.0.0.1 ttl=3 protocol=udp port=33434
//	CHECK token=2 feature=udp
//	SET token=3 option=timeout value=2s
//
// Every command carries a token that is echoed back on each response it
// produces.
package command

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
)

// Protocol error reasons.
const (
	ReasonUnknownCommand      = "unknown-command"
	ReasonMissingToken        = "missing-token"
	ReasonInvalidArgument     = "invalid-argument"
	ReasonUnknownArgument     = "unknown-argument"
	ReasonMalformedCommand    = "malformed-command"
	ReasonLineTooLong         = "line-too-long"
	ReasonUnsupportedProtocol = "unsupported-protocol"
)

const (
	// DefaultMaxSize is the largest probe payload accepted by default
	DefaultMaxSize = 1400

	// MaxTimeout is the longest probe timeout accepted
	MaxTimeout = 60 * time.Second
)

// Option names accepted by PROBE and SET.
const (
	OptionTTL      = "ttl"
	OptionProtocol = "protocol"
	OptionPort     = "port"
	OptionTimeout  = "timeout"
	OptionSize     = "size"
	OptionTOS      = "tos"
)

// Command is a parsed command. The set of commands is closed: ProbeCommand,
// CheckCommand and SetCommand.
type Command interface {
	Token() string
	command()
}

// ProbeCommand asks for one probe to be sent.
type ProbeCommand struct {
	ID     string
	Target netip.Addr

	// Options override the session settings for this probe only
	Options []Option
}

// CheckCommand asks whether a feature is supported.
type CheckCommand struct {
	ID      string
	Feature string
}

// SetCommand changes a session setting used by later probes.
type SetCommand struct {
	ID     string
	Option Option
}

func (c ProbeCommand) Token() string { return c.ID }
func (c CheckCommand) Token() string { return c.ID }
func (c SetCommand) Token() string   { return c.ID }

func (ProbeCommand) command() {}
func (CheckCommand) command() {}
func (SetCommand) command()   {}

// Settings are the probe parameters a session starts with and SET changes.
type Settings struct {
	Protocol probe.Protocol
	TTL      int
	Timeout  time.Duration
	Size     int
	TOS      int

	// Port is the destination port; 0 selects the protocol default
	Port int
}

// DefaultSettings returns the settings of a new session.
func DefaultSettings() Settings {
	return Settings{
		Protocol: probe.ProtocolICMP,
		TTL:      30,
		Timeout:  10 * time.Second,
		Size:     0,
		TOS:      0,
	}
}

// Option is one validated setting.
type Option struct {
	Name     string
	Int      int
	Duration time.Duration
	Protocol probe.Protocol
}

// Apply stores the option in s.
func (o Option) Apply(s *Settings) {
	switch o.Name {
	case OptionTTL:
		s.TTL = o.Int
	case OptionProtocol:
		s.Protocol = o.Protocol
	case OptionPort:
		s.Port = o.Int
	case OptionTimeout:
		s.Timeout = o.Duration
	case OptionSize:
		s.Size = o.Int
	case OptionTOS:
		s.TOS = o.Int
	}
}

// ParseError is a protocol error attributable to one command line.
type ParseError struct {
	// Token is empty when the line carried none
	Token  string
	Reason string
	Arg    string
}

func (e *ParseError) Error() string {
	if e.Arg != "" {
		return fmt.Sprintf("%s (argument %s)", e.Reason, e.Arg)
	}
	return e.Reason
}

// Response returns the ERROR line reporting e.
func (e *ParseError) Response() Error {
	return Error{Token: e.Token, Reason: e.Reason, Arg: e.Arg}
}

// Limits bound the values a command may carry.
type Limits struct {
	MaxSize int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxSize: DefaultMaxSize}
}

type argument struct {
	key, value string
}

// Parse parses one command line. Errors are always *ParseError.
func Parse(line string, limits Limits) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, &ParseError{Reason: ReasonMalformedCommand}
	}
	verb := fields[0]

	args := make([]argument, 0, len(fields)-1)
	seen := make(map[string]bool, len(fields)-1)
	token := ""
	malformed := ""
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			if malformed == "" {
				malformed = f
			}
			continue
		}
		if key == "token" && token == "" {
			token = value
		}
		if seen[key] && malformed == "" {
			malformed = key
		}
		seen[key] = true
		args = append(args, argument{key, value})
	}

	if token == "" {
		return nil, &ParseError{Reason: ReasonMissingToken}
	}
	if !isVerb(verb) {
		return nil, &ParseError{Token: token, Reason: ReasonUnknownCommand}
	}
	if malformed != "" {
		return nil, &ParseError{Token: token, Reason: ReasonMalformedCommand, Arg: malformed}
	}

	switch verb {
	case "PROBE":
		return parseProbe(token, args, limits)
	case "CHECK":
		return parseCheck(token, args)
	case "SET":
		return parseSet(token, args, limits)
	default:
		return nil, &ParseError{Token: token, Reason: ReasonUnknownCommand}
	}
}

func isVerb(verb string) bool {
	switch verb {
	case "PROBE", "CHECK", "SET":
		return true
	}
	return false
}

func parseProbe(token string, args []argument, limits Limits) (Command, error) {
	cmd := ProbeCommand{ID: token}

	for _, a := range args {
		switch a.key {
		case "token":
		case "target":
			addr, err := parseTarget(a.value)
			if err != nil {
				return nil, &ParseError{Token: token, Reason: ReasonInvalidArgument, Arg: "target"}
			}
			cmd.Target = addr
		default:
			opt, err := parseOption(token, a.key, a.value, limits)
			if err != nil {
				return nil, err
			}
			cmd.Options = append(cmd.Options, opt)
		}
	}

	if !cmd.Target.IsValid() {
		return nil, &ParseError{Token: token, Reason: ReasonInvalidArgument, Arg: "target"}
	}
	return cmd, nil
}

func parseCheck(token string, args []argument) (Command, error) {
	cmd := CheckCommand{ID: token}
	for _, a := range args {
		switch a.key {
		case "token":
		case "feature":
			cmd.Feature = a.value
		default:
			return nil, &ParseError{Token: token, Reason: ReasonUnknownArgument, Arg: a.key}
		}
	}
	if cmd.Feature == "" {
		return nil, &ParseError{Token: token, Reason: ReasonInvalidArgument, Arg: "feature"}
	}
	return cmd, nil
}

func parseSet(token string, args []argument, limits Limits) (Command, error) {
	var name, value string
	var hasValue bool
	for _, a := range args {
		switch a.key {
		case "token":
		case "option":
			name = a.value
		case "value":
			value, hasValue = a.value, true
		default:
			return nil, &ParseError{Token: token, Reason: ReasonUnknownArgument, Arg: a.key}
		}
	}
	if !isOption(name) {
		return nil, &ParseError{Token: token, Reason: ReasonInvalidArgument, Arg: "option"}
	}
	if !hasValue {
		return nil, &ParseError{Token: token, Reason: ReasonInvalidArgument, Arg: "value"}
	}

	opt, err := parseOption(token, name, value, limits)
	if err != nil {
		return nil, err
	}
	return SetCommand{ID: token, Option: opt}, nil
}

func isOption(name string) bool {
	switch name {
	case OptionTTL, OptionProtocol, OptionPort, OptionTimeout, OptionSize, OptionTOS:
		return true
	}
	return false
}

// parseOption validates one option value.
func parseOption(token, name, value string, limits Limits) (Option, error) {
	invalid := &ParseError{Token: token, Reason: ReasonInvalidArgument, Arg: name}

	switch name {
	case OptionTTL:
		n, ok := parseRange(value, 1, 255)
		if !ok {
			return Option{}, invalid
		}
		return Option{Name: name, Int: n}, nil

	case OptionPort:
		n, ok := parseRange(value, 1, 65535)
		if !ok {
			return Option{}, invalid
		}
		return Option{Name: name, Int: n}, nil

	case OptionSize:
		n, ok := parseRange(value, 0, limits.MaxSize)
		if !ok {
			return Option{}, invalid
		}
		return Option{Name: name, Int: n}, nil

	case OptionTOS:
		n, ok := parseRange(value, 0, 255)
		if !ok {
			return Option{}, invalid
		}
		return Option{Name: name, Int: n}, nil

	case OptionTimeout:
		d, err := ParseTimeout(value)
		if err != nil {
			return Option{}, invalid
		}
		return Option{Name: name, Duration: d}, nil

	case OptionProtocol:
		p, err := probe.ParseProtocol(value)
		if err != nil {
			return Option{}, &ParseError{Token: token, Reason: ReasonUnsupportedProtocol, Arg: name}
		}
		return Option{Name: name, Protocol: p}, nil

	default:
		return Option{}, &ParseError{Token: token, Reason: ReasonUnknownArgument, Arg: name}
	}
}

func parseRange(s string, lo, hi int) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

var errTimeoutRange = errors.New("timeout must be positive and at most 60s")

// ParseTimeout parses a Go duration ("1500ms", "2s") or a bare number of
// seconds.
func ParseTimeout(s string) (time.Duration, error) {
	var d time.Duration
	if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Second
		if n > int(MaxTimeout/time.Second) {
			return 0, errTimeoutRange
		}
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
	}
	if d <= 0 || d > MaxTimeout {
		return 0, errTimeoutRange
	}
	return d, nil
}

// parseTarget accepts a unicast IP literal. IPv4-mapped IPv6 addresses are
// treated as IPv4.
func parseTarget(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	if addr.Zone() != "" || addr.IsUnspecified() || addr.IsMulticast() ||
		addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return netip.Addr{}, fmt.Errorf("%s is not a unicast address", s)
	}
	return addr, nil
}
