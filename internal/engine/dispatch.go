// Package engine drives the helper: it turns command lines into probes,
// reports probe outcomes as responses and runs the single event loop that
// ties the command channel to the network state.
package engine

import (
	"errors"
	"log/slog"

	"github.com/KilimcininKorOglu/poros-packet/internal/command"
	"github.com/KilimcininKorOglu/poros-packet/internal/logger"
	"github.com/KilimcininKorOglu/poros-packet/internal/metrics"
	"github.com/KilimcininKorOglu/poros-packet/internal/netstate"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
)

// Feature names answered by CHECK.
const (
	FeatureVersion       = "version"
	FeatureProbe         = "probe"
	FeatureCheck         = "check"
	FeatureSet           = "set"
	FeatureICMP          = "icmp"
	FeatureUDP           = "udp"
	FeatureTCP           = "tcp"
	FeatureIPv4          = "ip-4"
	FeatureIPv6          = "ip-6"
	FeatureBindInterface = "bind-interface"
)

const (
	supportOK = "ok"
	supportNo = "no"
)

// Dispatcher executes commands against the network state and queues their
// responses on the channel.
type Dispatcher struct {
	state    *netstate.State
	channel  *command.Channel
	settings command.Settings
	limits   command.Limits
	version  string
	metrics  *metrics.Metrics
	recorder *trace.Recorder
	log      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSettings sets the session defaults probes start from.
func WithSettings(s command.Settings) DispatcherOption {
	return func(d *Dispatcher) { d.settings = s }
}

// WithLimits sets the bounds applied while parsing commands.
func WithLimits(l command.Limits) DispatcherOption {
	return func(d *Dispatcher) { d.limits = l }
}

// WithVersion sets the version reported by CHECK feature=version.
func WithVersion(v string) DispatcherOption {
	return func(d *Dispatcher) { d.version = v }
}

// WithMetrics records protocol errors in m.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRecorder feeds every probe outcome to r.
func WithRecorder(r *trace.Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher creates a dispatcher for the given state and channel.
func NewDispatcher(state *netstate.State, channel *command.Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		state:    state,
		channel:  channel,
		settings: command.DefaultSettings(),
		limits:   command.DefaultLimits(),
		version:  "dev",
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	if d.recorder == nil {
		d.recorder = trace.NewRecorder(state.Now())
	}
	if d.log == nil {
		d.log = logger.NewLogger()
	}
	return d
}

// Dispatch executes one framed input line. Every failure is answered on the
// channel; nothing here stops the loop.
func (d *Dispatcher) Dispatch(frame command.Frame) {
	if frame.Err != nil {
		d.protocolError(&command.ParseError{Reason: command.ReasonLineTooLong})
		return
	}

	cmd, err := command.Parse(frame.Line, d.limits)
	if err != nil {
		var perr *command.ParseError
		if !errors.As(err, &perr) {
			perr = &command.ParseError{Reason: command.ReasonMalformedCommand}
		}
		d.protocolError(perr)
		return
	}

	switch cmd := cmd.(type) {
	case command.ProbeCommand:
		d.probe(cmd)
	case command.CheckCommand:
		d.channel.Enqueue(command.Feature{
			Token:   cmd.ID,
			Feature: cmd.Feature,
			Support: d.support(cmd.Feature),
		})
	case command.SetCommand:
		cmd.Option.Apply(&d.settings)
		d.log.Debug("Session setting changed", "token", cmd.ID, "option", cmd.Option.Name)
		d.channel.Enqueue(command.OK{Token: cmd.ID})
	}
}

func (d *Dispatcher) protocolError(perr *command.ParseError) {
	d.metrics.ProtocolError(perr.Reason)
	d.log.Debug("Rejected command", "token", perr.Token, "reason", perr.Reason, "arg", perr.Arg)
	d.channel.Enqueue(perr.Response())
}

// probe sends one probe. Success produces no response yet: the RESULT or
// TIMEOUT comes later through Report.
func (d *Dispatcher) probe(cmd command.ProbeCommand) {
	s := d.settings
	for _, opt := range cmd.Options {
		opt.Apply(&s)
	}

	port := s.Port
	if port == 0 {
		port = s.Protocol.DefaultPort()
	}

	err := d.state.Send(netstate.Request{
		Token:    cmd.ID,
		Target:   cmd.Target,
		Protocol: s.Protocol,
		TTL:      s.TTL,
		Port:     port,
		Size:     s.Size,
		TOS:      s.TOS,
		Timeout:  s.Timeout,
	})
	if err == nil {
		return
	}

	reason := netstate.ReasonSendFailed
	var serr *netstate.SendError
	if errors.As(err, &serr) {
		reason = serr.Reason
	}
	d.recorder.RecordError()
	d.channel.Enqueue(command.Error{Token: cmd.ID, Reason: reason})
}

// support answers a CHECK for feature.
func (d *Dispatcher) support(feature string) string {
	switch feature {
	case FeatureVersion:
		return d.version
	case FeatureProbe, FeatureCheck, FeatureSet:
		return supportOK
	case FeatureICMP:
		return d.protocolSupport(probe.ProtocolICMP)
	case FeatureUDP:
		return d.protocolSupport(probe.ProtocolUDP)
	case FeatureTCP:
		return d.protocolSupport(probe.ProtocolTCP)
	case FeatureIPv4:
		return supportString(d.state.SupportsProtocol(probe.ProtocolICMP, false))
	case FeatureIPv6:
		return supportString(d.state.SupportsProtocol(probe.ProtocolICMP, true))
	case FeatureBindInterface:
		return supportString(probe.BindSupported)
	default:
		return supportNo
	}
}

func (d *Dispatcher) protocolSupport(p probe.Protocol) string {
	return supportString(d.state.SupportsProtocol(p, false) || d.state.SupportsProtocol(p, true))
}

func supportString(ok bool) string {
	if ok {
		return supportOK
	}
	return supportNo
}

// Report queues the response for a resolved probe.
func (d *Dispatcher) Report(ev netstate.Event) {
	switch ev.Kind {
	case netstate.EventReply:
		d.channel.Enqueue(command.Result{
			Token: ev.Probe.Token,
			RTT:   ev.RTT,
			From:  ev.From,
			Kind:  ev.Reply,
			Code:  ev.Code,
		})
	case netstate.EventTimeout:
		d.channel.Enqueue(command.Timeout{Token: ev.Probe.Token})
	}

	if err := d.recorder.Record(ev); err != nil {
		d.log.Warn("Failed to record probe outcome", "token", ev.Probe.Token, "error", err)
	}
}

// Settings returns the current session defaults.
func (d *Dispatcher) Settings() command.Settings {
	return d.settings
}

// Recorder returns the recorder collecting the session statistics.
func (d *Dispatcher) Recorder() *trace.Recorder {
	return d.recorder
}
