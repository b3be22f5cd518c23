package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/command"
	"github.com/KilimcininKorOglu/poros-packet/internal/logger"
	"github.com/KilimcininKorOglu/poros-packet/internal/netstate"
)

// Phase is the state of the event loop.
type Phase int

const (
	// PhaseRunning reads commands and resolves probes
	PhaseRunning Phase = iota
	// PhaseDraining accepts no more commands and waits for the outstanding
	// probes to resolve
	PhaseDraining
	// PhaseStopped is terminal
	PhaseStopped
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// NoTimeout makes Wait block until a descriptor is ready.
const NoTimeout time.Duration = -1

// Waiter blocks until the input or one of the socket descriptors is
// readable, or the timeout elapses. inputFd is -1 when the input must not be
// watched. inputReady reports whether a read on the input will not block.
type Waiter interface {
	Wait(inputFd int, fds []int, timeout time.Duration) (inputReady bool, err error)
}

// Loop is the single flow of control of the helper.
type Loop struct {
	state      *netstate.State
	channel    *command.Channel
	dispatcher *Dispatcher
	waiter     Waiter
	inputFd    int
	log        *slog.Logger

	phase Phase
}

// NewLoop creates an event loop reading commands from inputFd through
// channel.
func NewLoop(state *netstate.State, channel *command.Channel, dispatcher *Dispatcher, waiter Waiter, inputFd int, log *slog.Logger) *Loop {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Loop{
		state:      state,
		channel:    channel,
		dispatcher: dispatcher,
		waiter:     waiter,
		inputFd:    inputFd,
		log:        log,
		phase:      PhaseRunning,
	}
}

// Phase returns the current phase.
func (l *Loop) Phase() Phase {
	return l.phase
}

// Run iterates until the input closed and every probe resolved, the context
// is cancelled, or waiting fails. It returns nil after a clean drain.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			l.flush()
			return err
		}

		l.flush()

		inputFd := -1
		if l.phase == PhaseRunning {
			inputFd = l.inputFd
		}
		inputReady, err := l.waiter.Wait(inputFd, l.state.Fds(), l.waitTimeout())
		if err != nil {
			return fmt.Errorf("wait for events: %w", err)
		}

		// Replies first so their timestamps stay close to arrival
		for _, ev := range l.state.ReceiveReplies() {
			l.dispatcher.Report(ev)
		}

		if l.phase == PhaseRunning && inputReady {
			l.readCommands()
		}

		for _, ev := range l.state.CheckTimeouts() {
			l.dispatcher.Report(ev)
		}

		// New probes go out last, after older deadlines were accounted for
		for _, frame := range l.channel.Commands() {
			l.dispatcher.Dispatch(frame)
		}

		if l.phase == PhaseDraining && l.state.Outstanding() == 0 {
			l.phase = PhaseStopped
			l.flush()
			l.log.Debug("Event loop stopped")
			return nil
		}
	}
}

func (l *Loop) readCommands() {
	err := l.channel.ReadAvailable()
	if err == nil {
		return
	}
	if errors.Is(err, command.ErrInputClosed) {
		l.phase = PhaseDraining
		l.log.Debug("Command input closed, draining", "outstanding", l.state.Outstanding(), "detail", err)
		return
	}
	l.log.Warn("Failed to read commands", "error", err)
}

// waitTimeout bounds the wait by the nearest probe deadline.
func (l *Loop) waitTimeout() time.Duration {
	deadline, ok := l.state.NextDeadline()
	if !ok {
		return NoTimeout
	}
	d := deadline.Sub(l.state.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) flush() {
	if err := l.channel.FlushAvailable(); err != nil {
		// Reported once; later responses are dropped by the channel
		l.log.Warn("Failed to write responses, discarding further output", "error", err)
	}
}
