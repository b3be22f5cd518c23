package netstate

import (
	"errors"
	"fmt"

	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
	"golang.org/x/sys/unix"
)

// Send failure reasons, as reported on the wire.
const (
	ReasonDuplicateToken      = "duplicate-token"
	ReasonProbesExhausted     = "probes-exhausted"
	ReasonUnsupportedProtocol = "unsupported-protocol"
	ReasonInvalidArgument     = "invalid-argument"
	ReasonNetworkUnreachable  = "network-unreachable"
	ReasonHostUnreachable     = "host-unreachable"
	ReasonPermissionDenied    = "permission-denied"
	ReasonNoBufferSpace       = "no-buffer-space"
	ReasonAddressNotAvailable = "address-not-available"
	ReasonSendFailed          = "send-failed"
)

var (
	// ErrDuplicateToken indicates the token belongs to an outstanding probe
	ErrDuplicateToken = errors.New("token already in use")

	// ErrProbesExhausted indicates every match key is in use
	ErrProbesExhausted = errors.New("no free match key")
)

// SendError is returned by Send when a probe could not be transmitted.
// No probe is recorded when it is returned.
type SendError struct {
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send probe: %s: %v", e.Reason, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// newSendError classifies err into a wire reason.
func newSendError(err error) *SendError {
	return &SendError{Reason: classify(err), Err: err}
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateToken):
		return ReasonDuplicateToken
	case errors.Is(err, ErrProbesExhausted):
		return ReasonProbesExhausted
	case errors.Is(err, probe.ErrUnsupportedProtocol), errors.Is(err, probe.ErrSocketClosed):
		return ReasonUnsupportedProtocol
	case errors.Is(err, probe.ErrInvalidTTL), errors.Is(err, probe.ErrInvalidPort),
		errors.Is(err, probe.ErrPayloadTooLarge), errors.Is(err, probe.ErrInvalidPacket):
		return ReasonInvalidArgument
	case errors.Is(err, unix.ENETUNREACH):
		return ReasonNetworkUnreachable
	case errors.Is(err, unix.EHOSTUNREACH):
		return ReasonHostUnreachable
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return ReasonPermissionDenied
	case errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		return ReasonNoBufferSpace
	case errors.Is(err, unix.EADDRNOTAVAIL):
		return ReasonAddressNotAvailable
	default:
		return ReasonSendFailed
	}
}
