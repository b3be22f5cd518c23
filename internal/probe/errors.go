package probe

import "errors"

// Probe-related errors.
var (
	// ErrPermissionDenied indicates insufficient privileges for raw sockets
	ErrPermissionDenied = errors.New("permission denied: raw socket requires elevated privileges")

	// ErrInvalidPacket indicates a malformed or unexpected packet was received
	ErrInvalidPacket = errors.New("invalid packet received")

	// ErrSocketClosed indicates the socket for the address family is not open
	ErrSocketClosed = errors.New("socket closed")

	// ErrInvalidTTL indicates the TTL value is out of range
	ErrInvalidTTL = errors.New("TTL must be between 1 and 255")

	// ErrInvalidPort indicates the destination port is out of range
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrPayloadTooLarge indicates the requested payload does not fit a packet
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnsupportedProtocol indicates an unknown probe protocol
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrBindUnsupported indicates interface binding is not available on this platform
	ErrBindUnsupported = errors.New("binding to an interface is not supported on this platform")
)

// IsPermissionError returns true if the error is a permission error.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
