package trace

import "errors"

// Session statistics errors.
var (
	// ErrNoProbes indicates the session finished without resolving a probe
	ErrNoProbes = errors.New("no probes were resolved during the session")

	// ErrInvalidTTL indicates an event carried a TTL outside 1-255
	ErrInvalidTTL = errors.New("ttl must be between 1 and 255")
)
