package config

import "errors"

var (
	// ErrInvalidProtocol is returned when the probe protocol is unknown
	ErrInvalidProtocol = errors.New("invalid probe protocol")
	// ErrInvalidTTL is returned when the probe ttl is outside 1-255
	ErrInvalidTTL = errors.New("invalid probe ttl")
	// ErrInvalidTimeout is returned when the probe timeout is not in (0, 60s]
	ErrInvalidTimeout = errors.New("invalid probe timeout")
	// ErrInvalidSize is returned when the probe size exceeds the size limit
	ErrInvalidSize = errors.New("invalid probe size")
	// ErrInvalidTOS is returned when the probe tos is outside 0-255
	ErrInvalidTOS = errors.New("invalid probe tos")
	// ErrInvalidPort is returned when the probe port is outside 0-65535
	ErrInvalidPort = errors.New("invalid probe port")
	// ErrInvalidMaxLineLength is returned when the line cap is not positive
	ErrInvalidMaxLineLength = errors.New("invalid max line length")
	// ErrInvalidMaxSize is returned when the size limit is outside 0-65000
	ErrInvalidMaxSize = errors.New("invalid max size")
	// ErrInvalidLogLevel is returned when the log level is unknown
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat is returned when the log format is unknown
	ErrInvalidLogFormat = errors.New("invalid log format")
	// ErrInvalidSummaryFormat is returned when the summary format is unknown
	ErrInvalidSummaryFormat = errors.New("invalid summary format")
)
