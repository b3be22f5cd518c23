package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/KilimcininKorOglu/poros-packet/internal/command"
	"github.com/KilimcininKorOglu/poros-packet/internal/logger"
	"github.com/KilimcininKorOglu/poros-packet/internal/output"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
)

// maxSizeLimit keeps the largest probe inside one IPv4 datagram
const maxSizeLimit = 65000

// Validate checks every section and reports all problems at once.
func (c *Config) Validate(ctx context.Context) (err error) {
	log := logger.FromContext(ctx)

	if vErr := c.Protocol.Validate(); vErr != nil {
		log.Error("The protocol configuration is invalid", "error", vErr)
		err = errors.Join(err, vErr)
	}

	if vErr := c.Probe.Validate(c.Protocol.MaxSize); vErr != nil {
		log.Error("The probe configuration is invalid", "error", vErr)
		err = errors.Join(err, vErr)
	}

	if vErr := c.Log.Validate(); vErr != nil {
		log.Error("The log configuration is invalid", "error", vErr)
		err = errors.Join(err, vErr)
	}

	if c.Summary.Format != "" {
		if _, pErr := output.ParseFormat(c.Summary.Format); pErr != nil {
			log.Error("The summary format is unknown", "format", c.Summary.Format)
			err = errors.Join(err, ErrInvalidSummaryFormat)
		}
	}

	if err != nil {
		return fmt.Errorf("validation of configuration failed: %w", err)
	}
	return nil
}

// Validate validates the probe defaults against the size limit.
func (p *ProbeConfig) Validate(maxSize int) (err error) {
	if _, pErr := probe.ParseProtocol(p.Protocol); pErr != nil {
		err = errors.Join(err, fmt.Errorf("%w: %q", ErrInvalidProtocol, p.Protocol))
	}
	if !probe.ValidTTL(p.TTL) {
		err = errors.Join(err, fmt.Errorf("%w: %d", ErrInvalidTTL, p.TTL))
	}
	if p.Timeout <= 0 || p.Timeout > command.MaxTimeout {
		err = errors.Join(err, fmt.Errorf("%w: %s", ErrInvalidTimeout, p.Timeout))
	}
	if p.Size < 0 || p.Size > maxSize {
		err = errors.Join(err, fmt.Errorf("%w: %d (max %d)", ErrInvalidSize, p.Size, maxSize))
	}
	if p.TOS < 0 || p.TOS > 255 {
		err = errors.Join(err, fmt.Errorf("%w: %d", ErrInvalidTOS, p.TOS))
	}
	if p.Port < 0 || p.Port > 65535 {
		err = errors.Join(err, fmt.Errorf("%w: %d", ErrInvalidPort, p.Port))
	}
	return err
}

// Validate validates the protocol limits.
func (p *ProtocolConfig) Validate() (err error) {
	if p.MaxLineLength <= 0 {
		err = errors.Join(err, fmt.Errorf("%w: %d", ErrInvalidMaxLineLength, p.MaxLineLength))
	}
	if p.MaxSize < 0 || p.MaxSize > maxSizeLimit {
		err = errors.Join(err, fmt.Errorf("%w: %d", ErrInvalidMaxSize, p.MaxSize))
	}
	return err
}

// Validate validates the log settings.
func (l *LogConfig) Validate() (err error) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		err = errors.Join(err, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level))
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		err = errors.Join(err, fmt.Errorf("%w: %q", ErrInvalidLogFormat, l.Format))
	}
	return err
}
