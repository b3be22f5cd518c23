package command

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"syscall"
)

const (
	// DefaultMaxLineLength caps a buffered line that has no newline yet
	DefaultMaxLineLength = 4096

	readSize = 4096
)

var (
	// ErrInputClosed is returned by ReadAvailable once the input reached
	// end of file or the pipe broke. It is not a protocol error.
	ErrInputClosed = errors.New("command input closed")

	// ErrLineTooLong marks a frame whose line exceeded the length cap
	ErrLineTooLong = errors.New("command line too long")
)

// Frame is one line taken from the input, or the marker of a line that was
// discarded because it was too long.
type Frame struct {
	Line string
	Err  error
}

// Channel frames the command input into lines and buffers responses for the
// output. It is driven by a single event loop; reads only happen when the
// input is readable.
type Channel struct {
	r io.Reader
	w io.Writer

	maxLine int
	readBuf []byte

	partial     []byte
	discarding  bool
	frames      []Frame
	inputClosed bool

	out          []byte
	outputClosed bool
}

// NewChannel creates a channel reading commands from r and writing
// responses to w. maxLine <= 0 selects DefaultMaxLineLength.
func NewChannel(r io.Reader, w io.Writer, maxLine int) *Channel {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Channel{
		r:       r,
		w:       w,
		maxLine: maxLine,
		readBuf: make([]byte, readSize),
	}
}

// ReadAvailable performs one read and frames every complete line it
// finishes. At end of file or on a broken pipe it marks the input closed,
// drops any unterminated line, and returns ErrInputClosed.
func (c *Channel) ReadAvailable() error {
	if c.inputClosed {
		return ErrInputClosed
	}

	n, err := c.r.Read(c.readBuf)
	if n > 0 {
		c.frame(c.readBuf[:n])
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, syscall.EPIPE):
		c.closeInput()
		return ErrInputClosed
	default:
		// Any other read error leaves the descriptor unusable
		c.closeInput()
		return fmt.Errorf("%w: %v", ErrInputClosed, err)
	}
}

func (c *Channel) closeInput() {
	c.inputClosed = true
	c.partial = nil
	c.discarding = false
}

// frame splits data into lines, keeping an unterminated tail for the next
// read.
func (c *Channel) frame(data []byte) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			c.buffer(data)
			return
		}

		chunk := data[:i]
		data = data[i+1:]

		if c.discarding {
			c.discarding = false
			continue
		}
		if len(c.partial)+len(chunk) > c.maxLine {
			c.partial = c.partial[:0]
			c.frames = append(c.frames, Frame{Err: ErrLineTooLong})
			continue
		}

		line := append(c.partial, chunk...)
		c.partial = c.partial[:0]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		c.frames = append(c.frames, Frame{Line: string(line)})
	}
}

// buffer keeps an unterminated tail. Once it outgrows the cap the line is
// reported and everything up to the next newline is dropped.
func (c *Channel) buffer(data []byte) {
	if c.discarding {
		return
	}
	if len(c.partial)+len(data) > c.maxLine {
		c.partial = c.partial[:0]
		c.discarding = true
		c.frames = append(c.frames, Frame{Err: ErrLineTooLong})
		return
	}
	c.partial = append(c.partial, data...)
}

// Commands returns the frames read so far and clears them.
func (c *Channel) Commands() []Frame {
	frames := c.frames
	c.frames = nil
	return frames
}

// InputClosed reports whether the input reached end of file.
func (c *Channel) InputClosed() bool {
	return c.inputClosed
}

// Enqueue appends a response line to the output buffer. Responses are
// dropped once the output failed.
func (c *Channel) Enqueue(r fmt.Stringer) {
	c.EnqueueBytes([]byte(r.String()))
}

// EnqueueBytes appends one line of raw output.
func (c *Channel) EnqueueBytes(line []byte) {
	if c.outputClosed {
		return
	}
	c.out = append(c.out, line...)
	c.out = append(c.out, '\n')
}

// FlushAvailable writes the pending output. A write error drops the buffer,
// stops further output and is returned once: nobody is left to read it.
func (c *Channel) FlushAvailable() error {
	if len(c.out) == 0 || c.outputClosed {
		return nil
	}

	n, err := c.w.Write(c.out)
	if err != nil {
		c.out = nil
		c.outputClosed = true
		return fmt.Errorf("write responses: %w", err)
	}
	c.out = c.out[n:]
	if len(c.out) == 0 {
		c.out = nil
	}
	return nil
}

// Pending returns the number of buffered output bytes.
func (c *Channel) Pending() int {
	return len(c.out)
}

// OutputClosed reports whether writing responses failed.
func (c *Channel) OutputClosed() bool {
	return c.outputClosed
}
