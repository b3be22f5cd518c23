package output

import (
	"io"
	"os"

	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
	"github.com/mattn/go-isatty"
)

// Writer handles output formatting and writing.
type Writer struct {
	formatter Formatter
	output    io.Writer
	isTTY     bool
}

// NewWriter creates a writer for out. Colors are turned off unless out is a
// terminal.
func NewWriter(format Format, config Config, out io.Writer) *Writer {
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = isTerminal(f)
	}
	if !isTTY {
		config.Colors = false
	}

	return &Writer{
		formatter: NewFormatter(format, config),
		output:    out,
		isTTY:     isTTY,
	}
}

// NewWriterWithFormatter creates a writer with a specific formatter.
func NewWriterWithFormatter(formatter Formatter, output io.Writer) *Writer {
	isTTY := false
	if f, ok := output.(*os.File); ok {
		isTTY = isTerminal(f)
	}

	return &Writer{
		formatter: formatter,
		output:    output,
		isTTY:     isTTY,
	}
}

// Write formats and writes the session summary.
func (w *Writer) Write(session *trace.Session) error {
	data, err := w.formatter.Format(session)
	if err != nil {
		return err
	}

	_, err = w.output.Write(data)
	return err
}

// IsTTY returns whether the output is a terminal.
func (w *Writer) IsTTY() bool {
	return w.isTTY
}

// Formatter returns the underlying formatter.
func (w *Writer) Formatter() Formatter {
	return w.formatter
}

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// WriteToFile writes the session summary to a file.
func WriteToFile(session *trace.Session, filename string, formatter Formatter) error {
	data, err := formatter.Format(session)
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
