package output

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
	"github.com/fatih/color"
)

// TextFormatter formats the session in classic traceroute style, one block
// per path.
type TextFormatter struct {
	config Config
	colors *ColorScheme
}

// NewTextFormatter creates a new text formatter.
func NewTextFormatter(config Config) *TextFormatter {
	var colors *ColorScheme
	if config.Colors {
		colors = DefaultColorScheme()
	}

	return &TextFormatter{
		config: config,
		colors: colors,
	}
}

// Format formats the session as text.
func (f *TextFormatter) Format(session *trace.Session) ([]byte, error) {
	var buf bytes.Buffer

	header := fmt.Sprintf("session: %d probes, %d replies, %d timeouts, %d errors in %.3fs\n",
		session.Probes, session.Replies, session.Timeouts, session.Errors,
		session.Duration().Seconds())
	if f.colors != nil {
		header = f.colors.Header.Sprint(header)
	}
	buf.WriteString(header)

	for i := range session.Paths {
		buf.WriteString("\n")
		f.formatPath(&buf, &session.Paths[i])
	}

	return buf.Bytes(), nil
}

func (f *TextFormatter) formatPath(buf *bytes.Buffer, path *trace.Path) {
	fmt.Fprintf(buf, "%s to %s\n", path.Protocol, path.Target)

	for i := range path.Hops {
		f.formatHop(buf, &path.Hops[i])
	}

	if path.Reached {
		fmt.Fprintf(buf, "Reached. %d hops, %.2f ms, %.1f%% loss\n",
			path.Summary.TotalHops, path.Summary.TotalTimeMs, path.Summary.PacketLossPercent)
	} else {
		fmt.Fprintf(buf, "Not reached after %d hops, %.1f%% loss\n",
			path.Summary.TotalHops, path.Summary.PacketLossPercent)
	}
}

// FormatHop formats a single hop and returns it as a string.
func (f *TextFormatter) FormatHop(hop *trace.Hop) string {
	var buf bytes.Buffer
	f.formatHop(&buf, hop)
	return buf.String()
}

// formatHop formats a single hop line.
func (f *TextFormatter) formatHop(buf *bytes.Buffer, hop *trace.Hop) {
	// Hop number
	hopNum := fmt.Sprintf("%3d  ", hop.Number)
	if f.colors != nil {
		hopNum = f.colors.Hop.Sprint(hopNum)
	}
	buf.WriteString(hopNum)

	// No response
	if !hop.Responded {
		n := max(len(hop.RTTs), 1)
		timeout := strings.TrimSpace(strings.Repeat("* ", n))
		if f.colors != nil {
			timeout = f.colors.Timeout.Sprint(timeout)
		}
		buf.WriteString(timeout)
		buf.WriteString("\n")
		return
	}

	ipStr := hop.IP.String()
	if hop.Hostname != "" {
		ipStr = fmt.Sprintf("%s (%s)", hop.Hostname, ipStr)
	}
	if f.colors != nil {
		ipStr = f.colors.IP.Sprint(ipStr)
	}
	fmt.Fprintf(buf, "%s  ", ipStr)

	for _, rtt := range hop.RTTs {
		if rtt < 0 {
			timeout := "*"
			if f.colors != nil {
				timeout = f.colors.Timeout.Sprint(timeout)
			}
			fmt.Fprintf(buf, "%s  ", timeout)
		} else {
			fmt.Fprintf(buf, "%s  ", f.colorizeRTT(rtt))
		}
	}

	if hop.Kind == "unreachable" {
		kind := "!U"
		if f.colors != nil {
			kind = f.colors.Timeout.Sprint(kind)
		}
		buf.WriteString(kind)
	}

	buf.WriteString("\n")
}

// colorizeRTT returns a colored RTT string based on latency thresholds.
func (f *TextFormatter) colorizeRTT(rtt float64) string {
	str := fmt.Sprintf("%.3f ms", rtt)
	if f.colors == nil {
		return str
	}

	switch {
	case rtt < 50:
		return f.colors.RTTLow.Sprint(str)
	case rtt < 150:
		return f.colors.RTTMed.Sprint(str)
	default:
		return f.colors.RTTHigh.Sprint(str)
	}
}

// ContentType returns the MIME type for text output.
func (f *TextFormatter) ContentType() string {
	return "text/plain"
}

// FileExtension returns the file extension for text output.
func (f *TextFormatter) FileExtension() string {
	return "txt"
}

// ColorScheme defines colors for different output elements.
type ColorScheme struct {
	Hop     *color.Color
	IP      *color.Color
	RTTLow  *color.Color // < 50ms
	RTTMed  *color.Color // 50-150ms
	RTTHigh *color.Color // > 150ms
	Timeout *color.Color
	Header  *color.Color
}

// DefaultColorScheme returns the default color scheme.
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Hop:     color.New(color.FgCyan, color.Bold),
		IP:      color.New(color.FgWhite),
		RTTLow:  color.New(color.FgGreen),
		RTTMed:  color.New(color.FgYellow),
		RTTHigh: color.New(color.FgRed),
		Timeout: color.New(color.FgRed, color.Bold),
		Header:  color.New(color.FgWhite, color.Bold),
	}
}
