package output

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
	"github.com/olekukonko/tablewriter"
)

// TableFormatter formats the session as one detailed table.
type TableFormatter struct {
	config Config
	colors *ColorScheme
}

// NewTableFormatter creates a new table formatter.
func NewTableFormatter(config Config) *TableFormatter {
	var colors *ColorScheme
	if config.Colors {
		colors = DefaultColorScheme()
	}

	return &TableFormatter{
		config: config,
		colors: colors,
	}
}

// Format formats the session as a table.
func (f *TableFormatter) Format(session *trace.Session) ([]byte, error) {
	var buf bytes.Buffer

	f.writeHeader(&buf, session)

	table := tablewriter.NewWriter(&buf)
	f.configureTable(table)
	table.SetHeader([]string{"Target", "Proto", "Hop", "IP Address", "Kind", "Avg", "Min", "Max", "Loss"})

	for _, path := range session.Paths {
		for i := range path.Hops {
			table.Append(f.formatHopRow(&path, &path.Hops[i]))
		}
	}

	table.Render()

	f.writeSummary(&buf, session)

	return buf.Bytes(), nil
}

// writeHeader writes the session header information.
func (f *TableFormatter) writeHeader(buf *bytes.Buffer, session *trace.Session) {
	header := fmt.Sprintf("Session: %s - %s\n\n",
		session.Started.Format("2006-01-02 15:04:05"),
		session.Ended.Format("2006-01-02 15:04:05"))

	if f.colors != nil {
		header = f.colors.Header.Sprint(header)
	}
	buf.WriteString(header)
}

// configureTable sets up the table appearance.
func (f *TableFormatter) configureTable(table *tablewriter.Table) {
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("│")
	table.SetColumnSeparator("│")
	table.SetRowSeparator("─")
	table.SetHeaderLine(true)
	table.SetTablePadding(" ")
}

// formatHopRow formats a single hop as a table row.
func (f *TableFormatter) formatHopRow(path *trace.Path, hop *trace.Hop) []string {
	row := []string{
		path.Target.String(),
		path.Protocol,
		strconv.Itoa(hop.Number),
	}

	if !hop.Responded {
		row = append(row, "*", "-")
	} else {
		row = append(row, hop.IP.String(), hop.Kind)
	}

	if hop.Responded {
		row = append(row,
			f.formatRTT(hop.AvgRTT),
			f.formatRTT(hop.MinRTT),
			f.formatRTT(hop.MaxRTT),
			fmt.Sprintf("%.0f%%", hop.LossPercent))
	} else {
		row = append(row, "-", "-", "-", fmt.Sprintf("%.0f%%", hop.LossPercent))
	}

	return row
}

// formatRTT formats an RTT value with optional coloring.
func (f *TableFormatter) formatRTT(rtt float64) string {
	if rtt <= 0 {
		return "-"
	}

	str := fmt.Sprintf("%.2f", rtt)

	if f.colors != nil {
		switch {
		case rtt < 50:
			str = f.colors.RTTLow.Sprint(str)
		case rtt < 150:
			str = f.colors.RTTMed.Sprint(str)
		default:
			str = f.colors.RTTHigh.Sprint(str)
		}
	}

	return str
}

// writeSummary writes the session counters and the state of each path.
func (f *TableFormatter) writeSummary(buf *bytes.Buffer, session *trace.Session) {
	buf.WriteString("\nSummary:\n")

	fmt.Fprintf(buf, "  Probes:        %d\n", session.Probes)
	fmt.Fprintf(buf, "  Replies:       %d\n", session.Replies)
	fmt.Fprintf(buf, "  Timeouts:      %d\n", session.Timeouts)
	fmt.Fprintf(buf, "  Errors:        %d\n", session.Errors)
	fmt.Fprintf(buf, "  Duration:      %.3f s\n", session.Duration().Seconds())

	for _, path := range session.Paths {
		status := "Incomplete"
		if path.Reached {
			status = "Complete"
		}
		if f.colors != nil {
			if path.Reached {
				status = f.colors.RTTLow.Sprint(status)
			} else {
				status = f.colors.RTTHigh.Sprint(status)
			}
		}
		fmt.Fprintf(buf, "  %-14s %s (%d hops, %.1f%% loss)\n",
			path.Target.String()+":", status, path.Summary.TotalHops, path.Summary.PacketLossPercent)
	}
}

// ContentType returns the MIME type for table output.
func (f *TableFormatter) ContentType() string {
	return "text/plain"
}

// FileExtension returns the file extension for table output.
func (f *TableFormatter) FileExtension() string {
	return "txt"
}
