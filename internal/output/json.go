package output

import (
	"encoding/json"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
)

// JSONFormatter formats the session as JSON.
type JSONFormatter struct {
	config Config
	pretty bool
}

// NewJSONFormatter creates a new JSON formatter.
func NewJSONFormatter(config Config) *JSONFormatter {
	return &JSONFormatter{
		config: config,
		pretty: true, // Default to pretty-printed
	}
}

// NewJSONFormatterCompact creates a JSON formatter with compact output.
func NewJSONFormatterCompact(config Config) *JSONFormatter {
	return &JSONFormatter{
		config: config,
		pretty: false,
	}
}

// SetPretty enables or disables pretty-printing.
func (f *JSONFormatter) SetPretty(pretty bool) {
	f.pretty = pretty
}

// Format formats the session as JSON.
func (f *JSONFormatter) Format(session *trace.Session) ([]byte, error) {
	output := f.toJSONOutput(session)

	var (
		data []byte
		err  error
	)
	if f.pretty {
		data, err = json.MarshalIndent(output, "", "  ")
	} else {
		data, err = json.Marshal(output)
	}
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// JSONOutput is the JSON-serializable representation of a session.
type JSONOutput struct {
	Started  string     `json:"started"`
	Ended    string     `json:"ended"`
	Probes   int        `json:"probes"`
	Replies  int        `json:"replies"`
	Timeouts int        `json:"timeouts"`
	Errors   int        `json:"errors"`
	Paths    []JSONPath `json:"paths"`
}

// JSONPath represents the hops towards one target.
type JSONPath struct {
	Target   string      `json:"target"`
	Protocol string      `json:"protocol"`
	Reached  bool        `json:"reached"`
	Hops     []JSONHop   `json:"hops"`
	Summary  JSONSummary `json:"summary"`
}

// JSONHop represents a single hop in JSON format.
type JSONHop struct {
	Hop         int       `json:"hop"`
	IP          string    `json:"ip,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	RTTs        []float64 `json:"rtts"`
	AvgRTT      float64   `json:"avg_rtt_ms"`
	MinRTT      float64   `json:"min_rtt_ms"`
	MaxRTT      float64   `json:"max_rtt_ms"`
	Jitter      float64   `json:"jitter_ms"`
	LossPercent float64   `json:"loss_percent"`
	Responded   bool      `json:"responded"`
}

// JSONSummary represents path summary in JSON format.
type JSONSummary struct {
	TotalHops         int     `json:"total_hops"`
	TotalTimeMs       float64 `json:"total_time_ms"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
}

// toJSONOutput converts a Session to JSONOutput.
func (f *JSONFormatter) toJSONOutput(session *trace.Session) *JSONOutput {
	output := &JSONOutput{
		Started:  session.Started.Format(time.RFC3339),
		Ended:    session.Ended.Format(time.RFC3339),
		Probes:   session.Probes,
		Replies:  session.Replies,
		Timeouts: session.Timeouts,
		Errors:   session.Errors,
		Paths:    make([]JSONPath, len(session.Paths)),
	}

	for i, path := range session.Paths {
		jp := JSONPath{
			Target:   path.Target.String(),
			Protocol: path.Protocol,
			Reached:  path.Reached,
			Hops:     make([]JSONHop, len(path.Hops)),
			Summary: JSONSummary{
				TotalHops:         path.Summary.TotalHops,
				TotalTimeMs:       roundFloat(path.Summary.TotalTimeMs, 3),
				PacketLossPercent: roundFloat(path.Summary.PacketLossPercent, 1),
			},
		}
		for j := range path.Hops {
			jp.Hops[j] = f.toJSONHop(&path.Hops[j])
		}
		output.Paths[i] = jp
	}

	return output
}

// toJSONHop converts a Hop to JSONHop.
func (f *JSONFormatter) toJSONHop(hop *trace.Hop) JSONHop {
	jh := JSONHop{
		Hop:         hop.Number,
		Hostname:    hop.Hostname,
		Kind:        hop.Kind,
		RTTs:        hop.RTTs,
		AvgRTT:      roundFloat(hop.AvgRTT, 3),
		MinRTT:      roundFloat(hop.MinRTT, 3),
		MaxRTT:      roundFloat(hop.MaxRTT, 3),
		Jitter:      roundFloat(hop.Jitter, 3),
		LossPercent: roundFloat(hop.LossPercent, 1),
		Responded:   hop.Responded,
	}

	if hop.IP.IsValid() {
		jh.IP = hop.IP.String()
	}

	return jh
}

// ContentType returns the MIME type for JSON output.
func (f *JSONFormatter) ContentType() string {
	return "application/json"
}

// FileExtension returns the file extension for JSON output.
func (f *JSONFormatter) FileExtension() string {
	return "json"
}

// Helper function to round floats
func roundFloat(val float64, precision int) float64 {
	if precision == 0 {
		return float64(int(val + 0.5))
	}
	p := float64(1)
	for i := 0; i < precision; i++ {
		p *= 10
	}
	return float64(int(val*p+0.5)) / p
}
