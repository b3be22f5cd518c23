// Package config provides configuration file support for poros-packet.
//
// The file is read after privileges are dropped, so it can live anywhere
// the invoking user can read. Every key can be overridden from the
// environment with the POROS_PACKET_ prefix, e.g. POROS_PACKET_PROBE_TTL.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/command"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "POROS_PACKET"

// Config represents the poros-packet configuration file structure.
type Config struct {
	// Probe holds the session defaults until a SET changes them
	Probe ProbeConfig `yaml:"probe" mapstructure:"probe"`

	// Protocol bounds the command protocol
	Protocol ProtocolConfig `yaml:"protocol" mapstructure:"protocol"`

	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Summary SummaryConfig `yaml:"summary" mapstructure:"summary"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// File is the file the configuration was read from, if any
	File string `yaml:"-" mapstructure:"-"`
}

// ProbeConfig holds default values for probe parameters.
type ProbeConfig struct {
	// Protocol: icmp, udp, tcp
	Protocol string        `yaml:"protocol" mapstructure:"protocol"`
	TTL      int           `yaml:"ttl" mapstructure:"ttl"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Size     int           `yaml:"size" mapstructure:"size"`
	TOS      int           `yaml:"tos" mapstructure:"tos"`

	// Port is the destination port; 0 uses the protocol default
	Port int `yaml:"port" mapstructure:"port"`
}

// ProtocolConfig holds limits of the command protocol.
type ProtocolConfig struct {
	MaxLineLength int `yaml:"max_line_length" mapstructure:"max_line_length"`
	MaxSize       int `yaml:"max_size" mapstructure:"max_size"`
}

// LogConfig selects the diagnostics written to stderr.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SummaryConfig controls the statistics printed at exit.
type SummaryConfig struct {
	// Format: text, table, json, csv; empty disables the summary
	Format string `yaml:"format" mapstructure:"format"`

	// File receives the summary instead of stderr
	File string `yaml:"file" mapstructure:"file"`

	// Resolve looks up reverse DNS names of the hops before printing
	Resolve bool `yaml:"resolve" mapstructure:"resolve"`
}

// MetricsConfig controls the metrics written at exit.
type MetricsConfig struct {
	// Textfile is a node-exporter textfile collector path
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	settings := command.DefaultSettings()
	return &Config{
		Probe: ProbeConfig{
			Protocol: settings.Protocol.String(),
			TTL:      settings.TTL,
			Timeout:  settings.Timeout,
			Size:     settings.Size,
			TOS:      settings.TOS,
			Port:     0, // 0 means use default for protocol
		},
		Protocol: ProtocolConfig{
			MaxLineLength: command.DefaultMaxLineLength,
			MaxSize:       command.DefaultMaxSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration from path, or from the first file found in
// the default locations when path is empty. Missing files in the default
// locations are not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("probe.protocol", d.Probe.Protocol)
	v.SetDefault("probe.ttl", d.Probe.TTL)
	v.SetDefault("probe.timeout", d.Probe.Timeout)
	v.SetDefault("probe.size", d.Probe.Size)
	v.SetDefault("probe.tos", d.Probe.TOS)
	v.SetDefault("probe.port", d.Probe.Port)
	v.SetDefault("protocol.max_line_length", d.Protocol.MaxLineLength)
	v.SetDefault("protocol.max_size", d.Protocol.MaxSize)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("summary.format", d.Summary.Format)
	v.SetDefault("summary.file", d.Summary.File)
	v.SetDefault("summary.resolve", d.Summary.Resolve)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// Settings converts the probe section into session settings. The config
// must be valid.
func (c *Config) Settings() command.Settings {
	p, err := probe.ParseProtocol(c.Probe.Protocol)
	if err != nil {
		p = probe.ProtocolICMP
	}
	return command.Settings{
		Protocol: p,
		TTL:      c.Probe.TTL,
		Timeout:  c.Probe.Timeout,
		Size:     c.Probe.Size,
		TOS:      c.Probe.TOS,
		Port:     c.Probe.Port,
	}
}

// Limits returns the parser limits.
func (c *Config) Limits() command.Limits {
	return command.Limits{MaxSize: c.Protocol.MaxSize}
}

// SaveTo writes the configuration to a specific file path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Save writes the configuration to the default user config path.
func (c *Config) Save() error {
	return c.SaveTo(getUserConfigPath())
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("# invalid configuration: %v\n", err)
	}
	return string(data)
}

// findConfigFile returns the first existing file of the search list.
func findConfigFile() string {
	for _, path := range getConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		} else if !errors.Is(err, fs.ErrNotExist) {
			// Unreadable candidates are reported by ReadInConfig
			return path
		}
	}
	return ""
}

// getConfigPaths returns the list of config file paths to search.
func getConfigPaths() []string {
	paths := []string{
		"poros-packet.yaml",
		"poros-packet.yml",
		".poros-packet.yaml",
	}

	if userPath := getUserConfigPath(); userPath != "" {
		paths = append(paths, userPath)
	}

	return paths
}

// getUserConfigPath returns the user-specific config file path.
func getUserConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "poros-packet", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "poros-packet", "config.yaml")
}

// GetConfigPath returns the path where user config would be saved.
func GetConfigPath() string {
	return getUserConfigPath()
}

// GenerateExample generates an example configuration file content.
func GenerateExample() string {
	return `# poros-packet configuration file
# Location: ~/.config/poros-packet/config.yaml
#           ./poros-packet.yaml (current directory)
# Every key can be overridden with POROS_PACKET_<SECTION>_<KEY>.

probe:
  # Defaults for PROBE until changed with SET
  protocol: icmp          # icmp, udp or tcp
  ttl: 30
  timeout: 10s            # at most 60s
  size: 0                 # payload bytes
  tos: 0
  port: 0                 # 0 = 33434 for udp, 80 for tcp

protocol:
  max_line_length: 4096   # longer command lines are rejected
  max_size: 1400          # largest accepted size=

log:
  level: info             # debug, info, warn, error
  format: text            # text or json, always on stderr

summary:
  format: ""              # text, table, json or csv; empty disables
  file: ""                # write the summary here instead of stderr
  resolve: false          # reverse DNS names for the hops

metrics:
  textfile: ""            # node-exporter textfile collector path
`
}
