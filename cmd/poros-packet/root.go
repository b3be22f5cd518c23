//go:build linux || darwin || freebsd || netbsd || openbsd

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/command"
	"github.com/KilimcininKorOglu/poros-packet/internal/config"
	"github.com/KilimcininKorOglu/poros-packet/internal/engine"
	"github.com/KilimcininKorOglu/poros-packet/internal/enrich"
	"github.com/KilimcininKorOglu/poros-packet/internal/logger"
	"github.com/KilimcininKorOglu/poros-packet/internal/metrics"
	"github.com/KilimcininKorOglu/poros-packet/internal/netstate"
	"github.com/KilimcininKorOglu/poros-packet/internal/output"
	"github.com/KilimcininKorOglu/poros-packet/internal/privilege"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
	"github.com/spf13/cobra"
)

var (
	// Flags
	bindInterface string
	logLevel      string
	summaryFormat string
	summaryFile   string
	metricsFile   string
	resolve       bool

	// Config file
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "poros-packet [flags]",
	Short: "Privileged probe helper for network path diagnostics",
	Long: `poros-packet sends network probes on behalf of an unprivileged frontend.

It opens raw sockets, drops every privilege, then reads one command per
line on stdin and answers on stdout:

  PROBE token=1 target=10.0.0.1 ttl=3 protocol=udp
  CHECK token=2 feature=ip-6
  SET token=3 option=timeout value=2s

Probe outcomes are reported as RESULT, TIMEOUT or ERROR lines carrying the
command token. When stdin closes, outstanding probes are resolved and the
helper exits.

Examples:
  poros-packet                      Serve commands on stdin
  poros-packet -b eth0              Bind every probe socket to eth0
  poros-packet --summary table      Print a hop table on stderr at exit
  poros-packet --summary text --resolve
                                    Same, with reverse DNS names
  poros-packet config --init        Create default config file`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHelper,
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.config/poros-packet/config.yaml)")

	rootCmd.Flags().StringVarP(&bindInterface, "bind-interface", "b", "", "Bind probe sockets to the named network interface")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&summaryFormat, "summary", "", "Print a session summary at exit: text, table, json, csv")
	rootCmd.Flags().StringVar(&summaryFile, "summary-file", "", "Write the session summary to a file instead of stderr")
	rootCmd.Flags().BoolVar(&resolve, "resolve", false, "Look up reverse DNS names of the hops in the summary")
	rootCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile at exit")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// runHelper acquires the sockets, drops privileges and serves commands.
// Nothing from stdin or the config file is looked at before the drop.
func runHelper(cmd *cobra.Command, args []string) error {
	// Output write failures must surface as EPIPE, not kill the process
	signal.Ignore(syscall.SIGPIPE)

	sockets, err := probe.OpenSockets(bindInterface)
	if err != nil {
		if probe.IsPermissionError(err) {
			return fmt.Errorf("failed to open probe sockets: %w (run as root, setuid root, or with cap_net_raw)", err)
		}
		return fmt.Errorf("failed to open probe sockets: %w", err)
	}

	if err := privilege.DropProcess(); err != nil {
		_ = sockets.Close()
		return fmt.Errorf("failed to drop privileges: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		_ = sockets.Close()
		return err
	}

	log := logger.NewLogger(logger.NewHandler(os.Stderr, cfg.Log.Format, cfg.Log.Level))
	ctx := logger.IntoContext(cmd.Context(), log)

	if err := cfg.Validate(ctx); err != nil {
		_ = sockets.Close()
		return err
	}
	if cfg.File != "" {
		log.Debug("Using config file", "path", cfg.File)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	state := netstate.New(sockets,
		netstate.WithMetrics(m),
		netstate.WithLogger(log),
	)
	defer state.Close()

	channel := command.NewChannel(os.Stdin, os.Stdout, cfg.Protocol.MaxLineLength)
	recorder := trace.NewRecorder(time.Now())
	dispatcher := engine.NewDispatcher(state, channel,
		engine.WithSettings(cfg.Settings()),
		engine.WithLimits(cfg.Limits()),
		engine.WithVersion(version),
		engine.WithMetrics(m),
		engine.WithRecorder(recorder),
		engine.WithLogger(log),
	)
	waiter := engine.NewPollWaiter()
	release, err := waiter.WakeOnDone(ctx)
	if err != nil {
		return err
	}
	defer release()

	loop := engine.NewLoop(state, channel, dispatcher, waiter, int(os.Stdin.Fd()), log)

	log.Debug("Serving commands",
		"bind_interface", bindInterface,
		"ipv6", state.SupportsProtocol(probe.ProtocolICMP, true),
	)
	runErr := loop.Run(ctx)

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			log.Error("Failed to write metrics", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
	if cfg.Summary.Format != "" {
		writeSummary(ctx, log, cfg.Summary, recorder)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return errors.New("interrupted")
		}
		return runErr
	}
	return nil
}

// loadConfig reads the config file and applies the flags that override it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("summary") {
		cfg.Summary.Format = summaryFormat
	}
	if flags.Changed("summary-file") {
		cfg.Summary.File = summaryFile
	}
	if flags.Changed("resolve") {
		cfg.Summary.Resolve = resolve
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.Textfile = metricsFile
	}
	return cfg, nil
}

// writeSummary renders the session statistics. Failures are logged only:
// the protocol work is already done.
func writeSummary(ctx context.Context, log *slog.Logger, sc config.SummaryConfig, recorder *trace.Recorder) {
	session, err := recorder.Build(time.Now())
	if errors.Is(err, trace.ErrNoProbes) {
		log.Info("No probes were sent, skipping summary")
		return
	}
	if err != nil {
		log.Error("Failed to build summary", "error", err)
		return
	}

	if sc.Resolve {
		resolver := enrich.NewRDNSResolver(enrich.DefaultRDNSConfig())
		resolver.Annotate(ctx, session)
		_ = resolver.Close()
	}

	format, err := output.ParseFormat(sc.Format)
	if err != nil {
		log.Error("Failed to write summary", "error", err)
		return
	}

	if sc.File != "" {
		formatter := output.NewFormatter(format, output.Config{Colors: false})
		if err := output.WriteToFile(session, sc.File, formatter); err != nil {
			log.Error("Failed to write summary", "path", sc.File, "error", err)
		}
		return
	}

	if err := output.NewWriter(format, output.DefaultConfig(), os.Stderr).Write(session); err != nil {
		log.Error("Failed to write summary", "error", err)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("poros-packet %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", date)
		fmt.Printf("  Config: %s\n", config.GetConfigPath())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage the poros-packet configuration file.

Commands:
  poros-packet config --init      Create default config file
  poros-packet config --show      Show the effective configuration
  poros-packet config --example   Show a commented example file
  poros-packet config --path      Show config file path`,
	RunE: runConfig,
}

var (
	configInit    bool
	configShow    bool
	configExample bool
	configPath    bool
)

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "Create default config file")
	configCmd.Flags().BoolVar(&configShow, "show", false, "Show the effective configuration")
	configCmd.Flags().BoolVar(&configExample, "example", false, "Show a commented example file")
	configCmd.Flags().BoolVar(&configPath, "path", false, "Show config file path")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configPath {
		fmt.Println(config.GetConfigPath())
		return nil
	}

	if configInit {
		path := config.GetConfigPath()

		// Check if file already exists
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}

		cfg := config.DefaultConfig()
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to create config: %w", err)
		}

		fmt.Printf("Created config file: %s\n", path)
		return nil
	}

	if configShow {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.File != "" {
			fmt.Printf("# %s\n", cfg.File)
		}
		fmt.Print(cfg.String())
		return cfg.Validate(cmd.Context())
	}

	if configExample {
		fmt.Print(config.GenerateExample())
		return nil
	}

	// No flag specified, show help
	return cmd.Help()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets version information for the CLI.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}
