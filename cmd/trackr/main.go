package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	acquireFlags := &AcquireFlags{}
	emergencyFlags := &EmergencyFlags{}
	watchFlags := &WatchFlags{}

	root := createRootCommand(globalFlags)
	trackrCommand := command{flags: globalFlags, out: root.OutOrStdout}

	root.AddCommand(
		createServeCommand(globalFlags),
		createCollectorCommand(),
		createStartCommand(trackrCommand),
		createStopCommand(trackrCommand),
		createStatusCommand(trackrCommand),
		createAcquireCommand(trackrCommand, acquireFlags),
		createEmergencyCommand(trackrCommand, emergencyFlags),
		createWatchCommand(trackrCommand, watchFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "trackr",
		Short: "Location tracking session coordinator",
		Long: `Trackr records a tracked route session from a device location provider and
forwards every point to a remote collector. It also serves single-shot position reads
and a remotely acknowledged emergency flag.

Examples:
  trackr serve --config=trackr.toml     # Start daemon
  trackr start                          # Start a tracking session
  trackr watch                          # Follow accepted samples
  trackr acquire --timeout=2s           # One position, or time out
  trackr status --api-url=http://remote:8787/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8787/api, or from --config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate to trust for an HTTPS daemon")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the trackr daemon",
		Long: `Start the trackr daemon serving the session API.
Without a config file the built-in defaults and a simulated provider are used; --user
is then required.

Examples:
  trackr serve --config=trackr.toml
  trackr serve --user=courier-7
  trackr serve trackr.toml --daemonize --pidfile=/run/trackr.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&serveFlags.UserID, "user", "", "user id (overrides user_id from config)")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().BoolVar(&serveFlags.NonBlocking, "non-blocking", false, "start and shut down immediately (smoke test)")
	_ = cmd.Flags().MarkHidden("non-blocking")

	return cmd
}

// createCollectorCommand runs the in-memory collector stub
func createCollectorCommand() *cobra.Command {
	collectorFlags := &CollectorFlags{}

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run an in-memory remote collector for local testing",
		Long: `Run a collector that accepts positions, historic points, emergency toggles and
terminations, keeping them in memory. GET /debug/writes returns everything received.

Examples:
  trackr collector --listen=127.0.0.1:9090
  trackr collector --listen=:9090 --token=secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollector(cmd.Context(), *collectorFlags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&collectorFlags.Listen, "listen", "127.0.0.1:9090", "listen address")
	cmd.Flags().StringVar(&collectorFlags.Token, "token", "", "require this bearer token")

	return cmd
}

func createStartCommand(trackrCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a tracking session",
		Long: `Start a tracking session on the daemon. A session already running is reported
unchanged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return trackrCommand.Start(cmd.Context())
		},
	}
}

func createStopCommand(trackrCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tracking session and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return trackrCommand.Stop(cmd.Context())
		},
	}
}

func createStatusCommand(trackrCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return trackrCommand.Status(cmd.Context())
		},
	}
}

func createAcquireCommand(trackrCommand command, acquireFlags *AcquireFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Read a single position",
		Long: `Read exactly one position, independently of the tracking session.

Examples:
  trackr acquire
  trackr acquire --timeout=2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return trackrCommand.Acquire(cmd.Context(), *acquireFlags)
		},
	}
	cmd.Flags().DurationVar(&acquireFlags.Timeout, "timeout", 0, "give up after this long (default: daemon setting)")
	return cmd
}

func createEmergencyCommand(trackrCommand command, emergencyFlags *EmergencyFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Show or toggle the emergency flag",
		Long: `Show the emergency flag, or change it with --on/--off. The change only takes
effect when the collector acknowledges it.

Examples:
  trackr emergency
  trackr emergency --on`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return trackrCommand.Emergency(cmd.Context(), *emergencyFlags)
		},
	}
	cmd.Flags().BoolVar(&emergencyFlags.On, "on", false, "activate the emergency flag")
	cmd.Flags().BoolVar(&emergencyFlags.Off, "off", false, "clear the emergency flag")
	cmd.MarkFlagsMutuallyExclusive("on", "off")
	return cmd
}

func createWatchCommand(trackrCommand command, watchFlags *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow samples accepted by the tracking session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return trackrCommand.Watch(cmd.Context(), *watchFlags)
		},
	}
	cmd.Flags().IntVar(&watchFlags.Count, "count", 0, "exit after this many samples")
	return cmd
}
