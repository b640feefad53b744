package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	configcmd "github.com/tphakala/audiomixer/cmd/config"
	"github.com/tphakala/audiomixer/cmd/devices"
	"github.com/tphakala/audiomixer/cmd/mix"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/conf"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
	"github.com/tphakala/audiomixer/internal/observability"
)

// sentryFlushTimeout bounds how long pending error reports are sent on exit.
const sentryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command. Settings are loaded
// before any subcommand runs, after flags have been parsed.
func RootCommand() *cobra.Command {
	settings := conf.Defaults()
	var configPath string
	var cleanup []func()

	rootCmd := &cobra.Command{
		Use:           "audiomixer",
		Short:         "Per-listener audio mixer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configPath); err != nil {
		// Only fails on programming errors in flag names
		panic(err)
	}

	rootCmd.AddCommand(
		mix.Command(settings),
		devices.Command(),
		configcmd.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			conf.SetConfigFile(configPath)
		}
		loaded, err := conf.Load()
		if err != nil {
			return err
		}
		*settings = *loaded

		closers, err := initialize(cmd, settings)
		cleanup = closers
		return err
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
// and binds them to their configuration keys.
func setupFlags(rootCmd *cobra.Command, configPath *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configPath, "config", "c", "", "Path to config.yaml")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("loglevel", "", "Log level (trace, debug, info, warn, error)")
	flags.Bool("metrics", false, "Serve Prometheus metrics")
	flags.String("metrics-listen", "", "Listen address of the metrics endpoint")

	bindings := map[string]string{
		"debug":          "debug",
		"loglevel":       "log.level",
		"metrics":        "metrics.enabled",
		"metrics-listen": "metrics.listen",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// initialize sets up logging, telemetry and metrics for the loaded settings.
// The returned functions release what was set up, in reverse order.
func initialize(cmd *cobra.Command, settings *conf.Settings) ([]func(), error) {
	var cleanup []func()

	closeLog, err := logging.Configure(&settings.Log)
	if err != nil {
		return cleanup, err
	}
	cleanup = append(cleanup, func() { _ = closeLog() })
	if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}

	logger := logging.ForService("cmd")
	if logger == nil {
		logger = slog.Default()
	}

	if settings.Telemetry.Enabled {
		if err := initTelemetry(&settings.Telemetry); err != nil {
			// Telemetry is optional, run without it
			logger.Warn("error reporting disabled", "error", err)
		} else {
			cleanup = append(cleanup, func() {
				errors.SetTelemetryReporter(nil)
				sentry.Flush(sentryFlushTimeout)
			})
		}
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return cleanup, err
	}
	audiocore.InitMetrics(metrics.Mixer)

	if settings.Metrics.Enabled {
		endpoint, err := observability.NewEndpoint(&settings.Metrics, metrics)
		if err != nil {
			return cleanup, err
		}
		if _, err := endpoint.Start(cmd.Context()); err != nil {
			return cleanup, err
		}
	}

	logger.Debug("initialized",
		"command", cmd.Name(),
		"mix_format", audiocore.FormatFromSettings(settings.Mixer.Format).String(),
		"metrics", settings.Metrics.Enabled,
		"telemetry", settings.Telemetry.Enabled)
	return cleanup, nil
}

// initTelemetry starts the Sentry client and routes enhanced errors to it.
func initTelemetry(settings *conf.TelemetrySettings) error {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		Environment:      settings.Environment,
		SampleRate:       1.0,
		AttachStacktrace: false,
		ServerName:       "",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			// Strip host identifying data
			event.User = sentry.User{}
			event.ServerName = ""
			delete(event.Contexts, "device")
			delete(event.Contexts, "os")
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	return nil
}
