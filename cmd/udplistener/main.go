package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"udplistener/cmd/udplistener/internal/config"
	"udplistener/pkg/udperr"
)

const (
	serviceName    = "udplistener"
	serviceVersion = "0.1.0"
)

const (
	exitGeneral    = 1
	exitValidation = 2
	exitPort       = 3
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type app struct {
	stdout, stderr io.Writer

	configPath string
	traces     string
	logLevel   string
	logOutput  string

	cfg      *config.Config
	shutdown func(context.Context) error
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.shutdown != nil {
		if serr := a.shutdown(ctx); serr != nil {
			fmt.Fprintf(stderr, "telemetry shutdown: %v\n", serr)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Bind UDP endpoints and dispatch text commands",
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to YAML configuration file")
	flags.StringVar(&a.traces, "traces", "", "Trace exporter: none, stdout or otlp")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&a.logOutput, "log-output", "", "Log output: stdout, stderr or none")

	root.AddCommand(a.listenCmd(), a.sendCmd(), a.localIPCmd())
	return root
}

// init loads configuration, applies the global flag overrides and starts
// telemetry.
func (a *app) init(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("traces") {
		cfg.Telemetry.Traces = a.traces
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-output") {
		cfg.Logging.Output = a.logOutput
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return err
	}
	if err := cfg.Logging.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	shutdown, err := setupOtelSDK(cmd.Context(), cfg, a.stdout, a.stderr)
	a.shutdown = shutdown
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	return nil
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, udperr.ErrValidation):
		return exitValidation
	case errors.Is(err, udperr.ErrBind), errors.Is(err, udperr.ErrPortInUse), errors.Is(err, udperr.ErrPortExhausted):
		return exitPort
	default:
		return exitGeneral
	}
}
