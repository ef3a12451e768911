package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/tandem/internal/config"
	"github.com/loykin/tandem/internal/logger"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/unit"
)

// errUnhealthy makes `tandem health` exit 1 without an extra error line.
var errUnhealthy = errors.New("unhealthy")

func main() {
	root := buildRoot()
	err := root.Execute()
	if err != nil && !errors.Is(err, errUnhealthy) && !errors.Is(err, unit.ErrStartup) {
		_, _ = fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(unit.ExitCode(err))
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createRunCommand(flags),
		createHealthCommand(flags),
		createStatusCommand(flags),
		createConfigCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tandem",
		Short: "Run an API backend and a web frontend as one container unit",
		Long: `Tandem resolves the unit's ports and public API URL, writes the
frontend's derived env file, then starts and supervises the backend and
frontend services until it receives SIGINT or SIGTERM.

Examples:
  tandem run                          # Start the unit with built-in defaults
  tandem run --config=/etc/tandem.toml
  tandem health                       # Exit 0 when the backend is healthy
  tandem status                       # Print unit and service status as JSON
  tandem config                       # Print the resolved configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML/YAML/JSON config file (optional)")
	return root
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start and supervise the unit until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			log, closer, err := logger.New(fc.Log, cmd.ErrOrStderr(), "tandem")
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				log.Warn("metrics registration failed", "error", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return unit.New(unit.Options{Config: fc, Logger: log}).Run(ctx)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
