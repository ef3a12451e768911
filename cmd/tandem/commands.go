package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/tandem/internal/config"
	"github.com/loykin/tandem/internal/env"
	"github.com/loykin/tandem/internal/process"
	"github.com/loykin/tandem/internal/unit"
	"github.com/loykin/tandem/pkg/client"
)

// APIFlags select the status server to query.
type APIFlags struct {
	Addr    string
	Timeout time.Duration
}

func (f *APIFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Addr, "addr", "", "status server address (default: server.listen from config)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 3*time.Second, "request timeout")
}

// client builds a status client; without --addr the configured listen
// address is used.
func (f *APIFlags) client(g *GlobalFlags) (*client.Client, error) {
	addr := f.Addr
	if addr == "" {
		fc, err := config.Load(g.ConfigPath)
		if err != nil {
			return nil, err
		}
		addr = fc.Server.Listen
	}
	if addr == "" {
		return nil, fmt.Errorf("status server is disabled; pass --addr")
	}
	return client.New(client.Config{BaseURL: addr, Timeout: f.Timeout}), nil
}

func createHealthCommand(g *GlobalFlags) *cobra.Command {
	f := &APIFlags{}
	var quiet bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Exit 0 when the unit reports healthy, 1 otherwise",
		Long: `Query the running unit's /healthz endpoint. Suitable as a container
HEALTHCHECK command.

Examples:
  tandem health
  tandem health --addr=127.0.0.1:9790 --quiet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(g)
			if err != nil {
				return err
			}
			h, err := c.Health(commandContext(cmd))
			if err != nil {
				if !quiet {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
				return errUnhealthy
			}
			if !quiet {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (unit %s)\n", h.Health.Phase, h.Phase)
				if h.Health.LastError != "" {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "last error: %s\n", h.Health.LastError)
				}
			}
			if !h.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print nothing")
	return cmd
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	f := &APIFlags{}
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print unit or service status as JSON",
		Long: `Examples:
  tandem status
  tandem status --name=backend`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(g)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			if name != "" {
				st, err := c.Service(ctx, name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&name, "name", "", "show a single service")
	return cmd
}

// resolvedView is what `tandem config` prints.
type resolvedView struct {
	Effective   config.EffectiveConfig `json:"effective"`
	DerivedFile string                 `json:"derived_file"`
	Derived     string                 `json:"derived"`
	Exports     []string               `json:"exports"`
	Services    []process.Spec         `json:"services"`
}

func createConfigCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Resolve and print the effective configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			_, specs, ec, err := unit.Prepare(fc, env.FromOS())
			if err != nil {
				return err
			}
			derived, err := config.RenderDerived(ec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resolvedView{
				Effective:   ec,
				DerivedFile: fc.DerivedFile,
				Derived:     derived,
				Exports:     ec.Exports(),
				Services:    specs,
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
