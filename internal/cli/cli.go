// Package cli wires the flux command tree: download and upload runs, the
// combined run, endpoint probing and version output.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/sheerbytes/speedflux/internal/config"
	"github.com/sheerbytes/speedflux/internal/logging"
	"github.com/sheerbytes/speedflux/internal/speedtest"
	"github.com/spf13/cobra"
)

type app struct {
	cfg     config.ClientConfig
	version string
	logger  *slog.Logger
}

// NewRootCmd builds the flux command. Environment variables are read once,
// here; flags and the config file are resolved before each subcommand runs.
func NewRootCmd(version string) *cobra.Command {
	a := &app{cfg: config.DefaultClientConfig(), version: version}
	envErr := config.ApplyClientEnv(&a.cfg)

	root := &cobra.Command{
		Use:           "flux",
		Short:         "flux measures network throughput against speedflux servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := config.ResolveClient(cmd.Flags(), &a.cfg); err != nil {
				return err
			}
			a.logger = logging.NewWriter(cmd.ErrOrStderr(), "flux", a.cfg.LogLevel)
			return nil
		},
	}
	config.BindClientFlags(root.PersistentFlags(), &a.cfg)

	root.AddCommand(
		a.newTransferCmd(speedtest.Download),
		a.newTransferCmd(speedtest.Upload),
		a.newRunCmd(),
		a.newPingCmd(),
		a.newVersionCmd(),
	)
	return root
}

func (a *app) newTransferCmd(dir speedtest.Direction) *cobra.Command {
	return &cobra.Command{
		Use:   string(dir),
		Short: fmt.Sprintf("Measure %s throughput", dir),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransfer(cmd.Context(), cmd.OutOrStdout(), dir)
		},
	}
}

func (a *app) newRunCmd() *cobra.Command {
	directions := []string{string(speedtest.Download), string(speedtest.Upload)}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Measure download then upload throughput against one endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(directions) == 0 {
				return fmt.Errorf("no directions given")
			}
			dirs := make([]speedtest.Direction, 0, len(directions))
			for _, d := range directions {
				dir, err := speedtest.ParseDirection(d)
				if err != nil {
					return err
				}
				dirs = append(dirs, dir)
			}
			return a.runAll(cmd.Context(), cmd.OutOrStdout(), dirs)
		},
	}
	cmd.Flags().StringSliceVar(&directions, "directions", directions, "directions to measure, in order")
	return cmd
}

func (a *app) newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Probe every endpoint with STUN and report round-trip times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPing(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:              "version",
		Short:            "Print the flux version",
		Args:             cobra.NoArgs,
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), a.version)
		},
	}
}

func (a *app) ensureLogger() {
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}
